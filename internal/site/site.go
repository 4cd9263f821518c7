// Package site provides the site registry: administrative groupings of
// machines and their shared-resource budgets.
package site

import (
	"errors"
	"fmt"

	"github.com/zulandar/labyard/internal/labyarderrors"
	"github.com/zulandar/labyard/internal/matcher"
	"github.com/zulandar/labyard/internal/models"
	"github.com/zulandar/labyard/internal/patch"
	"gorm.io/gorm"
)

// DefineOpts holds the fields of a site define. Unset fields are untouched
// on an existing site.
type DefineOpts struct {
	Status          patch.Field
	Flags           patch.Field
	Descr           patch.Field
	SharedResources patch.Field
	MaxJobs         *int
}

// ListFilters holds optional filters for listing sites.
type ListFilters struct {
	Status     string
	FlagFilter string
}

// Define creates the site if absent, otherwise patches the supplied fields.
func Define(db *gorm.DB, name string, opts DefineOpts) (*models.Site, error) {
	if name == "" {
		return nil, labyarderrors.Invalid("name", name, "site name is required")
	}
	if v, ok := opts.SharedResources.Resolve(""); ok {
		if _, err := ParseBudget(v); err != nil {
			return nil, fmt.Errorf("site: define %s: %w", name, err)
		}
	}
	if opts.MaxJobs != nil && *opts.MaxJobs < 0 {
		return nil, labyarderrors.Invalid("max_jobs", fmt.Sprint(*opts.MaxJobs), "must not be negative")
	}

	var out models.Site
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing models.Site
		err := tx.Where("name = ?", name).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s := models.Site{Name: name, Status: "active"}
			s.Status = resolveOr(opts.Status, s.Status, "active")
			s.Flags = resolveOr(opts.Flags, "", "")
			s.Descr = resolveOr(opts.Descr, "", "")
			s.SharedResources = resolveOr(opts.SharedResources, "", "")
			if opts.MaxJobs != nil {
				s.MaxJobs = *opts.MaxJobs
			}
			if err := tx.Create(&s).Error; err != nil {
				return fmt.Errorf("site: create %s: %w", name, err)
			}
			out = s
			return nil
		}
		if err != nil {
			return fmt.Errorf("site: get %s for define: %w", name, err)
		}

		updates := map[string]interface{}{}
		opts.Status.Apply(updates, "status", "active")
		opts.Flags.Apply(updates, "flags", "")
		opts.Descr.Apply(updates, "descr", "")
		opts.SharedResources.Apply(updates, "shared_resources", "")
		if opts.MaxJobs != nil {
			updates["max_jobs"] = *opts.MaxJobs
		}
		if len(updates) > 0 {
			if err := tx.Model(&models.Site{}).Where("name = ?", name).Updates(updates).Error; err != nil {
				return fmt.Errorf("site: update %s: %w", name, err)
			}
		}
		return tx.Where("name = ?", name).First(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// resolveOr returns the Field's value, or cur when the field is Unset.
func resolveOr(f patch.Field, cur, def string) string {
	if v, ok := f.Resolve(def); ok {
		return v
	}
	return cur
}

// Get retrieves a site by name.
func Get(db *gorm.DB, name string) (*models.Site, error) {
	var s models.Site
	if err := db.Where("name = ?", name).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("site: %w", labyarderrors.NotFound("site", name))
		}
		return nil, fmt.Errorf("site: get %s: %w", name, err)
	}
	return &s, nil
}

// List returns sites matching filters, ordered by name.
func List(db *gorm.DB, filters ListFilters) ([]models.Site, error) {
	flagFilter, err := matcher.ParseFilter(filters.FlagFilter)
	if err != nil {
		return nil, fmt.Errorf("site: list: %w", err)
	}

	q := db.Model(&models.Site{})
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	var sites []models.Site
	if err := q.Order("name ASC").Find(&sites).Error; err != nil {
		return nil, fmt.Errorf("site: list: %w", err)
	}
	if flagFilter.Empty() {
		return sites, nil
	}
	out := sites[:0]
	for _, s := range sites {
		if matcher.Matches(matcher.ParseTags(s.Flags), flagFilter) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Capacity returns the site's declared shared-resource budget.
func Capacity(s *models.Site) (Budget, error) {
	b, err := ParseBudget(s.SharedResources)
	if err != nil {
		return nil, fmt.Errorf("site: %s budget: %w", s.Name, err)
	}
	return b, nil
}
