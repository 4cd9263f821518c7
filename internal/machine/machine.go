// Package machine provides the machine registry: identity, placement, tags
// and the current lifecycle status of every physical test host.
//
// The registry is a projection store. It never appends events; the
// allocation engine owns job transitions and records them in the event log.
package machine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/labyard/internal/labyarderrors"
	"github.com/zulandar/labyard/internal/matcher"
	"github.com/zulandar/labyard/internal/models"
	"github.com/zulandar/labyard/internal/patch"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultPlacement is the cluster and pool a machine lands in when none is given.
const DefaultPlacement = "default"

// DefineOpts holds the fields of a machine define. Unset fields are left
// untouched on an existing machine.
type DefineOpts struct {
	Site        patch.Field
	Cluster     patch.Field
	Pool        patch.Field
	Status      patch.Field
	Resources   patch.Field
	Flags       patch.Field
	Descr       patch.Field
	LeasePolicy patch.Field
}

// LeaseMode selects machines by lease state.
type LeaseMode int

const (
	LeaseAny LeaseMode = iota
	LeaseLeased
	LeaseFree
)

// LeaseFilter selects machines by lease state and, optionally, holder.
type LeaseFilter struct {
	Mode   LeaseMode
	Holder string // implies LeaseLeased
}

// LeasedBy returns a filter for machines leased by holder.
func LeasedBy(holder string) LeaseFilter {
	return LeaseFilter{Mode: LeaseLeased, Holder: holder}
}

// ListFilters holds optional filters for listing machines.
type ListFilters struct {
	Site           string
	Cluster        string
	Pool           string
	Status         string // exact status, or "broken" for any broken machine
	ResourceFilter string
	FlagFilter     string
	Lease          LeaseFilter
}

// Define creates the machine if absent, otherwise patches the supplied
// fields. A new machine needs a site.
func Define(db *gorm.DB, name string, opts DefineOpts) (*models.Machine, error) {
	if name == "" {
		return nil, labyarderrors.Invalid("name", name, "machine name is required")
	}
	if err := validateDefine(opts); err != nil {
		return nil, fmt.Errorf("machine: define %s: %w", name, err)
	}

	var out models.Machine
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing models.Machine
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			m, err := newMachine(name, opts)
			if err != nil {
				return err
			}
			if err := tx.Create(m).Error; err != nil {
				return fmt.Errorf("machine: create %s: %w", name, err)
			}
			out = *m
			return nil
		}
		if err != nil {
			return fmt.Errorf("machine: get %s for define: %w", name, err)
		}

		if v, ok := opts.Site.Resolve(""); ok && v == "" {
			return fmt.Errorf("machine: define %s: %w", name, labyarderrors.Invalid("site", v, "site cannot be cleared"))
		}
		if err := checkPlacement(&existing, opts); err != nil {
			return fmt.Errorf("machine: define %s: %w", name, err)
		}
		if v, ok := opts.Status.Resolve(StatusIdle); ok {
			if err := checkTransition(&existing, v); err != nil {
				return fmt.Errorf("machine: define %s: %w", name, err)
			}
		}

		updates := map[string]interface{}{}
		opts.Site.Apply(updates, "site", "")
		opts.Cluster.Apply(updates, "cluster", DefaultPlacement)
		opts.Pool.Apply(updates, "pool", DefaultPlacement)
		opts.Status.Apply(updates, "status", StatusIdle)
		opts.Resources.Apply(updates, "resources", "")
		opts.Flags.Apply(updates, "flags", "")
		opts.Descr.Apply(updates, "descr", "")
		opts.LeasePolicy.Apply(updates, "lease_policy", PolicyReclaim)
		if len(updates) > 0 {
			if err := tx.Model(&models.Machine{}).Where("name = ?", name).Updates(updates).Error; err != nil {
				return fmt.Errorf("machine: update %s: %w", name, err)
			}
		}
		return tx.Where("name = ?", name).First(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func newMachine(name string, opts DefineOpts) (*models.Machine, error) {
	site, ok := opts.Site.Resolve("")
	if !ok || site == "" {
		return nil, fmt.Errorf("machine: define %s: %w", name, labyarderrors.Invalid("site", site, "site is required for a new machine"))
	}
	m := &models.Machine{
		Name:        name,
		Site:        site,
		Cluster:     valueOr(opts.Cluster, DefaultPlacement),
		Pool:        valueOr(opts.Pool, DefaultPlacement),
		Status:      valueOr(opts.Status, StatusIdle),
		Resources:   valueOr(opts.Resources, ""),
		Flags:       valueOr(opts.Flags, ""),
		Descr:       valueOr(opts.Descr, ""),
		LeasePolicy: valueOr(opts.LeasePolicy, PolicyReclaim),
	}
	if IsActive(m.Status) {
		return nil, fmt.Errorf("machine: define %s: %w", name, &labyarderrors.ErrConflict{
			Type: "machine", Value: name, Message: "a new machine cannot start in status " + m.Status,
		})
	}
	return m, nil
}

// valueOr returns the field's stored value, with def for Unset and Clear.
func valueOr(f patch.Field, def string) string {
	if v, ok := f.Resolve(def); ok && v != "" {
		return v
	}
	return def
}

func validateDefine(opts DefineOpts) error {
	if v, ok := opts.Status.Resolve(StatusIdle); ok {
		if _, _, err := ParseStatus(v); err != nil {
			return err
		}
	}
	if v, ok := opts.LeasePolicy.Resolve(PolicyReclaim); ok {
		if err := ValidatePolicy(v); err != nil {
			return err
		}
	}
	for field, f := range map[string]patch.Field{"resources": opts.Resources, "flags": opts.Flags} {
		if v, ok := f.Resolve(""); ok && strings.ContainsAny(v, "()") {
			return labyarderrors.Invalid(field, v, "tags cannot contain parentheses")
		}
	}
	return nil
}

// checkTransition enforces that job_id is set iff the status is active.
// Status changes never create or drop a job association; only allocate and
// release do that.
func checkTransition(m *models.Machine, status string) error {
	if _, _, err := ParseStatus(status); err != nil {
		return err
	}
	switch {
	case IsActive(status) && m.JobID == nil:
		return &labyarderrors.ErrConflict{Type: "machine", Value: m.Name, Message: "status " + status + " requires an allocated job"}
	case !IsActive(status) && m.JobID != nil:
		return &labyarderrors.ErrConflict{Type: "machine", Value: m.Name, Message: fmt.Sprintf("machine holds job %d; release it first", *m.JobID)}
	}
	return nil
}

// checkPlacement refuses to move a machine that holds a job: its job's
// shared claim is charged to the site the machine sits in.
func checkPlacement(m *models.Machine, opts DefineOpts) error {
	if m.JobID == nil {
		return nil
	}
	fields := []struct {
		f        patch.Field
		cur, def string
	}{
		{opts.Site, m.Site, ""},
		{opts.Cluster, m.Cluster, DefaultPlacement},
		{opts.Pool, m.Pool, DefaultPlacement},
	}
	for _, fd := range fields {
		if v, ok := fd.f.Resolve(fd.def); ok && v != fd.cur {
			return &labyarderrors.ErrConflict{Type: "machine", Value: m.Name, Message: fmt.Sprintf("machine holds job %d; release it first", *m.JobID)}
		}
	}
	return nil
}

// Get retrieves a machine by name with its props.
func Get(db *gorm.DB, name string) (*models.Machine, error) {
	var m models.Machine
	if err := db.Preload("Props").Where("name = ?", name).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("machine: %w", labyarderrors.NotFound("machine", name))
		}
		return nil, fmt.Errorf("machine: get %s: %w", name, err)
	}
	return &m, nil
}

// List returns machines matching filters, ordered by name. Placement,
// status and lease filters run in SQL; tag filters are evaluated on the
// result.
func List(db *gorm.DB, filters ListFilters) ([]models.Machine, error) {
	resFilter, err := matcher.ParseFilter(filters.ResourceFilter)
	if err != nil {
		return nil, fmt.Errorf("machine: list: %w", err)
	}
	flagFilter, err := matcher.ParseFilter(filters.FlagFilter)
	if err != nil {
		return nil, fmt.Errorf("machine: list: %w", err)
	}

	q := db.Model(&models.Machine{})
	if filters.Site != "" {
		q = q.Where("site = ?", filters.Site)
	}
	if filters.Cluster != "" {
		q = q.Where("cluster = ?", filters.Cluster)
	}
	if filters.Pool != "" {
		q = q.Where("pool = ?", filters.Pool)
	}
	switch filters.Status {
	case "":
	case "broken":
		q = q.Where("status LIKE ?", "%"+BrokenSuffix)
	default:
		q = q.Where("status = ?", filters.Status)
	}
	switch {
	case filters.Lease.Holder != "":
		q = q.Where("lease_to IS NOT NULL AND lease_holder = ?", filters.Lease.Holder)
	case filters.Lease.Mode == LeaseLeased:
		q = q.Where("lease_to IS NOT NULL")
	case filters.Lease.Mode == LeaseFree:
		q = q.Where("lease_to IS NULL")
	}

	var machines []models.Machine
	if err := q.Order("name ASC").Find(&machines).Error; err != nil {
		return nil, fmt.Errorf("machine: list: %w", err)
	}
	return FilterTags(machines, resFilter, flagFilter), nil
}

// FilterTags keeps the machines whose resources and flags satisfy both filters.
func FilterTags(machines []models.Machine, resources, flags matcher.Filter) []models.Machine {
	if resources.Empty() && flags.Empty() {
		return machines
	}
	out := make([]models.Machine, 0, len(machines))
	for _, m := range machines {
		if matcher.Matches(matcher.ParseTags(m.Resources), resources) &&
			matcher.Matches(matcher.ParseTags(m.Flags), flags) {
			out = append(out, m)
		}
	}
	return out
}

// SetStatus changes a machine's status. Moving into or out of an active
// status must agree with the machine's job association.
func SetStatus(db *gorm.DB, name, status string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var m models.Machine
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("machine: %w", labyarderrors.NotFound("machine", name))
			}
			return fmt.Errorf("machine: get %s for status: %w", name, err)
		}
		if err := checkTransition(&m, status); err != nil {
			return fmt.Errorf("machine: set status %s: %w", name, err)
		}
		if err := tx.Model(&models.Machine{}).Where("name = ?", name).Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
			return fmt.Errorf("machine: set status %s: %w", name, err)
		}
		return nil
	})
}

// Undefine removes a machine and its props. Removing an absent machine is
// not an error. Callers must not undefine a machine that holds a job.
func Undefine(db *gorm.DB, name string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("machine = ?", name).Delete(&models.MachineProp{}).Error; err != nil {
			return fmt.Errorf("machine: undefine %s props: %w", name, err)
		}
		if err := tx.Where("name = ?", name).Delete(&models.Machine{}).Error; err != nil {
			return fmt.Errorf("machine: undefine %s: %w", name, err)
		}
		return nil
	})
}
