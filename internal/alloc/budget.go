package alloc

import (
	"errors"
	"fmt"

	"github.com/zulandar/labyard/internal/machine"
	"github.com/zulandar/labyard/internal/models"
	"github.com/zulandar/labyard/internal/site"
	"gorm.io/gorm"
)

// BudgetReport is a site's shared-resource position at one instant.
type BudgetReport struct {
	Site      string      `json:"site"`
	Declared  site.Budget `json:"declared"`
	Used      site.Budget `json:"used"`
	Remaining site.Budget `json:"remaining"`
	Jobs      []uint      `json:"jobs"` // jobs currently holding machines at the site
}

// Remaining reports the site's declared, used and remaining shared budget.
// Nothing is cached: usage is summed from the claims of the jobs that hold
// machines at the site right now.
func Remaining(db *gorm.DB, siteName string) (*BudgetReport, error) {
	s, err := site.Get(db, siteName)
	if err != nil {
		return nil, fmt.Errorf("alloc: %w", err)
	}
	declared, err := site.Capacity(s)
	if err != nil {
		return nil, fmt.Errorf("alloc: site %s: %w", siteName, err)
	}
	jobs, err := activeJobs(db, siteName, 0)
	if err != nil {
		return nil, err
	}
	used, err := sumClaims(db, jobs)
	if err != nil {
		return nil, err
	}
	return &BudgetReport{Site: siteName, Declared: declared, Used: used, Remaining: declared.Sub(used), Jobs: jobs}, nil
}

// remaining derives what is left at a site for a job, ignoring the job's
// own claim. A site with no row declares nothing.
func remaining(tx *gorm.DB, siteName string, exclude uint) (site.Budget, error) {
	declared := site.Budget{}
	var s models.Site
	err := tx.Where("name = ?", siteName).First(&s).Error
	switch {
	case err == nil:
		if declared, err = site.Capacity(&s); err != nil {
			return nil, fmt.Errorf("alloc: site %s: %w", siteName, err)
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("alloc: get site %s: %w", siteName, err)
	}

	jobs, err := activeJobs(tx, siteName, exclude)
	if err != nil {
		return nil, err
	}
	used, err := sumClaims(tx, jobs)
	if err != nil {
		return nil, err
	}
	return declared.Sub(used), nil
}

// activeJobs returns the distinct jobs, other than exclude, holding a
// machine at the site in an active status.
func activeJobs(db *gorm.DB, siteName string, exclude uint) ([]uint, error) {
	var jobs []uint
	q := db.Model(&models.Machine{}).
		Where("site = ? AND job_id IS NOT NULL AND status IN ?", siteName, machine.ActiveStatusValues())
	if exclude != 0 {
		q = q.Where("job_id <> ?", exclude)
	}
	if err := q.Distinct().Order("job_id ASC").Pluck("job_id", &jobs).Error; err != nil {
		return nil, fmt.Errorf("alloc: active jobs at %s: %w", siteName, err)
	}
	return jobs, nil
}

func sumClaims(db *gorm.DB, jobs []uint) (site.Budget, error) {
	used := site.Budget{}
	if len(jobs) == 0 {
		return used, nil
	}
	var rows []models.Job
	if err := db.Select("id", "shared_claim").Where("id IN ?", jobs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("alloc: load job claims: %w", err)
	}
	for _, j := range rows {
		claim, err := site.ParseBudget(j.SharedClaim)
		if err != nil {
			return nil, fmt.Errorf("alloc: job %d claim: %w", j.ID, err)
		}
		used.Add(claim)
	}
	return used, nil
}
