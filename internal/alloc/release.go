package alloc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/labyard/internal/eventlog"
	"github.com/zulandar/labyard/internal/labyarderrors"
	"github.com/zulandar/labyard/internal/machine"
	"github.com/zulandar/labyard/internal/metrics"
	"github.com/zulandar/labyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReleaseOpts carries failure reports from the provisioning side. Failed
// maps a machine name to the status it should land in instead of idle:
// "offline", "broken" (idle-broken) or any inactive status such as
// "offline-broken".
type ReleaseOpts struct {
	Failed map[string]string `json:"failed"`
}

// Released is the outcome of a release. Machines is empty when the job
// held nothing.
type Released struct {
	JobID    uint              `json:"job_id"`
	Machines []string          `json:"machines"`
	Statuses map[string]string `json:"statuses,omitempty"`
	Events   []models.Event    `json:"-"`
}

// failureStatus resolves a failure outcome to the status to store.
func failureStatus(outcome string) (string, error) {
	if outcome == "broken" {
		return machine.MarkBroken(machine.StatusIdle), nil
	}
	if _, _, err := machine.ParseStatus(outcome); err != nil {
		return "", err
	}
	if machine.IsActive(outcome) {
		return "", labyarderrors.Invalid("failed", outcome, "a released machine cannot stay active")
	}
	return outcome, nil
}

// Release frees every machine held by jobID, appending a JobEnd per
// machine. Releasing a job that holds nothing is a no-op; an unknown job
// is ErrNotFound.
func (e *Engine) Release(ctx context.Context, jobID uint, opts ReleaseOpts) (*Released, error) {
	failed := make(map[string]string, len(opts.Failed))
	for name, outcome := range opts.Failed {
		st, err := failureStatus(strings.TrimSpace(outcome))
		if err != nil {
			return nil, fmt.Errorf("alloc: release job %d: %w", jobID, err)
		}
		failed[name] = st
	}

	var job models.Job
	jobErr := e.db.Where("id = ?", jobID).First(&job).Error
	if jobErr != nil && !errors.Is(jobErr, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("alloc: get job %d: %w", jobID, jobErr)
	}

	var sites []string
	if err := e.db.Model(&models.Machine{}).Where("job_id = ?", jobID).
		Distinct().Order("site ASC").Pluck("site", &sites).Error; err != nil {
		return nil, fmt.Errorf("alloc: sites of job %d: %w", jobID, err)
	}
	if jobErr != nil && len(sites) == 0 {
		return nil, fmt.Errorf("alloc: %w", labyarderrors.NotFound("job", fmt.Sprint(jobID)))
	}

	out := &Released{JobID: jobID, Machines: []string{}}
	for _, s := range sites {
		if err := e.releaseAt(ctx, s, jobID, failed, out); err != nil {
			return nil, err
		}
		metrics.Releases.WithLabelValues(s).Inc()
	}

	if jobErr == nil && job.Status == JobAllocated {
		if err := e.db.Model(&models.Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
			"status":      JobReleased,
			"released_at": e.now().UTC(),
		}).Error; err != nil {
			return nil, fmt.Errorf("alloc: update job %d: %w", jobID, err)
		}
	}

	if len(out.Machines) > 0 {
		sort.Strings(out.Machines)
		e.publish(ctx, out.Events)
		log.WithFields(log.Fields{"job": jobID, "machines": out.Machines}).Info("alloc: released")
	}
	return out, nil
}

func (e *Engine) releaseAt(ctx context.Context, siteName string, jobID uint, failed map[string]string, out *Released) error {
	unlock, err := e.lockSite(ctx, siteName)
	if err != nil {
		return err
	}
	defer unlock()

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockSiteRow(tx, siteName); err != nil {
			return err
		}
		var held []models.Machine
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("site = ? AND job_id = ?", siteName, jobID).Order("name ASC").Find(&held).Error; err != nil {
			return fmt.Errorf("alloc: lock machines of job %d: %w", jobID, err)
		}

		now := e.now().UTC()
		var events []models.Event
		statuses := make(map[string]string, len(held))
		for _, m := range held {
			ev, err := eventlog.AppendJobEnd(tx, now, m.Name, jobID)
			if err != nil {
				return err
			}
			events = append(events, *ev)

			status := machine.StatusIdle
			if st, ok := failed[m.Name]; ok {
				status = st
			}
			if err := tx.Model(&models.Machine{}).Where("name = ?", m.Name).Updates(map[string]interface{}{
				"status":     status,
				"job_id":     nil,
				"updated_at": now,
			}).Error; err != nil {
				return fmt.Errorf("alloc: release %s: %w", m.Name, err)
			}
			statuses[m.Name] = status
		}

		for _, m := range held {
			out.Machines = append(out.Machines, m.Name)
		}
		if len(statuses) > 0 {
			if out.Statuses == nil {
				out.Statuses = make(map[string]string)
			}
			for name, st := range statuses {
				out.Statuses[name] = st
			}
		}
		out.Events = append(out.Events, events...)
		return nil
	})
}
