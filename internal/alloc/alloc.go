// Package alloc is the allocation engine. It grants a job N idle machines
// at one site, charging the job's shared-resource claim against what the
// site has left, and gives them back on release.
//
// Allocations at a site are serialized twice: by an in-process lock per
// site and, inside one transaction, by SELECT ... FOR UPDATE on the site
// row and then on the candidate rows, so several processes sharing a MySQL
// server can neither hand out the same machine nor overspend the site's
// shared budget. Every machine transition and its JobStart or JobEnd
// event commit together or not at all.
package alloc

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/labyard/internal/eventlog"
	"github.com/zulandar/labyard/internal/keylock"
	"github.com/zulandar/labyard/internal/labyarderrors"
	"github.com/zulandar/labyard/internal/machine"
	"github.com/zulandar/labyard/internal/matcher"
	"github.com/zulandar/labyard/internal/metrics"
	"github.com/zulandar/labyard/internal/models"
	"github.com/zulandar/labyard/internal/notify"
	"github.com/zulandar/labyard/internal/site"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Job envelope statuses.
const (
	JobNew       = "new"
	JobAllocated = "allocated"
	JobReleased  = "released"
)

// Engine allocates and releases machines. It is safe for concurrent use.
type Engine struct {
	db       *gorm.DB
	notifier notify.Notifier
	locks    keylock.Map
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier publishes JobStart/JobEnd events after commit.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine over db.
func New(db *gorm.DB, opts ...Option) *Engine {
	e := &Engine{db: db, notifier: notify.Nop, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Request describes what a job needs. Empty Site, Cluster and Pool place
// no constraint.
type Request struct {
	JobID          uint   `json:"job_id"`
	Site           string `json:"site"`
	Cluster        string `json:"cluster"`
	Pool           string `json:"pool"`
	Machines       int    `json:"machines"`
	ResourceFilter string `json:"resources"`
	FlagFilter     string `json:"flags"`
	SharedClaim    string `json:"shared"`
}

// Grant is a successful allocation.
type Grant struct {
	JobID       uint           `json:"job_id"`
	Site        string         `json:"site"`
	Machines    []string       `json:"machines"`
	Claim       site.Budget    `json:"claim,omitempty"`
	AllocatedAt time.Time      `json:"allocated_at"`
	Events      []models.Event `json:"-"`
}

// parsed is a validated Request.
type parsed struct {
	Request
	resources matcher.Filter
	flags     matcher.Filter
	claim     site.Budget
}

func parseRequest(req Request) (*parsed, error) {
	if req.Machines == 0 {
		req.Machines = 1
	}
	if req.Machines < 1 {
		return nil, labyarderrors.Invalid("machines", fmt.Sprint(req.Machines), "at least one machine is required")
	}
	p := &parsed{Request: req}
	var err error
	if p.resources, err = matcher.ParseFilter(req.ResourceFilter); err != nil {
		return nil, err
	}
	if p.flags, err = matcher.ParseFilter(req.FlagFilter); err != nil {
		return nil, err
	}
	if p.claim, err = site.ParseBudget(req.SharedClaim); err != nil {
		return nil, err
	}
	return p, nil
}

// Allocate grants the request or fails with ErrInsufficientCapacity. A
// named site that has neither a row nor machines is ErrNotFound. When no
// site is given, sites with idle machines are tried in name order and
// the first that can satisfy the whole request wins.
func (e *Engine) Allocate(ctx context.Context, req Request) (*Grant, error) {
	p, err := parseRequest(req)
	if err != nil {
		return nil, fmt.Errorf("alloc: %w", err)
	}
	if p.Site != "" {
		if err := siteExists(e.db, p.Site); err != nil {
			return nil, err
		}
	}
	job, err := e.upsertJob(p)
	if err != nil {
		return nil, err
	}
	p.JobID = job.ID

	sites := []string{p.Site}
	if p.Site == "" {
		if sites, err = e.candidateSites(p); err != nil {
			return nil, err
		}
	}

	logger := log.WithFields(log.Fields{"job": p.JobID, "machines": p.Machines})
	attempts := make(map[string]string)
	var lastErr *labyarderrors.ErrInsufficientCapacity
	for _, s := range sites {
		grant, err := e.tryAllocate(ctx, s, p)
		if err == nil {
			metrics.Allocations.WithLabelValues(s, metrics.OutcomeGranted).Inc()
			e.publish(ctx, grant.Events)
			logger.WithFields(log.Fields{"site": s, "granted": grant.Machines}).Info("alloc: granted")
			return grant, nil
		}
		var capErr *labyarderrors.ErrInsufficientCapacity
		if !errors.As(err, &capErr) {
			metrics.Allocations.WithLabelValues(s, metrics.OutcomeError).Inc()
			return nil, err
		}
		metrics.Allocations.WithLabelValues(s, metrics.OutcomeInsufficient).Inc()
		logger.WithField("site", s).Debugf("alloc: %v", capErr)
		lastErr = capErr
		attempts[s] = capErr.Error()
	}

	if p.Site != "" && lastErr != nil {
		return nil, fmt.Errorf("alloc: job %d: %w", p.JobID, lastErr)
	}
	capErr := &labyarderrors.ErrInsufficientCapacity{Wanted: p.Machines}
	if len(attempts) > 0 {
		capErr.Attempts = attempts
	}
	return nil, fmt.Errorf("alloc: job %d: %w", p.JobID, capErr)
}

// upsertJob records the job envelope. A job that already holds machines
// cannot be allocated again, and a released job is closed: its envelope
// weights the utilisation of the window it ran in.
func (e *Engine) upsertJob(p *parsed) (*models.Job, error) {
	var job models.Job
	err := e.db.Transaction(func(tx *gorm.DB) error {
		if p.JobID != 0 {
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", p.JobID).First(&job).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("alloc: get job %d: %w", p.JobID, err)
			}
			if err == nil {
				if job.Status == JobReleased {
					return fmt.Errorf("alloc: %w", &labyarderrors.ErrConflict{
						Type: "job", Value: fmt.Sprint(p.JobID), Message: "was released; allocate under a new job id",
					})
				}
				if err := checkNotHolding(tx, p.JobID); err != nil {
					return err
				}
			}
		}
		job.ID = p.JobID
		job.Site = p.Site
		job.Cluster = p.Cluster
		job.Pool = p.Pool
		job.MachinesRequired = p.Machines
		job.ResourceFilter = p.resources.String()
		job.FlagFilter = p.flags.String()
		job.SharedClaim = p.claim.String()
		job.Status = JobNew
		job.AllocatedAt = nil
		job.ReleasedAt = nil
		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("alloc: save job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func checkNotHolding(tx *gorm.DB, jobID uint) error {
	var held int64
	if err := tx.Model(&models.Machine{}).Where("job_id = ?", jobID).Count(&held).Error; err != nil {
		return fmt.Errorf("alloc: check job %d: %w", jobID, err)
	}
	if held > 0 {
		return fmt.Errorf("alloc: %w", &labyarderrors.ErrConflict{
			Type: "job", Value: fmt.Sprint(jobID), Message: fmt.Sprintf("already holds %d machines", held),
		})
	}
	return nil
}

// siteExists reports ErrNotFound for a site that has neither a row nor
// any machine placed at it.
func siteExists(db *gorm.DB, name string) error {
	var rows int64
	if err := db.Model(&models.Site{}).Where("name = ?", name).Count(&rows).Error; err != nil {
		return fmt.Errorf("alloc: get site %s: %w", name, err)
	}
	if rows == 0 {
		if err := db.Model(&models.Machine{}).Where("site = ?", name).Count(&rows).Error; err != nil {
			return fmt.Errorf("alloc: machines at %s: %w", name, err)
		}
	}
	if rows == 0 {
		return fmt.Errorf("alloc: %w", labyarderrors.NotFound("site", name))
	}
	return nil
}

// lockSiteRow takes the site row FOR UPDATE ahead of any machine row. A
// site without a row declares no budget, so there is nothing to guard.
func lockSiteRow(tx *gorm.DB, name string) error {
	var s []models.Site
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).Limit(1).Find(&s).Error; err != nil {
		return fmt.Errorf("alloc: lock site %s: %w", name, err)
	}
	return nil
}

// candidateSites lists sites with at least one free machine in the
// requested cluster and pool, in name order.
func (e *Engine) candidateSites(p *parsed) ([]string, error) {
	var sites []string
	q := freeMachines(e.db.Model(&models.Machine{}), p)
	if err := q.Distinct().Order("site ASC").Pluck("site", &sites).Error; err != nil {
		return nil, fmt.Errorf("alloc: candidate sites: %w", err)
	}
	return sites, nil
}

// freeMachines narrows q to idle, unbroken, unassigned machines in the
// requested cluster and pool.
func freeMachines(q *gorm.DB, p *parsed) *gorm.DB {
	q = q.Where("status = ? AND job_id IS NULL", machine.StatusIdle)
	if p.Cluster != "" {
		q = q.Where("cluster = ?", p.Cluster)
	}
	if p.Pool != "" {
		q = q.Where("pool = ?", p.Pool)
	}
	return q
}

func (e *Engine) lockSite(ctx context.Context, name string) (func(), error) {
	start := time.Now()
	unlock, err := e.locks.Lock(ctx, "site:"+name)
	metrics.AllocationLockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("alloc: lock site %s: %w", name, err)
	}
	return unlock, nil
}

// tryAllocate attempts the whole request at one site.
func (e *Engine) tryAllocate(ctx context.Context, siteName string, p *parsed) (*Grant, error) {
	unlock, err := e.lockSite(ctx, siteName)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var grant *Grant
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockSiteRow(tx, siteName); err != nil {
			return err
		}
		var job models.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", p.JobID).First(&job).Error; err != nil {
			return fmt.Errorf("alloc: get job %d: %w", p.JobID, err)
		}
		if err := checkNotHolding(tx, p.JobID); err != nil {
			return err
		}

		var candidates []models.Machine
		q := freeMachines(tx.Where("site = ?", siteName), p)
		if err := q.Clauses(clause.Locking{Strength: "UPDATE"}).Order("name ASC").Find(&candidates).Error; err != nil {
			return fmt.Errorf("alloc: lock candidates at %s: %w", siteName, err)
		}
		candidates = machine.FilterTags(candidates, p.resources, p.flags)
		if len(candidates) < p.Machines {
			return &labyarderrors.ErrInsufficientCapacity{Site: siteName, Wanted: p.Machines, Found: len(candidates)}
		}

		if len(p.claim) > 0 {
			remaining, err := remaining(tx, siteName, p.JobID)
			if err != nil {
				return err
			}
			if name, claimed, avail, exceeded := remaining.Exceeds(p.claim); exceeded {
				return &labyarderrors.ErrInsufficientCapacity{
					Site: siteName, Wanted: p.Machines, Found: len(candidates),
					Resource: name, Claimed: claimed, Remaining: avail,
				}
			}
		}

		now := e.now().UTC()
		chosen := candidates[:p.Machines]
		names := make([]string, len(chosen))
		for i, m := range chosen {
			names[i] = m.Name
		}
		res := tx.Model(&models.Machine{}).Where("name IN ? AND job_id IS NULL", names).Updates(map[string]interface{}{
			"status":     machine.StatusScheduled,
			"job_id":     p.JobID,
			"updated_at": now,
		})
		if res.Error != nil {
			return fmt.Errorf("alloc: assign machines: %w", res.Error)
		}
		if res.RowsAffected != int64(len(names)) {
			return fmt.Errorf("alloc: assigned %d of %d machines at %s", res.RowsAffected, len(names), siteName)
		}

		events := make([]models.Event, 0, len(names))
		for _, name := range names {
			ev, err := eventlog.AppendJobStart(tx, now, name, p.JobID)
			if err != nil {
				return err
			}
			events = append(events, *ev)
		}

		if err := tx.Model(&models.Job{}).Where("id = ?", p.JobID).Updates(map[string]interface{}{
			"site":         siteName,
			"status":       JobAllocated,
			"allocated_at": now,
			"released_at":  nil,
		}).Error; err != nil {
			return fmt.Errorf("alloc: update job %d: %w", p.JobID, err)
		}

		grant = &Grant{JobID: p.JobID, Site: siteName, Machines: names, Claim: p.claim, AllocatedAt: now, Events: events}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

func (e *Engine) publish(ctx context.Context, events []models.Event) {
	notices := make([]notify.Notice, len(events))
	for i, ev := range events {
		metrics.EventsAppended.WithLabelValues(ev.Type).Inc()
		notices[i] = notify.ForEvent(ev)
	}
	notify.Publish(ctx, e.notifier, notices...)
}
