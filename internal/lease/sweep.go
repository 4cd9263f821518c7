package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/labyard/internal/machine"
	"github.com/zulandar/labyard/internal/metrics"
	"github.com/zulandar/labyard/internal/models"
	"github.com/zulandar/labyard/internal/notify"
	"gorm.io/gorm"
)

// DefaultExtendBy applies when SweepOpts.ExtendBy is zero.
const DefaultExtendBy = 24 * time.Hour

// SweepOpts controls one sweep.
type SweepOpts struct {
	Now      time.Time
	ExtendBy time.Duration
	Notifier notify.Notifier
}

// SweepResult lists the machines each policy acted on, in name order.
type SweepResult struct {
	Reclaimed []string `json:"reclaimed"`
	Warned    []string `json:"warned"`
	Extended  []string `json:"extended"`
}

// Empty reports whether the sweep changed nothing.
func (r *SweepResult) Empty() bool {
	return len(r.Reclaimed)+len(r.Warned)+len(r.Extended) == 0
}

// Sweep applies each expired lease's policy. reclaim clears the lease; warn
// notifies once and keeps it; extend pushes the expiry out once and
// reclaims on the next expiry.
func Sweep(ctx context.Context, db *gorm.DB, opts SweepOpts) (*SweepResult, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	if opts.ExtendBy <= 0 {
		opts.ExtendBy = DefaultExtendBy
	}

	var expired []string
	if err := db.WithContext(ctx).Model(&models.Machine{}).
		Where("lease_to IS NOT NULL AND lease_to < ?", now).
		Order("name ASC").Pluck("name", &expired).Error; err != nil {
		return nil, fmt.Errorf("lease: find expired: %w", err)
	}

	result := &SweepResult{}
	var notices []notify.Notice
	for _, name := range expired {
		n, err := sweepOne(ctx, db, name, now, opts.ExtendBy, result)
		if err != nil {
			return result, err
		}
		if n != nil {
			notices = append(notices, *n)
		}
	}
	notify.Publish(ctx, opts.Notifier, notices...)
	return result, nil
}

func sweepOne(ctx context.Context, db *gorm.DB, name string, now time.Time, extendBy time.Duration, result *SweepResult) (*notify.Notice, error) {
	unlock, err := lockMachine(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var notice *notify.Notice
	var op string
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := getForUpdate(tx, name)
		if err != nil {
			return err
		}
		// Returned or renewed since the scan.
		if !m.Leased() || !m.LeaseTo.Before(now) {
			return nil
		}

		op = machine.PolicyReclaim
		updates := clearLease(now)
		switch {
		case m.LeasePolicy == machine.PolicyWarn:
			if m.LeaseWarned {
				return nil
			}
			op = machine.PolicyWarn
			updates = map[string]interface{}{"lease_warned": true, "updated_at": now}
		case m.LeasePolicy == machine.PolicyExtend && !m.LeaseExtended:
			op = machine.PolicyExtend
			updates = map[string]interface{}{"lease_to": m.LeaseTo.Add(extendBy).UTC(), "lease_extended": true, "updated_at": now}
		}
		if err := tx.Model(&models.Machine{}).Where("name = ?", name).Updates(updates).Error; err != nil {
			return fmt.Errorf("lease: sweep %s: %w", name, err)
		}

		n := leaseNotice(m, op, extendBy)
		notice = &n
		switch op {
		case machine.PolicyWarn:
			result.Warned = append(result.Warned, name)
		case machine.PolicyExtend:
			result.Extended = append(result.Extended, name)
		default:
			result.Reclaimed = append(result.Reclaimed, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if notice != nil {
		metrics.LeaseOperations.WithLabelValues(op).Inc()
		log.WithFields(log.Fields{"machine": name, "holder": notice.Fields[0].Value}).Info("lease: " + notice.Title)
	}
	return notice, nil
}

func leaseNotice(m *models.Machine, op string, extendBy time.Duration) notify.Notice {
	n := notify.Notice{
		Subject: m.Name,
		Ts:      time.Now().UTC(),
		Fields: []notify.Field{
			{Name: "holder", Value: m.LeaseHolder},
			{Name: "expired", Value: m.LeaseTo.UTC().Format(time.RFC3339)},
		},
		Body: m.LeaseReason,
	}
	switch op {
	case machine.PolicyWarn:
		n.Kind = notify.KindLeaseWarning
		n.Severity = notify.SeverityWarning
		n.Title = fmt.Sprintf("lease on %s held by %s has expired", m.Name, m.LeaseHolder)
	case machine.PolicyExtend:
		n.Kind = notify.KindLeaseExtend
		n.Severity = notify.SeverityInfo
		n.Title = fmt.Sprintf("lease on %s extended by %s", m.Name, extendBy)
	default:
		n.Kind = notify.KindLeaseReclaim
		n.Severity = notify.SeverityInfo
		n.Title = fmt.Sprintf("lease on %s reclaimed from %s", m.Name, m.LeaseHolder)
	}
	return n
}

// scheduleParser accepts 5-field cron expressions and descriptors such as
// @hourly or @every 1m.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a sweep schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("lease: schedule %q: %w", expr, err)
	}
	return sched, nil
}

// RunSweeper sweeps on schedule until ctx is cancelled. Sweep errors are
// logged and the loop continues. opts.Now is ignored; each sweep uses the
// time it fires.
func RunSweeper(ctx context.Context, db *gorm.DB, schedule string, opts SweepOpts) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	logger := log.WithField("schedule", schedule)
	logger.Info("lease: sweeper started")
	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("lease: sweeper stopped")
			return nil
		case fired := <-timer.C:
			opts.Now = fired
			res, err := Sweep(ctx, db, opts)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.WithError(err).Error("lease: sweep failed")
				continue
			}
			if !res.Empty() {
				logger.WithFields(log.Fields{
					"reclaimed": len(res.Reclaimed),
					"warned":    len(res.Warned),
					"extended":  len(res.Extended),
				}).Info("lease: sweep complete")
			}
		}
	}
}
