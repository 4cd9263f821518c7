// Package lease lends machines to people for a bounded time. A lease is an
// overlay on the machine row and is independent of allocation: a leased
// machine keeps its status and can still run jobs.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/labyard/internal/keylock"
	"github.com/zulandar/labyard/internal/labyarderrors"
	"github.com/zulandar/labyard/internal/machine"
	"github.com/zulandar/labyard/internal/metrics"
	"github.com/zulandar/labyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultDuration applies when BorrowOpts.Duration is zero.
const DefaultDuration = 24 * time.Hour

var locks keylock.Map

// BorrowOpts describes a borrow request.
type BorrowOpts struct {
	Holder   string        `json:"holder"`
	Reason   string        `json:"reason"`
	Duration time.Duration `json:"duration"`
	Policy   string        `json:"policy"` // empty keeps the machine's policy
	Force    bool          `json:"force"`
	Now      time.Time     `json:"-"`
}

func lockMachine(ctx context.Context, name string) (func(), error) {
	unlock, err := locks.Lock(ctx, "machine:"+name)
	if err != nil {
		return nil, fmt.Errorf("lease: lock %s: %w", name, err)
	}
	return unlock, nil
}

func getForUpdate(tx *gorm.DB, name string) (*models.Machine, error) {
	var m models.Machine
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lease: %w", labyarderrors.NotFound("machine", name))
	}
	if err != nil {
		return nil, fmt.Errorf("lease: get %s: %w", name, err)
	}
	return &m, nil
}

// Borrow leases a machine to opts.Holder. The same holder borrowing again
// renews the lease. A live lease held by someone else is a conflict unless
// Force is set; an expired one may be taken over.
func Borrow(ctx context.Context, db *gorm.DB, name string, opts BorrowOpts) (*models.Machine, error) {
	if opts.Holder == "" {
		return nil, fmt.Errorf("lease: borrow %s: %w", name, labyarderrors.Invalid("holder", "", "holder is required"))
	}
	if opts.Duration < 0 {
		return nil, fmt.Errorf("lease: borrow %s: %w", name, labyarderrors.Invalid("duration", opts.Duration.String(), "must be positive"))
	}
	if opts.Policy != "" {
		if err := machine.ValidatePolicy(opts.Policy); err != nil {
			return nil, fmt.Errorf("lease: borrow %s: %w", name, err)
		}
	}
	if opts.Duration == 0 {
		opts.Duration = DefaultDuration
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	unlock, err := lockMachine(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *models.Machine
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := getForUpdate(tx, name)
		if err != nil {
			return err
		}
		if m.Leased() && m.LeaseHolder != opts.Holder && m.LeaseTo.After(now) && !opts.Force {
			return fmt.Errorf("lease: borrow %s: %w", name, &labyarderrors.ErrConflict{
				Type:    "machine",
				Value:   name,
				Message: fmt.Sprintf("leased by %s until %s", m.LeaseHolder, m.LeaseTo.UTC().Format(time.RFC3339)),
			})
		}

		until := now.Add(opts.Duration)
		updates := map[string]interface{}{
			"lease_from":     now,
			"lease_to":       until,
			"lease_holder":   opts.Holder,
			"lease_reason":   opts.Reason,
			"lease_extended": false,
			"lease_warned":   false,
			"updated_at":     now,
		}
		if opts.Policy != "" {
			updates["lease_policy"] = opts.Policy
		}
		if err := tx.Model(&models.Machine{}).Where("name = ?", name).Updates(updates).Error; err != nil {
			return fmt.Errorf("lease: borrow %s: %w", name, err)
		}
		out, err = getForUpdate(tx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.LeaseOperations.WithLabelValues("borrow").Inc()
	log.WithFields(log.Fields{"machine": name, "holder": opts.Holder, "until": out.LeaseTo}).Info("lease: borrowed")
	return out, nil
}

// clearLease returns the column updates that end a lease.
func clearLease(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"lease_from":     nil,
		"lease_to":       nil,
		"lease_holder":   "",
		"lease_reason":   "",
		"lease_extended": false,
		"lease_warned":   false,
		"updated_at":     now,
	}
}

// Return ends a machine's lease. Returning an unleased machine is a no-op.
func Return(ctx context.Context, db *gorm.DB, name string) error {
	unlock, err := lockMachine(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	var was string
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := getForUpdate(tx, name)
		if err != nil {
			return err
		}
		if !m.Leased() {
			return nil
		}
		was = m.LeaseHolder
		if err := tx.Model(&models.Machine{}).Where("name = ?", name).Updates(clearLease(time.Now().UTC())).Error; err != nil {
			return fmt.Errorf("lease: return %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if was != "" {
		metrics.LeaseOperations.WithLabelValues("return").Inc()
		log.WithFields(log.Fields{"machine": name, "holder": was}).Info("lease: returned")
	}
	return nil
}
