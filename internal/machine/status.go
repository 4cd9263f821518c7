package machine

import (
	"strings"

	"github.com/zulandar/labyard/internal/labyarderrors"
)

// Machine lifecycle statuses. Any of them may carry BrokenSuffix.
const (
	StatusIdle      = "idle"
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
	StatusSlaved    = "slaved"
	StatusOffline   = "offline"

	BrokenSuffix = "-broken"
)

var baseStatuses = map[string]bool{
	StatusIdle:      true,
	StatusScheduled: true,
	StatusRunning:   true,
	StatusSlaved:    true,
	StatusOffline:   true,
}

// ActiveStatuses are the base statuses in which a machine carries a job.
var ActiveStatuses = []string{StatusScheduled, StatusRunning, StatusSlaved}

// ParseStatus splits a status into its base and broken flag.
func ParseStatus(status string) (base string, broken bool, err error) {
	base, broken = strings.CutSuffix(status, BrokenSuffix)
	if !baseStatuses[base] {
		return "", false, labyarderrors.Invalid("status", status, "must be one of idle, scheduled, running, slaved, offline with optional -broken suffix")
	}
	return base, broken, nil
}

// BaseStatus strips the broken suffix without validating.
func BaseStatus(status string) string {
	return strings.TrimSuffix(status, BrokenSuffix)
}

// IsActive reports whether status means the machine is held by a job.
func IsActive(status string) bool {
	switch BaseStatus(status) {
	case StatusScheduled, StatusRunning, StatusSlaved:
		return true
	}
	return false
}

// IsBroken reports whether status carries the broken suffix.
func IsBroken(status string) bool {
	return strings.HasSuffix(status, BrokenSuffix)
}

// MarkBroken returns status with the broken suffix.
func MarkBroken(status string) string {
	if IsBroken(status) {
		return status
	}
	return status + BrokenSuffix
}

// ActiveStatusValues returns every stored status string that counts as
// active, broken variants included, for SQL IN clauses.
func ActiveStatusValues() []string {
	out := make([]string, 0, 2*len(ActiveStatuses))
	for _, s := range ActiveStatuses {
		out = append(out, s, s+BrokenSuffix)
	}
	return out
}

// Lease expiry policies.
const (
	PolicyReclaim = "reclaim"
	PolicyWarn    = "warn"
	PolicyExtend  = "extend"
)

// ValidatePolicy checks a lease policy name.
func ValidatePolicy(p string) error {
	switch p {
	case PolicyReclaim, PolicyWarn, PolicyExtend:
		return nil
	}
	return labyarderrors.Invalid("lease_policy", p, "must be reclaim, warn or extend")
}
