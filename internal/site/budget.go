package site

import (
	"sort"
	"strconv"
	"strings"

	"github.com/zulandar/labyard/internal/labyarderrors"
)

// Budget maps a shared resource name to a quantity. It is used both for a
// site's declared capacity and for a job's claim.
type Budget map[string]int

// ParseBudget parses `name=qty,...`. Quantities must be non-negative
// integers; a repeated name is an error.
func ParseBudget(s string) (Budget, error) {
	b := make(Budget)
	for _, raw := range strings.Split(s, ",") {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			continue
		}
		name, qty, ok := strings.Cut(tok, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, labyarderrors.Invalid("shared_resources", s, "expected name=quantity, got "+tok)
		}
		n, err := strconv.Atoi(strings.TrimSpace(qty))
		if err != nil || n < 0 {
			return nil, labyarderrors.Invalid("shared_resources", s, "quantity for "+name+" must be a non-negative integer")
		}
		if _, dup := b[name]; dup {
			return nil, labyarderrors.Invalid("shared_resources", s, "resource "+name+" listed twice")
		}
		b[name] = n
	}
	return b, nil
}

// Names returns the resource names in sorted order.
func (b Budget) Names() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String renders the budget as `name=qty,...` in name order.
func (b Budget) String() string {
	names := b.Names()
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + strconv.Itoa(b[name])
	}
	return strings.Join(parts, ",")
}

// Add accumulates other into b.
func (b Budget) Add(other Budget) {
	for name, qty := range other {
		b[name] += qty
	}
}

// Sub returns b minus used, per name. Names only in used are ignored.
func (b Budget) Sub(used Budget) Budget {
	out := make(Budget, len(b))
	for name, qty := range b {
		out[name] = qty - used[name]
	}
	return out
}

// Exceeds returns the first resource (in name order) where claim is more than
// available. A name missing from available counts as zero.
func (b Budget) Exceeds(claim Budget) (name string, claimed, available int, exceeded bool) {
	for _, name := range claim.Names() {
		if claim[name] > b[name] {
			return name, claim[name], b[name], true
		}
	}
	return "", 0, 0, false
}
