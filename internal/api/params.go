package api

import (
	"strings"
	"time"

	"github.com/zulandar/labyard/internal/labyarderrors"
	"github.com/zulandar/labyard/internal/utilisation"
)

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04", "2006-01-02"}

// parseTime accepts RFC 3339 or a bare date, in UTC. Empty yields zero.
func parseTime(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, labyarderrors.Invalid(field, s, "expected RFC 3339 time or YYYY-MM-DD")
}

// parseDuration accepts Go durations plus day and week suffixes.
func parseDuration(s string) (time.Duration, error) {
	return utilisation.ParsePeriod(s)
}

// splitQuery flattens repeated and comma-separated query values.
func splitQuery(values []string) []string {
	var out []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
