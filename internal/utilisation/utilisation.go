// Package utilisation replays the event log to report how busy machines
// and pools were over a time window. It only reads.
package utilisation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/labyard/internal/eventlog"
	"github.com/zulandar/labyard/internal/labyarderrors"
	"github.com/zulandar/labyard/internal/models"
	"gorm.io/gorm"
)

// Opts selects the machines and window to report on. Empty Pools means
// every pool.
type Opts struct {
	Pools   []string
	Start   time.Time
	End     time.Time
	Verbose bool
}

// Window is the reporting interval. Both ends are inclusive, so a job
// released exactly at End is counted.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the window length.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Interval is one JobStart/JobEnd pair.
type Interval struct {
	Job    uint      `json:"job"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Weight int       `json:"weight"`
}

// MachineUsage is one machine's share of the window. TimeSpent is weighted
// by each job's machine count; BusyHours is plain wall time.
type MachineUsage struct {
	Machine   string        `json:"machine"`
	Site      string        `json:"site"`
	Pool      string        `json:"pool"`
	Jobs      int           `json:"jobs"`
	TimeSpent time.Duration `json:"time_spent"`
	BusyHours float64       `json:"busy_hours"`
	Percent   float64       `json:"percent"`
	Intervals []Interval    `json:"intervals,omitempty"`
}

// PoolUsage aggregates the machines of one pool.
type PoolUsage struct {
	Pool         string        `json:"pool"`
	Machines     int           `json:"machines"`
	TimeSpent    time.Duration `json:"time_spent"`
	MachineHours float64       `json:"machine_hours"`
	Percent      float64       `json:"percent"`
}

// Report is the result of Compute. Pools and machines are in name order.
type Report struct {
	Window   Window         `json:"window"`
	Pools    []PoolUsage    `json:"pools"`
	Machines []MachineUsage `json:"machines"`
}

// Compute pairs each machine's JobStart with the next JobEnd inside the
// window. A JobStart still open at the end of the window is not counted,
// nor is a JobEnd whose JobStart fell before it.
func Compute(db *gorm.DB, opts Opts) (*Report, error) {
	if opts.Start.IsZero() || opts.End.IsZero() || !opts.End.After(opts.Start) {
		return nil, fmt.Errorf("utilisation: %w", labyarderrors.Invalid("window",
			fmt.Sprintf("%s..%s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339)), "end must be after start"))
	}
	win := Window{Start: opts.Start.UTC(), End: opts.End.UTC()}

	var machines []models.Machine
	q := db.Select("name", "site", "pool").Order("name ASC")
	if len(opts.Pools) > 0 {
		q = q.Where("pool IN ?", opts.Pools)
	}
	if err := q.Find(&machines).Error; err != nil {
		return nil, fmt.Errorf("utilisation: list machines: %w", err)
	}

	report := &Report{Window: win, Pools: []PoolUsage{}, Machines: []MachineUsage{}}
	if len(machines) == 0 {
		return report, nil
	}

	names := make([]string, len(machines))
	for i, m := range machines {
		names[i] = m.Name
	}
	events, err := eventlog.List(db, eventlog.Query{
		Subjects:     names,
		Types:        []string{models.EventJobStart, models.EventJobEnd},
		Start:        win.Start,
		End:          win.End,
		EndInclusive: true,
	})
	if err != nil {
		return nil, fmt.Errorf("utilisation: %w", err)
	}
	bySubject := make(map[string][]models.Event, len(machines))
	for _, ev := range events {
		bySubject[ev.Subject] = append(bySubject[ev.Subject], ev)
	}

	weights, err := jobWeights(db, events)
	if err != nil {
		return nil, err
	}

	window := win.Duration()
	pools := make(map[string]*PoolUsage)
	for _, m := range machines {
		mu := MachineUsage{Machine: m.Name, Site: m.Site, Pool: m.Pool}
		var busy time.Duration
		for _, iv := range pair(bySubject[m.Name], weights) {
			d := iv.End.Sub(iv.Start)
			busy += d
			mu.TimeSpent += d * time.Duration(iv.Weight)
			mu.Jobs++
			if opts.Verbose {
				mu.Intervals = append(mu.Intervals, iv)
			}
		}
		mu.BusyHours = busy.Hours()
		mu.Percent = percent(mu.TimeSpent, window)
		report.Machines = append(report.Machines, mu)

		p, ok := pools[m.Pool]
		if !ok {
			p = &PoolUsage{Pool: m.Pool}
			pools[m.Pool] = p
		}
		p.Machines++
		p.TimeSpent += mu.TimeSpent
		p.MachineHours += mu.BusyHours
	}

	poolNames := make([]string, 0, len(pools))
	for name := range pools {
		poolNames = append(poolNames, name)
	}
	sort.Strings(poolNames)
	for _, name := range poolNames {
		p := pools[name]
		p.Percent = percent(p.TimeSpent, window*time.Duration(p.Machines))
		report.Pools = append(report.Pools, *p)
	}
	return report, nil
}

// pair walks one machine's events in order. A JobStart opens an interval
// unless one is already open; the next JobEnd closes it.
func pair(events []models.Event, weights map[uint]int) []Interval {
	var out []Interval
	var open *models.Event
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case models.EventJobStart:
			if open == nil {
				open = ev
			}
		case models.EventJobEnd:
			if open == nil {
				continue
			}
			job, _ := eventlog.ParseJobID(open.Data)
			w := weights[job]
			if w < 1 {
				w = 1
			}
			out = append(out, Interval{Job: job, Start: open.Ts, End: ev.Ts, Weight: w})
			open = nil
		}
	}
	return out
}

// jobWeights loads machines_required for every job named by a JobStart.
func jobWeights(db *gorm.DB, events []models.Event) (map[uint]int, error) {
	seen := make(map[uint]bool)
	var ids []uint
	for _, ev := range events {
		if ev.Type != models.EventJobStart {
			continue
		}
		if id, ok := eventlog.ParseJobID(ev.Data); ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	weights := make(map[uint]int, len(ids))
	if len(ids) == 0 {
		return weights, nil
	}
	var jobs []models.Job
	if err := db.Select("id", "machines_required").Where("id IN ?", ids).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("utilisation: load jobs: %w", err)
	}
	for _, j := range jobs {
		weights[j.ID] = j.MachinesRequired
	}
	return weights, nil
}

func percent(spent, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	return float64(spent) / float64(total) * 100
}

// ParsePeriod parses a look-back period: a Go duration ("36h") or a whole
// number of days or weeks ("7d", "2w").
func ParsePeriod(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	unit := time.Duration(0)
	switch {
	case strings.HasSuffix(s, "d"):
		unit = 24 * time.Hour
	case strings.HasSuffix(s, "w"):
		unit = 7 * 24 * time.Hour
	}
	if unit != 0 {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || n <= 0 {
			return 0, labyarderrors.Invalid("period", s, "expected a positive number of days or weeks")
		}
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, labyarderrors.Invalid("period", s, "expected a positive duration such as 24h, 7d or 2w")
	}
	return d, nil
}

// LastPeriod returns the window of length period ending at now.
func LastPeriod(period string, now time.Time) (time.Time, time.Time, error) {
	d, err := ParsePeriod(period)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return now.Add(-d), now, nil
}
