// Package eventlog is the append-only record of machine state transitions.
// Allocation writes JobStart/JobEnd rows inside its own transaction;
// collaborators may append events of any other type.
package eventlog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/labyard/internal/labyarderrors"
	"github.com/zulandar/labyard/internal/metrics"
	"github.com/zulandar/labyard/internal/models"
	"gorm.io/gorm"
)

// Query selects events. Zero fields do not filter. Start is inclusive;
// End is exclusive unless EndInclusive is set.
type Query struct {
	Subjects     []string
	Types        []string
	Start        time.Time
	End          time.Time
	EndInclusive bool
	Limit        int
}

// Append validates and stores one event, outside any caller transaction.
func Append(db *gorm.DB, ev *models.Event) error {
	if err := AppendTx(db, ev); err != nil {
		return err
	}
	metrics.EventsAppended.WithLabelValues(ev.Type).Inc()
	return nil
}

// AppendTx stores an event using tx. A zero Ts is set to the current time.
func AppendTx(tx *gorm.DB, ev *models.Event) error {
	if strings.TrimSpace(ev.Type) == "" {
		return fmt.Errorf("eventlog: append: %w", labyarderrors.Invalid("type", ev.Type, "event type is required"))
	}
	if len(ev.Type) > 32 {
		return fmt.Errorf("eventlog: append: %w", labyarderrors.Invalid("type", ev.Type, "at most 32 characters"))
	}
	if ev.Ts.IsZero() {
		ev.Ts = time.Now()
	}
	ev.Ts = ev.Ts.UTC()
	ev.ID = 0
	if err := tx.Create(ev).Error; err != nil {
		return fmt.Errorf("eventlog: append %s: %w", ev.Type, err)
	}
	return nil
}

// AppendJobStart records that machine began serving job at ts.
func AppendJobStart(tx *gorm.DB, ts time.Time, machine string, job uint) (*models.Event, error) {
	ev := &models.Event{Ts: ts, Type: models.EventJobStart, Subject: machine, Data: FormatJobID(job)}
	return ev, AppendTx(tx, ev)
}

// AppendJobEnd records that machine stopped serving job at ts.
func AppendJobEnd(tx *gorm.DB, ts time.Time, machine string, job uint) (*models.Event, error) {
	ev := &models.Event{Ts: ts, Type: models.EventJobEnd, Subject: machine, Data: FormatJobID(job)}
	return ev, AppendTx(tx, ev)
}

// FormatJobID renders a job id as stored in Event.Data.
func FormatJobID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseJobID reads a job id from Event.Data. ok is false for data that is
// not a job id.
func ParseJobID(data string) (id uint, ok bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(data), 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

// List returns events matching q ordered by (ts, id).
func List(db *gorm.DB, q Query) ([]models.Event, error) {
	tx := db.Model(&models.Event{})
	if len(q.Subjects) > 0 {
		tx = tx.Where("subject IN ?", q.Subjects)
	}
	if len(q.Types) > 0 {
		tx = tx.Where("type IN ?", q.Types)
	}
	if !q.Start.IsZero() {
		tx = tx.Where("ts >= ?", q.Start.UTC())
	}
	switch {
	case q.End.IsZero():
	case q.EndInclusive:
		tx = tx.Where("ts <= ?", q.End.UTC())
	default:
		tx = tx.Where("ts < ?", q.End.UTC())
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var events []models.Event
	if err := tx.Order("ts ASC, id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	return events, nil
}

// Active derives, from the log alone, the job each machine is currently
// serving: the job of its latest JobStart not followed by a JobEnd.
func Active(db *gorm.DB) (map[string]uint, error) {
	events, err := List(db, Query{Types: []string{models.EventJobStart, models.EventJobEnd}})
	if err != nil {
		return nil, err
	}
	active := make(map[string]uint)
	for _, ev := range events {
		switch ev.Type {
		case models.EventJobStart:
			if id, ok := ParseJobID(ev.Data); ok {
				active[ev.Subject] = id
			}
		case models.EventJobEnd:
			delete(active, ev.Subject)
		}
	}
	return active, nil
}

// Mismatch is a machine whose stored job disagrees with the event log.
// A zero job means none.
type Mismatch struct {
	Machine   string
	StoredJob uint
	LoggedJob uint
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: machine row has job %d, event log has job %d", m.Machine, m.StoredJob, m.LoggedJob)
}

// Check compares the machines table against Active and returns every
// disagreement, ordered by machine name.
func Check(db *gorm.DB) ([]Mismatch, error) {
	logged, err := Active(db)
	if err != nil {
		return nil, err
	}
	var machines []models.Machine
	if err := db.Select("name", "job_id").Order("name ASC").Find(&machines).Error; err != nil {
		return nil, fmt.Errorf("eventlog: check: %w", err)
	}

	var out []Mismatch
	seen := make(map[string]bool, len(machines))
	for _, m := range machines {
		seen[m.Name] = true
		var stored uint
		if m.JobID != nil {
			stored = *m.JobID
		}
		if stored != logged[m.Name] {
			out = append(out, Mismatch{Machine: m.Name, StoredJob: stored, LoggedJob: logged[m.Name]})
		}
	}
	// Machines undefined while still serving a job.
	var orphans []string
	for name := range logged {
		if !seen[name] {
			orphans = append(orphans, name)
		}
	}
	sort.Strings(orphans)
	for _, name := range orphans {
		out = append(out, Mismatch{Machine: name, LoggedJob: logged[name]})
	}
	return out, nil
}
