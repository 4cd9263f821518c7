package alloc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/labyard/internal/eventlog"
	"github.com/zulandar/labyard/internal/labyarderrors"
	"github.com/zulandar/labyard/internal/machine"
	"github.com/zulandar/labyard/internal/models"
	"github.com/zulandar/labyard/internal/notify"
	"github.com/zulandar/labyard/internal/patch"
	"github.com/zulandar/labyard/internal/utilisation"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Site{}, &models.Machine{}, &models.MachineProp{}, &models.Job{}, &models.Event{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func addSite(t *testing.T, db *gorm.DB, name, shared string) {
	t.Helper()
	if err := db.Create(&models.Site{Name: name, Status: "active", SharedResources: shared}).Error; err != nil {
		t.Fatal(err)
	}
}

func addMachine(t *testing.T, db *gorm.DB, name, site, pool, resources, status string) {
	t.Helper()
	m := &models.Machine{Name: name, Site: site, Cluster: "default", Pool: pool, Resources: resources, Status: status, LeasePolicy: "reclaim"}
	if err := db.Create(m).Error; err != nil {
		t.Fatal(err)
	}
}

func getMachine(t *testing.T, db *gorm.DB, name string) models.Machine {
	t.Helper()
	var m models.Machine
	if err := db.Where("name = ?", name).First(&m).Error; err != nil {
		t.Fatal(err)
	}
	return m
}

func countEvents(t *testing.T, db *gorm.DB, typ string) int64 {
	t.Helper()
	var n int64
	db.Model(&models.Event{}).Where("type = ?", typ).Count(&n)
	return n
}

func assertConsistent(t *testing.T, db *gorm.DB) {
	t.Helper()
	mismatches, err := eventlog.Check(db)
	if err != nil {
		t.Fatal(err)
	}
	if len(mismatches) > 0 {
		t.Errorf("projection disagrees with event log: %v", mismatches)
	}
}

func TestAllocate_SharedBudgetScenario(t *testing.T) {
	db := openTestDB(t)
	addSite(t, db, "S1", "VLAN=2")
	for i := 1; i <= 4; i++ {
		addMachine(t, db, fmt.Sprintf("m%d", i), "S1", "default", "cpu=8", "idle")
	}
	e := New(db)
	ctx := context.Background()

	a, err := e.Allocate(ctx, Request{JobID: 1, Site: "S1", SharedClaim: "VLAN=1"})
	if err != nil {
		t.Fatalf("job 1: %v", err)
	}
	if _, err := e.Allocate(ctx, Request{JobID: 2, Site: "S1", SharedClaim: "VLAN=1"}); err != nil {
		t.Fatalf("job 2: %v", err)
	}

	_, err = e.Allocate(ctx, Request{JobID: 3, Site: "S1", SharedClaim: "VLAN=1"})
	var capErr *labyarderrors.ErrInsufficientCapacity
	if !errors.As(err, &capErr) {
		t.Fatalf("job 3 error = %v, want ErrInsufficientCapacity", err)
	}
	if capErr.Resource != "VLAN" || capErr.Remaining != 0 || capErr.Claimed != 1 {
		t.Errorf("capacity error = %+v", capErr)
	}

	report, err := Remaining(db, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Remaining["VLAN"] != 0 || report.Used["VLAN"] != 2 || len(report.Jobs) != 2 {
		t.Errorf("budget report = %+v", report)
	}

	if _, err := e.Release(ctx, a.JobID, ReleaseOpts{}); err != nil {
		t.Fatalf("release job 1: %v", err)
	}
	c, err := e.Allocate(ctx, Request{JobID: 3, Site: "S1", SharedClaim: "VLAN=1"})
	if err != nil {
		t.Fatalf("job 3 after release: %v", err)
	}
	if c.Site != "S1" || len(c.Machines) != 1 {
		t.Errorf("grant = %+v", c)
	}
	assertConsistent(t, db)
}

func TestAllocate_UndeclaredResourceHasNoCapacity(t *testing.T) {
	db := openTestDB(t)
	addSite(t, db, "S1", "VLAN=2")
	addMachine(t, db, "m1", "S1", "default", "", "idle")

	_, err := New(db).Allocate(context.Background(), Request{Site: "S1", SharedClaim: "GPU=1"})
	var capErr *labyarderrors.ErrInsufficientCapacity
	if !errors.As(err, &capErr) || capErr.Resource != "GPU" {
		t.Fatalf("error = %v, want GPU exhausted", err)
	}
}

func TestAllocate_AllOrNothing(t *testing.T) {
	db := openTestDB(t)
	addSite(t, db, "S1", "")
	addMachine(t, db, "m1", "S1", "default", "cpu=8", "idle")
	addMachine(t, db, "m2", "S1", "default", "cpu=8", "idle")
	addMachine(t, db, "m3", "S1", "default", "cpu=4", "idle")
	addMachine(t, db, "m4", "S1", "default", "cpu=8", "idle-broken")

	_, err := New(db).Allocate(context.Background(), Request{Site: "S1", Machines: 3, ResourceFilter: "cpu=8"})
	var capErr *labyarderrors.ErrInsufficientCapacity
	if !errors.As(err, &capErr) {
		t.Fatalf("error = %v, want ErrInsufficientCapacity", err)
	}
	if capErr.Wanted != 3 || capErr.Found != 2 {
		t.Errorf("capacity error = %+v, want wanted 3 found 2", capErr)
	}

	for _, name := range []string{"m1", "m2", "m3"} {
		if m := getMachine(t, db, name); m.Status != "idle" || m.JobID != nil {
			t.Errorf("%s = %s job %v, want untouched idle", name, m.Status, m.JobID)
		}
	}
	if n := countEvents(t, db, models.EventJobStart); n != 0 {
		t.Errorf("JobStart events = %d, want 0", n)
	}
}

func TestAllocate_TakesFirstByName(t *testing.T) {
	db := openTestDB(t)
	addSite(t, db, "S1", "")
	for _, name := range []string{"m3", "m1", "m2"} {
		addMachine(t, db, name, "S1", "default", "ssd", "idle")
	}
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	g, err := New(db, WithClock(func() time.Time { return clock })).Allocate(context.Background(), Request{Site: "S1", Machines: 2, ResourceFilter: "ssd,(nvme)"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(g.Machines, ",") != "m1,m2" {
		t.Errorf("machines = %v, want m1,m2", g.Machines)
	}
	if g.JobID == 0 {
		t.Error("expected an assigned job id")
	}
	if !g.AllocatedAt.Equal(clock) || len(g.Events) != 2 || !g.Events[0].Ts.Equal(clock) {
		t.Errorf("grant = %+v", g)
	}

	m := getMachine(t, db, "m1")
	if m.Status != "scheduled" || m.JobID == nil || *m.JobID != g.JobID {
		t.Errorf("m1 = %s job %v", m.Status, m.JobID)
	}

	var job models.Job
	db.First(&job, g.JobID)
	if job.Status != JobAllocated || job.MachinesRequired != 2 || job.Site != "S1" || job.ResourceFilter != "ssd,(nvme)" {
		t.Errorf("job = %+v", job)
	}
	assertConsistent(t, db)
}

func TestAllocate_UnconstrainedSiteTriesInNameOrder(t *testing.T) {
	db := openTestDB(t)
	addSite(t, db, "S1", "")
	addSite(t, db, "S2", "")
	addMachine(t, db, "a1", "S1", "perf", "", "idle")
	addMachine(t, db, "b1", "S2", "perf", "", "idle")
	addMachine(t, db, "b2", "S2", "perf", "", "idle")
	addMachine(t, db, "c1", "S3", "smoke", "", "idle")

	e := New(db)
	g, err := e.Allocate(context.Background(), Request{Pool: "perf", Machines: 2})
	if err != nil {
		t.Fatal(err)
	}
	if g.Site != "S2" || strings.Join(g.Machines, ",") != "b1,b2" {
		t.Errorf("grant = %+v, want b1,b2 at S2", g)
	}

	// Never spans sites: a1 and c1 are free but at different sites.
	_, err = e.Allocate(context.Background(), Request{Machines: 2})
	var capErr *labyarderrors.ErrInsufficientCapacity
	if !errors.As(err, &capErr) {
		t.Fatalf("error = %v, want ErrInsufficientCapacity", err)
	}
	if len(capErr.Attempts) != 2 || capErr.Attempts["S1"] == "" || capErr.Attempts["S3"] == "" {
		t.Errorf("attempts = %v, want S1 and S3", capErr.Attempts)
	}
}

func TestAllocate_Validation(t *testing.T) {
	db := openTestDB(t)
	e := New(db)
	tests := []struct {
		name string
		req  Request
	}{
		{"negative machines", Request{Site: "S1", Machines: -1}},
		{"bad resource filter", Request{Site: "S1", ResourceFilter: "(cpu"}},
		{"bad flag filter", Request{Site: "S1", FlagFilter: "=x"}},
		{"bad claim", Request{Site: "S1", SharedClaim: "VLAN=x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Allocate(context.Background(), tt.req)
			var verr *labyarderrors.ErrValidation
			if !errors.As(err, &verr) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
	var jobs int64
	db.Model(&models.Job{}).Count(&jobs)
	if jobs != 0 {
		t.Errorf("jobs = %d, invalid requests must not create envelopes", jobs)
	}
}

func TestAllocate_JobAlreadyHoldingMachines(t *testing.T) {
	db := openTestDB(t)
	addSite(t, db, "S1", "")
	addMachine(t, db, "m1", "S1", "default", "", "idle")
	addMachine(t, db, "m2", "S1", "default", "", "idle")
	e := New(db)

	if _, err := e.Allocate(context.Background(), Request{JobID: 5, Site: "S1"}); err != nil {
		t.Fatal(err)
	}
	_, err := e.Allocate(context.Background(), Request{JobID: 5, Site: "S1"})
	var conflict *labyarderrors.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
}

func TestAllocate_ReleasedJobIsClosed(t *testing.T) {
	db := openTestDB(t)
	addSite(t, db, "S1", "")
	for _, name := range []string{"m1", "m2", "m3"} {
		addMachine(t, db, name, "S1", "perf", "", "idle")
	}
	t0 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	now := t0.Add(time.Hour)
	e := New(db, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := e.Allocate(ctx, Request{JobID: 1, Site: "S1", Machines: 2}); err != nil {
		t.Fatal(err)
	}
	now = t0.Add(2 * time.Hour)
	if _, err := e.Release(ctx, 1, ReleaseOpts{}); err != nil {
		t.Fatal(err)
	}
	window := utilisation.Opts{Start: t0, End: t0.Add(4 * time.Hour)}
	before, err := utilisation.Compute(db, window)
	if err != nil {
		t.Fatal(err)
	}

	now = t0.Add(5 * time.Hour)
	_, err = e.Allocate(ctx, Request{JobID: 1, Site: "S1", Machines: 3})
	var conflict *labyarderrors.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("reusing released job: error = %v, want ErrConflict", err)
	}
	var job models.Job
	if err := db.First(&job, 1).Error; err != nil {
		t.Fatal(err)
	}
	if job.MachinesRequired != 2 || job.Status != JobReleased {
		t.Errorf("job = required %d status %q, want 2 and %q", job.MachinesRequired, job.Status, JobReleased)
	}

	after, err := utilisation.Compute(db, window)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("closed window changed:\nbefore %+v\nafter  %+v", before, after)
	}
	// 2 machines * 1h * weight 2 over 3 machines * 4h
	if p := after.Pools[0]; p.TimeSpent != 4*time.Hour {
		t.Errorf("pool time spent = %v, want 4h", p.TimeSpent)
	}

	if _, err := e.Allocate(ctx, Request{JobID: 2, Site: "S1", Machines: 3}); err != nil {
		t.Errorf("new job id: %v", err)
	}
}

func TestAllocate_UnknownSite(t *testing.T) {
	tests := []struct {
		name     string
		site     string
		wantErr  bool
		withRow  bool
		machines bool
	}{
		{"no row and no machines", "nope", true, false, false},
		{"row without machines", "S1", false, true, false},
		{"machines without row", "S9", false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			if tt.withRow {
				addSite(t, db, tt.site, "")
			}
			if tt.machines {
				addMachine(t, db, "m1", tt.site, "default", "", "idle")
			}

			_, err := New(db).Allocate(context.Background(), Request{JobID: 4, Site: tt.site})
			var nf *labyarderrors.ErrNotFound
			if got := errors.As(err, &nf); got != tt.wantErr {
				t.Fatalf("error = %v, want not found %v", err, tt.wantErr)
			}
			var jobs int64
			db.Model(&models.Job{}).Count(&jobs)
			if tt.wantErr && jobs != 0 {
				t.Errorf("jobs = %d, want no envelope for an unknown site", jobs)
			}
		})
	}
}

func TestAllocate_HeldMachineStaysAtSite(t *testing.T) {
	db := openTestDB(t)
	addSite(t, db, "S1", "VLAN=2")
	addSite(t, db, "S2", "VLAN=2")
	addMachine(t, db, "m1", "S1", "default", "", "idle")
	addMachine(t, db, "m2", "S1", "default", "", "idle")
	e := New(db)
	ctx := context.Background()

	g, err := e.Allocate(ctx, Request{JobID: 1, Site: "S1", SharedClaim: "VLAN=2"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = machine.Define(db, g.Machines[0], machine.DefineOpts{Site: patch.Value("S2")})
	var conflict *labyarderrors.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("moving held machine: error = %v, want ErrConflict", err)
	}
	if m := getMachine(t, db, g.Machines[0]); m.Site != "S1" {
		t.Errorf("site = %q, want S1", m.Site)
	}

	_, err = e.Allocate(ctx, Request{JobID: 2, Site: "S1", SharedClaim: "VLAN=1"})
	var capErr *labyarderrors.ErrInsufficientCapacity
	if !errors.As(err, &capErr) || capErr.Resource != "VLAN" {
		t.Fatalf("error = %v, want VLAN exhausted at S1", err)
	}
	report, err := Remaining(db, "S2")
	if err != nil {
		t.Fatal(err)
	}
	if report.Remaining["VLAN"] != 2 {
		t.Errorf("S2 remaining VLAN = %d, want 2", report.Remaining["VLAN"])
	}
	assertConsistent(t, db)
}

func TestAllocate_LeaseDoesNotBlock(t *testing.T) {
	db := openTestDB(t)
	addSite(t, db, "S1", "")
	addMachine(t, db, "m1", "S1", "default", "", "idle")
	until := time.Now().UTC().Add(time.Hour)
	db.Model(&models.Machine{}).Where("name = ?", "m1").Updates(map[string]interface{}{"lease_to": until, "lease_holder": "alice"})

	g, err := New(db).Allocate(context.Background(), Request{Site: "S1"})
	if err != nil {
		t.Fatalf("leased machine should stay allocatable: %v", err)
	}
	m := getMachine(t, db, g.Machines[0])
	if m.LeaseHolder != "alice" || m.LeaseTo == nil {
		t.Error("allocation must not touch the lease")
	}
}

func TestAllocate_ConcurrentNoDoubleAllocation(t *testing.T) {
	db := openTestDB(t)
	addSite(t, db, "S1", "VLAN=3")
	for i := 0; i < 5; i++ {
		addMachine(t, db, fmt.Sprintf("m%d", i), "S1", "default", "", "idle")
	}
	e := New(db)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := map[string]uint{}
	var grants, failures int
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := e.Allocate(context.Background(), Request{Site: "S1", SharedClaim: "VLAN=1"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var capErr *labyarderrors.ErrInsufficientCapacity
				if !errors.As(err, &capErr) {
					t.Errorf("unexpected error: %v", err)
				}
				failures++
				return
			}
			grants++
			for _, name := range g.Machines {
				if prev, dup := granted[name]; dup {
					t.Errorf("%s granted to jobs %d and %d", name, prev, g.JobID)
				}
				granted[name] = g.JobID
			}
		}()
	}
	wg.Wait()

	if grants != 3 || failures != 9 {
		t.Errorf("grants = %d failures = %d, want 3 and 9 (VLAN=3)", grants, failures)
	}
	report, err := Remaining(db, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Remaining["VLAN"] != 0 {
		t.Errorf("remaining VLAN = %d, want 0", report.Remaining["VLAN"])
	}
	assertConsistent(t, db)
}

func TestAllocate_SeparateEnginesShareBudget(t *testing.T) {
	db := openTestDB(t)
	addSite(t, db, "S1", "VLAN=2")
	for i := 0; i < 6; i++ {
		addMachine(t, db, fmt.Sprintf("m%d", i), "S1", "default", "", "idle")
	}
	// Each engine has its own in-process locks, like two servers on one
	// database.
	engines := []*Engine{New(db), New(db)}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var grants int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			_, err := e.Allocate(context.Background(), Request{Site: "S1", SharedClaim: "VLAN=1"})
			mu.Lock()
			defer mu.Unlock()
			var capErr *labyarderrors.ErrInsufficientCapacity
			switch {
			case err == nil:
				grants++
			case !errors.As(err, &capErr):
				t.Errorf("unexpected error: %v", err)
			}
		}(engines[i%2])
	}
	wg.Wait()

	if grants != 2 {
		t.Errorf("grants = %d, want 2 (VLAN=2)", grants)
	}
	report, err := Remaining(db, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Remaining["VLAN"] != 0 {
		t.Errorf("remaining VLAN = %d, want 0", report.Remaining["VLAN"])
	}
	assertConsistent(t, db)
}

func TestRelease(t *testing.T) {
	db := openTestDB(t)
	addSite(t, db, "S1", "")
	for _, name := range []string{"m1", "m2", "m3"} {
		addMachine(t, db, name, "S1", "default", "", "idle")
	}
	rec := &recordingNotifier{}
	e := New(db, WithNotifier(rec))
	ctx := context.Background()

	g, err := e.Allocate(ctx, Request{Site: "S1", Machines: 3})
	if err != nil {
		t.Fatal(err)
	}
	db.Model(&models.Machine{}).Where("name = ?", "m2").Update("status", "running")

	r, err := e.Release(ctx, g.JobID, ReleaseOpts{Failed: map[string]string{"m2": "broken", "m3": "offline"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Machines) != 3 || len(r.Events) != 3 {
		t.Errorf("released = %+v", r)
	}
	want := map[string]string{"m1": "idle", "m2": "idle-broken", "m3": "offline"}
	for name, status := range want {
		m := getMachine(t, db, name)
		if m.Status != status || m.JobID != nil {
			t.Errorf("%s = %s job %v, want %s and no job", name, m.Status, m.JobID, status)
		}
	}
	if n := countEvents(t, db, models.EventJobEnd); n != 3 {
		t.Errorf("JobEnd events = %d, want 3", n)
	}
	var job models.Job
	db.First(&job, g.JobID)
	if job.Status != JobReleased || job.ReleasedAt == nil {
		t.Errorf("job = %+v", job)
	}
	if len(rec.notices) != 6 {
		t.Errorf("notices = %d, want 3 JobStart + 3 JobEnd", len(rec.notices))
	}
	assertConsistent(t, db)

	// Idempotent.
	again, err := e.Release(ctx, g.JobID, ReleaseOpts{})
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if len(again.Machines) != 0 {
		t.Errorf("second release machines = %v", again.Machines)
	}
	if n := countEvents(t, db, models.EventJobEnd); n != 3 {
		t.Errorf("JobEnd events after second release = %d, want 3", n)
	}
}

func TestRelease_Errors(t *testing.T) {
	db := openTestDB(t)
	e := New(db)

	_, err := e.Release(context.Background(), 404, ReleaseOpts{})
	var nf *labyarderrors.ErrNotFound
	if !errors.As(err, &nf) {
		t.Errorf("unknown job error = %v, want ErrNotFound", err)
	}

	_, err = e.Release(context.Background(), 1, ReleaseOpts{Failed: map[string]string{"m1": "running"}})
	var verr *labyarderrors.ErrValidation
	if !errors.As(err, &verr) {
		t.Errorf("active failure status error = %v, want ErrValidation", err)
	}
}

func TestFailureStatus(t *testing.T) {
	tests := map[string]string{
		"broken":         "idle-broken",
		"offline":        "offline",
		"offline-broken": "offline-broken",
		"idle":           "idle",
	}
	for in, want := range tests {
		got, err := failureStatus(in)
		if err != nil || got != want {
			t.Errorf("failureStatus(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"scheduled", "slaved-broken", "gone"} {
		if _, err := failureStatus(in); err == nil {
			t.Errorf("failureStatus(%q): expected error", in)
		}
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func TestRemaining_UnknownSite(t *testing.T) {
	db := openTestDB(t)
	if _, err := Remaining(db, "nowhere"); err == nil {
		t.Fatal("expected not found")
	}
}
