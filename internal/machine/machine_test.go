package machine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/labyard/internal/labyarderrors"
	"github.com/zulandar/labyard/internal/models"
	"github.com/zulandar/labyard/internal/patch"
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
	if err := db.AutoMigrate(&models.Machine{}, &models.MachineProp{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func mustDefine(t *testing.T, db *gorm.DB, name string, opts DefineOpts) *models.Machine {
	t.Helper()
	m, err := Define(db, name, opts)
	if err != nil {
		t.Fatalf("Define(%s): %v", name, err)
	}
	return m
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		base    string
		broken  bool
		wantErr bool
	}{
		{"idle", "idle", false, false},
		{"running-broken", "running", true, false},
		{"offline-broken", "offline", true, false},
		{"busy", "", false, true},
		{"-broken", "", false, true},
		{"IDLE", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			base, broken, err := ParseStatus(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStatus(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if base != tt.base || broken != tt.broken {
				t.Errorf("ParseStatus(%q) = %q, %v, want %q, %v", tt.in, base, broken, tt.base, tt.broken)
			}
		})
	}

	if !IsActive("slaved-broken") || IsActive("idle") || IsActive("offline") {
		t.Error("IsActive misclassifies statuses")
	}
	if MarkBroken("idle") != "idle-broken" || MarkBroken("idle-broken") != "idle-broken" {
		t.Error("MarkBroken should be idempotent")
	}
}

func TestDefine_CreateDefaults(t *testing.T) {
	db := openTestDB(t)

	m := mustDefine(t, db, "m1", DefineOpts{
		Site:      patch.Value("S1"),
		Resources: patch.Value("cpu=8,ssd"),
	})
	if m.Cluster != DefaultPlacement || m.Pool != DefaultPlacement {
		t.Errorf("placement = %s/%s, want default/default", m.Cluster, m.Pool)
	}
	if m.Status != StatusIdle {
		t.Errorf("Status = %q, want idle", m.Status)
	}
	if m.LeasePolicy != PolicyReclaim {
		t.Errorf("LeasePolicy = %q, want reclaim", m.LeasePolicy)
	}
	if m.JobID != nil {
		t.Error("new machine should not have a job")
	}
}

func TestDefine_RequiresSite(t *testing.T) {
	db := openTestDB(t)
	_, err := Define(db, "m1", DefineOpts{Pool: patch.Value("p")})
	var verr *labyarderrors.ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestDefine_ThreeStatePatch(t *testing.T) {
	db := openTestDB(t)
	mustDefine(t, db, "m1", DefineOpts{
		Site:      patch.Value("S1"),
		Pool:      patch.Value("perf"),
		Resources: patch.Value("cpu=8"),
		Flags:     patch.Value("ipv6"),
		Descr:     patch.Value("rack 4"),
	})

	m := mustDefine(t, db, "m1", DefineOpts{
		Pool:      patch.Cleared(),
		Resources: patch.Value("cpu=16"),
		Descr:     patch.Cleared(),
	})

	if m.Pool != DefaultPlacement {
		t.Errorf("Pool = %q, want default", m.Pool)
	}
	if m.Resources != "cpu=16" {
		t.Errorf("Resources = %q, want cpu=16", m.Resources)
	}
	if m.Descr != "" {
		t.Errorf("Descr = %q, want empty", m.Descr)
	}
	if m.Flags != "ipv6" {
		t.Errorf("Flags = %q, want untouched ipv6", m.Flags)
	}
	if m.Site != "S1" {
		t.Errorf("Site = %q, want S1", m.Site)
	}
}

func TestDefine_Validation(t *testing.T) {
	db := openTestDB(t)
	mustDefine(t, db, "m1", DefineOpts{Site: patch.Value("S1")})

	tests := []struct {
		name string
		opts DefineOpts
		want string
	}{
		{"bad status", DefineOpts{Status: patch.Value("busy")}, "status"},
		{"bad policy", DefineOpts{LeasePolicy: patch.Value("keep")}, "lease_policy"},
		{"parens in tags", DefineOpts{Resources: patch.Value("(gpu)")}, "parentheses"},
		{"clear site", DefineOpts{Site: patch.Cleared()}, "site cannot be cleared"},
		{"active without job", DefineOpts{Status: patch.Value(StatusRunning)}, "requires an allocated job"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Define(db, "m1", tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestSetStatus_JobInvariant(t *testing.T) {
	db := openTestDB(t)
	mustDefine(t, db, "m1", DefineOpts{Site: patch.Value("S1")})

	if err := SetStatus(db, "m1", "offline-broken"); err != nil {
		t.Fatalf("SetStatus offline-broken: %v", err)
	}
	err := SetStatus(db, "m1", StatusRunning)
	var conflict *labyarderrors.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("SetStatus running without job = %v, want ErrConflict", err)
	}

	// Simulate an allocation holding the machine.
	job := uint(7)
	db.Model(&models.Machine{}).Where("name = ?", "m1").Updates(map[string]interface{}{"status": StatusScheduled, "job_id": job})

	if err := SetStatus(db, "m1", StatusRunning); err != nil {
		t.Fatalf("scheduled -> running: %v", err)
	}
	if err := SetStatus(db, "m1", "slaved-broken"); err != nil {
		t.Fatalf("running -> slaved-broken: %v", err)
	}
	if err := SetStatus(db, "m1", StatusIdle); !errors.As(err, &conflict) {
		t.Fatalf("idle while holding job = %v, want ErrConflict", err)
	}

	if err := SetStatus(db, "nope", StatusIdle); err == nil {
		t.Fatal("expected not found")
	}
	if err := SetStatus(db, "m1", "bogus"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSetStatus_ConcurrentWithRelease(t *testing.T) {
	db := openTestDB(t)
	mustDefine(t, db, "m1", DefineOpts{Site: patch.Value("S1")})
	db.Model(&models.Machine{}).Where("name = ?", "m1").Updates(map[string]interface{}{"status": StatusScheduled, "job_id": uint(7)})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 4 {
				db.Transaction(func(tx *gorm.DB) error {
					return tx.Model(&models.Machine{}).Where("name = ?", "m1").
						Updates(map[string]interface{}{"status": StatusIdle, "job_id": nil}).Error
				})
				return
			}
			// Writers that run after the release are refused.
			SetStatus(db, "m1", StatusRunning)
			Define(db, "m1", DefineOpts{Descr: patch.Value(fmt.Sprintf("writer %d", i))})
		}(i)
	}
	wg.Wait()

	m, err := Get(db, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.JobID != nil || IsActive(m.Status) {
		t.Errorf("m1 status %q job %v: an active status needs a job", m.Status, m.JobID)
	}
}

func TestDefine_PlacementLockedWhileHoldingJob(t *testing.T) {
	db := openTestDB(t)
	mustDefine(t, db, "m1", DefineOpts{Site: patch.Value("S1"), Pool: patch.Value("perf")})
	db.Model(&models.Machine{}).Where("name = ?", "m1").Updates(map[string]interface{}{"status": StatusScheduled, "job_id": uint(3)})

	tests := []struct {
		name string
		opts DefineOpts
	}{
		{"move site", DefineOpts{Site: patch.Value("S2")}},
		{"move cluster", DefineOpts{Cluster: patch.Value("c2")}},
		{"move pool", DefineOpts{Pool: patch.Value("default")}},
		{"clear pool", DefineOpts{Pool: patch.Cleared()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Define(db, "m1", tt.opts)
			var conflict *labyarderrors.ErrConflict
			if !errors.As(err, &conflict) {
				t.Fatalf("Define = %v, want ErrConflict", err)
			}
			if !strings.Contains(err.Error(), "holds job 3") {
				t.Errorf("error = %q", err)
			}
		})
	}

	// Same placement and other fields are still editable.
	m := mustDefine(t, db, "m1", DefineOpts{Site: patch.Value("S1"), Pool: patch.Value("perf"), Descr: patch.Value("rack 2")})
	if m.Site != "S1" || m.Pool != "perf" || m.Descr != "rack 2" {
		t.Errorf("machine = %+v", m)
	}

	db.Model(&models.Machine{}).Where("name = ?", "m1").Updates(map[string]interface{}{"status": StatusIdle, "job_id": nil})
	if m := mustDefine(t, db, "m1", DefineOpts{Site: patch.Value("S2")}); m.Site != "S2" {
		t.Errorf("site = %s after release, want S2", m.Site)
	}
}

func TestList_Filters(t *testing.T) {
	db := openTestDB(t)
	mustDefine(t, db, "m3", DefineOpts{Site: patch.Value("S1"), Pool: patch.Value("perf"), Resources: patch.Value("cpu=8,ssd")})
	mustDefine(t, db, "m1", DefineOpts{Site: patch.Value("S1"), Resources: patch.Value("cpu=8"), Flags: patch.Value("ipv6")})
	mustDefine(t, db, "m2", DefineOpts{Site: patch.Value("S2"), Resources: patch.Value("cpu=4"), Status: patch.Value("idle-broken")})

	lease := time.Now().UTC().Add(time.Hour)
	db.Model(&models.Machine{}).Where("name = ?", "m1").Updates(map[string]interface{}{"lease_to": lease, "lease_holder": "alice"})

	tests := []struct {
		name    string
		filters ListFilters
		want    []string
	}{
		{"all ordered by name", ListFilters{}, []string{"m1", "m2", "m3"}},
		{"site", ListFilters{Site: "S1"}, []string{"m1", "m3"}},
		{"pool", ListFilters{Pool: "perf"}, []string{"m3"}},
		{"cluster default", ListFilters{Cluster: "default"}, []string{"m1", "m2", "m3"}},
		{"status exact", ListFilters{Status: "idle"}, []string{"m1", "m3"}},
		{"status broken", ListFilters{Status: "broken"}, []string{"m2"}},
		{"resource filter", ListFilters{ResourceFilter: "cpu=8,(gpu)"}, []string{"m1", "m3"}},
		{"resource and flag", ListFilters{ResourceFilter: "cpu=8", FlagFilter: "ipv6"}, []string{"m1"}},
		{"leased", ListFilters{Lease: LeaseFilter{Mode: LeaseLeased}}, []string{"m1"}},
		{"free", ListFilters{Lease: LeaseFilter{Mode: LeaseFree}}, []string{"m2", "m3"}},
		{"leased by alice", ListFilters{Lease: LeasedBy("alice")}, []string{"m1"}},
		{"leased by bob", ListFilters{Lease: LeasedBy("bob")}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := List(db, tt.filters)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			names := make([]string, len(got))
			for i, m := range got {
				names[i] = m.Name
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Errorf("List = %v, want %v", names, tt.want)
			}
		})
	}

	if _, err := List(db, ListFilters{ResourceFilter: "(cpu"}); err == nil {
		t.Error("expected error for malformed resource filter")
	}
}

func TestGet_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := Get(db, "ghost")
	var nf *labyarderrors.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestUndefine_CascadesProps(t *testing.T) {
	db := openTestDB(t)
	mustDefine(t, db, "m1", DefineOpts{Site: patch.Value("S1")})
	if err := SetProp(db, "m1", "owner", "qa"); err != nil {
		t.Fatal(err)
	}

	if err := Undefine(db, "m1"); err != nil {
		t.Fatalf("Undefine: %v", err)
	}
	var props int64
	db.Model(&models.MachineProp{}).Where("machine = ?", "m1").Count(&props)
	if props != 0 {
		t.Errorf("props left after undefine: %d", props)
	}
	if _, err := Get(db, "m1"); err == nil {
		t.Error("machine still present after undefine")
	}
	// Idempotent.
	if err := Undefine(db, "m1"); err != nil {
		t.Errorf("second Undefine: %v", err)
	}
}
