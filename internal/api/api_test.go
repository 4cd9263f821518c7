package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/labyard/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

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

func do(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, want, w.Body.String())
	}
}

func seed(t *testing.T, router http.Handler) {
	t.Helper()
	expectStatus(t, do(t, router, "PUT", "/sites/S1", map[string]interface{}{"shared_resources": "VLAN=2", "max_jobs": 4}), http.StatusOK)
	for _, name := range []string{"m1", "m2", "m3"} {
		expectStatus(t, do(t, router, "PUT", "/machines/"+name, map[string]string{"site": "S1", "pool": "perf", "resources": "cpu=8"}), http.StatusOK)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	router := NewRouter(StartOpts{DB: openTestDB(t)})

	w := do(t, router, "GET", "/healthz", nil)
	expectStatus(t, w, http.StatusOK)
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("expected a generated request id")
	}

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q, want the caller's", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := NewRouter(StartOpts{DB: openTestDB(t)})
	w := do(t, router, "GET", "/metrics", nil)
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}

func TestMachineDefinePatchAndGet(t *testing.T) {
	router := NewRouter(StartOpts{DB: openTestDB(t)})
	seed(t, router)

	w := do(t, router, "PUT", "/machines/m1", map[string]string{"pool": "", "descr": "rack 4"})
	expectStatus(t, w, http.StatusOK)
	var m machineView
	decode(t, w, &m)
	if m.Pool != "default" || m.Descr != "rack 4" || m.Resources != "cpu=8" {
		t.Errorf("machine = %+v", m)
	}

	expectStatus(t, do(t, router, "POST", "/machines/m1/props", map[string]string{"update": "+tags=nightly"}), http.StatusOK)
	w = do(t, router, "GET", "/machines/m1", nil)
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &m)
	if m.Props["tags"] != "nightly" {
		t.Errorf("props = %v", m.Props)
	}
}

func TestErrorMapping(t *testing.T) {
	router := NewRouter(StartOpts{DB: openTestDB(t)})
	seed(t, router)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		kind   string
	}{
		{"unknown machine", "GET", "/machines/ghost", nil, http.StatusNotFound, "not_found"},
		{"bad status", "PUT", "/machines/m1/status", map[string]string{"status": "busy"}, http.StatusBadRequest, "validation"},
		{"active without job", "PUT", "/machines/m1/status", map[string]string{"status": "running"}, http.StatusConflict, "conflict"},
		{"bad filter", "GET", "/machines?resources=(cpu", nil, http.StatusBadRequest, "validation"},
		{"no capacity", "POST", "/jobs/allocate", map[string]interface{}{"site": "S1", "machines": 5}, http.StatusConflict, "insufficient_capacity"},
		{"unknown site", "POST", "/jobs/allocate", map[string]interface{}{"site": "S7"}, http.StatusNotFound, "not_found"},
		{"bad job id", "POST", "/jobs/abc/release", nil, http.StatusBadRequest, "validation"},
		{"unknown job", "POST", "/jobs/77/release", nil, http.StatusNotFound, "not_found"},
		{"unknown site budget", "GET", "/sites/S9/budget", nil, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.body)
			expectStatus(t, w, tt.status)
			var body map[string]string
			decode(t, w, &body)
			if body["kind"] != tt.kind || body["error"] == "" {
				t.Errorf("body = %v, want kind %s", body, tt.kind)
			}
		})
	}
}

func TestAllocateReleaseFlow(t *testing.T) {
	db := openTestDB(t)
	router := NewRouter(StartOpts{DB: db})
	seed(t, router)

	w := do(t, router, "POST", "/jobs/allocate", map[string]interface{}{"site": "S1", "machines": 2, "resources": "cpu=8", "shared": "VLAN=2"})
	expectStatus(t, w, http.StatusOK)
	var grant struct {
		JobID    uint     `json:"job_id"`
		Site     string   `json:"site"`
		Machines []string `json:"machines"`
	}
	decode(t, w, &grant)
	if grant.JobID == 0 || len(grant.Machines) != 2 || grant.Site != "S1" {
		t.Fatalf("grant = %+v", grant)
	}

	w = do(t, router, "GET", "/sites/S1/budget", nil)
	expectStatus(t, w, http.StatusOK)
	var budget struct {
		Remaining map[string]int `json:"remaining"`
	}
	decode(t, w, &budget)
	if budget.Remaining["VLAN"] != 0 {
		t.Errorf("remaining = %v", budget.Remaining)
	}

	w = do(t, router, "GET", "/summary", nil)
	expectStatus(t, w, http.StatusOK)
	var summary []SiteSummary
	decode(t, w, &summary)
	if len(summary) != 1 || summary[0].Busy != 2 || summary[0].Idle != 1 || summary[0].Jobs != 1 {
		t.Errorf("summary = %+v", summary)
	}

	path := "/jobs/" + jsonNumber(grant.JobID) + "/release"
	w = do(t, router, "POST", path, map[string]interface{}{"failed": map[string]string{grant.Machines[0]: "broken"}})
	expectStatus(t, w, http.StatusOK)

	w = do(t, router, "GET", "/events?type=JobStart,JobEnd", nil)
	expectStatus(t, w, http.StatusOK)
	var events []eventView
	decode(t, w, &events)
	if len(events) != 4 {
		t.Errorf("events = %d, want 2 JobStart + 2 JobEnd", len(events))
	}

	w = do(t, router, "GET", "/machines?status=broken", nil)
	expectStatus(t, w, http.StatusOK)
	var broken []machineView
	decode(t, w, &broken)
	if len(broken) != 1 || broken[0].Name != grant.Machines[0] {
		t.Errorf("broken = %+v", broken)
	}
}

func jsonNumber(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestBorrowAndReturn(t *testing.T) {
	router := NewRouter(StartOpts{DB: openTestDB(t), LeaseDuration: time.Hour})
	seed(t, router)

	w := do(t, router, "POST", "/machines/m1/borrow", map[string]string{"holder": "alice", "reason": "debug"})
	expectStatus(t, w, http.StatusOK)
	var m machineView
	decode(t, w, &m)
	if m.Lease == nil || m.Lease.Holder != "alice" || m.Lease.To.Sub(*m.Lease.From) != time.Hour {
		t.Errorf("lease = %+v", m.Lease)
	}

	w = do(t, router, "POST", "/machines/m1/borrow", map[string]string{"holder": "bob"})
	expectStatus(t, w, http.StatusConflict)

	w = do(t, router, "POST", "/machines/m2/borrow", map[string]string{"holder": "bob", "duration": "2d"})
	expectStatus(t, w, http.StatusOK)

	w = do(t, router, "GET", "/machines?leased_by=alice", nil)
	var leased []machineView
	decode(t, w, &leased)
	if len(leased) != 1 || leased[0].Name != "m1" {
		t.Errorf("leased by alice = %+v", leased)
	}

	w = do(t, router, "POST", "/machines/m1/return", nil)
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &m)
	if m.Lease != nil {
		t.Error("lease should be cleared")
	}

	w = do(t, router, "POST", "/leases/sweep", nil)
	expectStatus(t, w, http.StatusOK)
}

func TestEventIngestAndUtilisation(t *testing.T) {
	router := NewRouter(StartOpts{DB: openTestDB(t)})
	seed(t, router)

	for _, ev := range []map[string]string{
		{"ts": "2026-03-02T00:00:00Z", "type": "JobStart", "subject": "m1", "data": "5"},
		{"ts": "2026-03-02T06:00:00Z", "type": "JobEnd", "subject": "m1", "data": "5"},
		{"ts": "2026-03-02T07:00:00Z", "type": "PowerCycle", "subject": "m2"},
	} {
		expectStatus(t, do(t, router, "POST", "/events", ev), http.StatusCreated)
	}
	expectStatus(t, do(t, router, "POST", "/events", map[string]string{"subject": "m1"}), http.StatusBadRequest)

	w := do(t, router, "GET", "/utilisation?start=2026-03-02&end=2026-03-03&pool=perf", nil)
	expectStatus(t, w, http.StatusOK)
	var report struct {
		Pools []struct {
			Pool     string  `json:"pool"`
			Machines int     `json:"machines"`
			Percent  float64 `json:"percent"`
		} `json:"pools"`
	}
	decode(t, w, &report)
	// 6h of 3 machines x 24h.
	if len(report.Pools) != 1 || report.Pools[0].Machines != 3 || math.Abs(report.Pools[0].Percent-100.0/12) > 1e-9 {
		t.Errorf("report = %+v", report)
	}

	expectStatus(t, do(t, router, "GET", "/utilisation?period=7d", nil), http.StatusOK)
	expectStatus(t, do(t, router, "GET", "/utilisation", nil), http.StatusBadRequest)
	expectStatus(t, do(t, router, "GET", "/utilisation?period=soon", nil), http.StatusBadRequest)
}

func TestEventStream(t *testing.T) {
	db := openTestDB(t)
	s := newServer(StartOpts{DB: db})
	s.streamInterval = 10 * time.Millisecond
	router := s.router()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/events/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	db.Create(&models.Event{Ts: time.Now().UTC(), Type: "Reboot", Subject: "m1"})
	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: connected") || !strings.Contains(body, `"type":"Reboot"`) {
		t.Errorf("stream body = %q", body)
	}
}

func TestEventStream_DatabaseError(t *testing.T) {
	db := openTestDB(t)
	s := newServer(StartOpts{DB: db})
	s.streamInterval = 10 * time.Millisecond
	router := s.router()
	sqlDB, _ := db.DB()
	sqlDB.Close()

	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, httptest.NewRequest("GET", "/events/stream", nil))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after the database failed")
	}

	body := w.Body.String()
	if !strings.Contains(body, "event: error") || strings.Contains(body, "event: connected") {
		t.Errorf("stream body = %q, want a single error event", body)
	}
}

func TestStart_NilDB(t *testing.T) {
	err := Start(context.Background(), StartOpts{DB: nil})
	if err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("error = %v, want db is required", err)
	}
}

func TestStart_BadSchedule(t *testing.T) {
	err := Start(context.Background(), StartOpts{DB: openTestDB(t), SweepSchedule: "often"})
	if err == nil {
		t.Error("expected schedule error")
	}
}
