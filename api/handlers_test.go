package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/maryammeda/tracker/domain"
	"github.com/maryammeda/tracker/reminder"
	"github.com/maryammeda/tracker/storage"
)

type stubAssignments struct {
	listFn   func(ctx context.Context, owner string, skip, limit int) (domain.AssignmentsPage, error)
	createFn func(ctx context.Context, owner string, in domain.AssignmentCreate) (domain.Assignment, error)
	updateFn func(ctx context.Context, owner, id string, upd domain.AssignmentUpdate) (domain.Assignment, error)
	deleteFn func(ctx context.Context, owner, id string) error
	stats    storage.CacheStats
}

func (s *stubAssignments) ListAssignments(ctx context.Context, owner string, skip, limit int) (domain.AssignmentsPage, error) {
	if s.listFn == nil {
		return domain.AssignmentsPage{}, errors.New("unexpected ListAssignments call")
	}
	return s.listFn(ctx, owner, skip, limit)
}

func (s *stubAssignments) CreateAssignment(ctx context.Context, owner string, in domain.AssignmentCreate) (domain.Assignment, error) {
	if s.createFn == nil {
		return domain.Assignment{}, errors.New("unexpected CreateAssignment call")
	}
	return s.createFn(ctx, owner, in)
}

func (s *stubAssignments) UpdateAssignment(ctx context.Context, owner, id string, upd domain.AssignmentUpdate) (domain.Assignment, error) {
	if s.updateFn == nil {
		return domain.Assignment{}, errors.New("unexpected UpdateAssignment call")
	}
	return s.updateFn(ctx, owner, id, upd)
}

func (s *stubAssignments) DeleteAssignment(ctx context.Context, owner, id string) error {
	if s.deleteFn == nil {
		return errors.New("unexpected DeleteAssignment call")
	}
	return s.deleteFn(ctx, owner, id)
}

func (s *stubAssignments) Stats() storage.CacheStats { return s.stats }

type mockAuth struct{}

// OwnerIDFromAuthHeader treats the bearer value as the owner ID.
func (mockAuth) OwnerIDFromAuthHeader(h string) (string, error) {
	owner, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || owner == "" {
		return "", errMissingAuthorization
	}
	return owner, nil
}

type stubScheduler struct {
	status reminder.Status
	runs   int
}

func (s *stubScheduler) Status() reminder.Status { return s.status }

func (s *stubScheduler) RunNow(context.Context) reminder.RunSummary {
	s.runs++
	return reminder.RunSummary{Day: civil.Date{Year: 2024, Month: time.January, Day: 2}, Sent: 1, Matched: 1}
}

func newTestServer(t *testing.T, svc Assignments, sched Scheduler, dedup Deduper) (*echo.Echo, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	e := echo.New()
	Register(e, svc, sched, mockAuth{}, dedup, logger)
	return e, hook
}

func do(e *echo.Echo, method, target, owner, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if owner != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+owner)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Detail
}

func TestListAssignments(t *testing.T) {
	due := civil.Date{Year: 2024, Month: time.January, Day: 5}
	svc := &stubAssignments{
		listFn: func(_ context.Context, owner string, skip, limit int) (domain.AssignmentsPage, error) {
			if owner != "alice" || skip != 10 || limit != 5 {
				t.Fatalf("unexpected args owner=%s skip=%d limit=%d", owner, skip, limit)
			}
			return domain.AssignmentsPage{
				Data:  []domain.Assignment{{ID: "a1", OwnerID: "alice", Title: "Essay", DueDate: due}},
				Count: 11,
			}, nil
		},
	}
	e, hook := newTestServer(t, svc, nil, nil)

	rec := do(e, http.MethodGet, "/api/assignments?skip=10&limit=5", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var page domain.AssignmentsPage
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Count != 11 || len(page.Data) != 1 || page.Data[0].DueDate != due {
		t.Fatalf("unexpected page: %+v", page)
	}
	if !strings.Contains(rec.Body.String(), `"due_date":"2024-01-05"`) {
		t.Fatalf("due date should be serialized as a calendar date: %s", rec.Body.String())
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Message != listMetricsEvent {
		t.Fatalf("expected metrics log line, got %+v", entry)
	}
	if entry.Data["returned"] != 1 || entry.Data["count"] != 11 || entry.Data["status"] != http.StatusOK {
		t.Fatalf("unexpected metrics fields: %v", entry.Data)
	}
}

func TestListAssignmentsDefaults(t *testing.T) {
	svc := &stubAssignments{
		listFn: func(_ context.Context, _ string, skip, limit int) (domain.AssignmentsPage, error) {
			if skip != 0 || limit != 0 {
				t.Fatalf("absent parameters should be passed as zero, got %d/%d", skip, limit)
			}
			return domain.AssignmentsPage{Data: []domain.Assignment{}}, nil
		},
	}
	e, _ := newTestServer(t, svc, nil, nil)

	rec := do(e, http.MethodGet, "/api/assignments", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"data":[],"count":0}` {
		t.Fatalf("unexpected body: %s", got)
	}
}

func TestListAssignmentsRejectsBadInput(t *testing.T) {
	e, hook := newTestServer(t, &stubAssignments{}, nil, nil)

	if rec := do(e, http.MethodGet, "/api/assignments", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.WarnLevel || entry.Data["error_stage"] != "auth" {
		t.Fatalf("unexpected metrics entry: %+v", entry)
	}
	for _, target := range []string{"/api/assignments?skip=abc", "/api/assignments?limit=1.5"} {
		rec := do(e, http.MethodGet, target, "alice", "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestListAssignmentsStorageError(t *testing.T) {
	svc := &stubAssignments{
		listFn: func(context.Context, string, int, int) (domain.AssignmentsPage, error) {
			return domain.AssignmentsPage{}, errors.New("db down")
		},
	}
	e, hook := newTestServer(t, svc, nil, nil)

	rec := do(e, http.MethodGet, "/api/assignments", "alice", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "db down") {
		t.Fatalf("internal errors must not leak: %s", rec.Body.String())
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.ErrorLevel || entry.Data["error_stage"] != "storage" {
		t.Fatalf("unexpected metrics entry: %+v", entry)
	}
}

func TestCreateAssignment(t *testing.T) {
	svc := &stubAssignments{
		createFn: func(_ context.Context, owner string, in domain.AssignmentCreate) (domain.Assignment, error) {
			if owner != "alice" || in.Title != "Essay" || in.DueDate.String() != "2024-01-05" || in.IsCompleted {
				t.Fatalf("unexpected create owner=%s in=%+v", owner, in)
			}
			return domain.Assignment{ID: "new", OwnerID: owner, Title: in.Title, DueDate: in.DueDate}, nil
		},
	}
	e, _ := newTestServer(t, svc, nil, nil)

	rec := do(e, http.MethodPost, "/api/assignments", "alice", `{"title":"  Essay ","due_date":"2024-01-05"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var a domain.Assignment
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.ID != "new" || a.OwnerID != "alice" {
		t.Fatalf("unexpected assignment: %+v", a)
	}
}

func TestCreateAssignmentValidation(t *testing.T) {
	e, _ := newTestServer(t, &stubAssignments{}, nil, nil)
	tests := []struct {
		name string
		body string
	}{
		{name: "empty title", body: `{"title":" ","due_date":"2024-01-05"}`},
		{name: "long title", body: `{"title":"` + strings.Repeat("x", domain.MaxTitleLength+1) + `","due_date":"2024-01-05"}`},
		{name: "missing date", body: `{"title":"t"}`},
		{name: "bad date", body: `{"title":"t","due_date":"2024-13-01"}`},
		{name: "unknown field", body: `{"title":"t","due_date":"2024-01-05","owner_id":"mallory"}`},
		{name: "not json", body: `nope`},
		{name: "trailing garbage", body: `{"title":"a","due_date":"2024-01-01"}garbage`},
		{name: "second object", body: `{"title":"a","due_date":"2024-01-01"} {"title":"b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/api/assignments", "alice", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateAssignmentAcceptsTrailingWhitespace(t *testing.T) {
	svc := &stubAssignments{
		createFn: func(_ context.Context, owner string, in domain.AssignmentCreate) (domain.Assignment, error) {
			return domain.Assignment{ID: "a1", OwnerID: owner, Title: in.Title, DueDate: in.DueDate}, nil
		},
	}
	e, _ := newTestServer(t, svc, nil, nil)

	rec := do(e, http.MethodPost, "/api/assignments", "alice", "{\"title\":\"a\",\"due_date\":\"2024-01-01\"}\n  ")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateAssignmentRejectsTrailingData(t *testing.T) {
	e, _ := newTestServer(t, &stubAssignments{}, nil, nil)

	rec := do(e, http.MethodPatch, "/api/assignments/a1", "alice", `{"is_completed":true}]`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func newTestDeduper(t *testing.T) *RedisDeduper {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDeduper(client, time.Minute)
}

func TestCreateAssignmentIdempotencyKey(t *testing.T) {
	var creates int
	svc := &stubAssignments{
		createFn: func(_ context.Context, owner string, in domain.AssignmentCreate) (domain.Assignment, error) {
			creates++
			return domain.Assignment{ID: "new", OwnerID: owner, Title: in.Title, DueDate: in.DueDate}, nil
		},
	}
	e, _ := newTestServer(t, svc, nil, newTestDeduper(t))
	body := `{"title":"Essay","due_date":"2024-01-05"}`

	if rec := do(e, http.MethodPost, "/api/assignments", "alice", body, idempotencyHeader, "k1"); rec.Code != http.StatusOK {
		t.Fatalf("first create: %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/assignments", "alice", body, idempotencyHeader, "k1"); rec.Code != http.StatusConflict {
		t.Fatalf("replay should conflict, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/assignments", "bob", body, idempotencyHeader, "k1"); rec.Code != http.StatusOK {
		t.Fatalf("keys are scoped per owner, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/assignments", "alice", body); rec.Code != http.StatusOK {
		t.Fatalf("requests without a key are never deduplicated, got %d", rec.Code)
	}
	if creates != 3 {
		t.Fatalf("expected 3 creates, got %d", creates)
	}
}

func TestCreateAssignmentFailureReleasesKey(t *testing.T) {
	fail := true
	svc := &stubAssignments{
		createFn: func(_ context.Context, owner string, in domain.AssignmentCreate) (domain.Assignment, error) {
			if fail {
				return domain.Assignment{}, errors.New("db down")
			}
			return domain.Assignment{ID: "new", OwnerID: owner}, nil
		},
	}
	e, _ := newTestServer(t, svc, nil, newTestDeduper(t))
	body := `{"title":"Essay","due_date":"2024-01-05"}`

	if rec := do(e, http.MethodPost, "/api/assignments", "alice", body, idempotencyHeader, "k1"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	fail = false
	if rec := do(e, http.MethodPost, "/api/assignments", "alice", body, idempotencyHeader, "k1"); rec.Code != http.StatusOK {
		t.Fatalf("retry after failure should succeed, got %d", rec.Code)
	}
}

func TestCreateAssignmentDeduperUnavailable(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m.Close()

	svc := &stubAssignments{
		createFn: func(_ context.Context, owner string, in domain.AssignmentCreate) (domain.Assignment, error) {
			return domain.Assignment{ID: "new", OwnerID: owner}, nil
		},
	}
	e, hook := newTestServer(t, svc, nil, NewRedisDeduper(client, time.Minute))

	rec := do(e, http.MethodPost, "/api/assignments", "alice", `{"title":"Essay","due_date":"2024-01-05"}`, idempotencyHeader, "k1")
	if rec.Code != http.StatusOK {
		t.Fatalf("dedupe outage must not fail the request, got %d", rec.Code)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("expected a warning, got %+v", entry)
	}
}

func TestUpdateAssignment(t *testing.T) {
	svc := &stubAssignments{
		updateFn: func(_ context.Context, owner, id string, upd domain.AssignmentUpdate) (domain.Assignment, error) {
			switch id {
			case "missing":
				return domain.Assignment{}, domain.ErrNotFound
			case "theirs":
				return domain.Assignment{}, domain.ErrNotOwner
			}
			if upd.Title != nil || upd.DueDate != nil || upd.IsCompleted == nil || !*upd.IsCompleted {
				t.Fatalf("unexpected partial update: %+v", upd)
			}
			return domain.Assignment{ID: id, OwnerID: owner, Title: "Essay", IsCompleted: true}, nil
		},
	}
	e, _ := newTestServer(t, svc, nil, nil)

	rec := do(e, http.MethodPatch, "/api/assignments/a1", "alice", `{"is_completed":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPatch, "/api/assignments/missing", "alice", `{"is_completed":true}`)
	if rec.Code != http.StatusNotFound || decodeDetail(t, rec) != "Assignment not found" {
		t.Fatalf("unexpected not-found response %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPatch, "/api/assignments/theirs", "alice", `{"is_completed":true}`)
	if rec.Code != http.StatusBadRequest || decodeDetail(t, rec) != "Not enough permissions" {
		t.Fatalf("unexpected permission response %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPatch, "/api/assignments/a1", "alice", `{"title":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty title should be rejected, got %d", rec.Code)
	}
}

func TestDeleteAssignment(t *testing.T) {
	svc := &stubAssignments{
		deleteFn: func(_ context.Context, owner, id string) error {
			if id == "theirs" {
				return domain.ErrNotOwner
			}
			if owner != "alice" || id != "a1" {
				t.Fatalf("unexpected delete owner=%s id=%s", owner, id)
			}
			return nil
		},
	}
	e, _ := newTestServer(t, svc, nil, nil)

	rec := do(e, http.MethodDelete, "/api/assignments/a1", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"message":"Assignment deleted successfully"}` {
		t.Fatalf("unexpected body: %s", got)
	}
	if rec := do(e, http.MethodDelete, "/api/assignments/theirs", "alice", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(e, http.MethodDelete, "/api/assignments/a1", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSchedulerRoutes(t *testing.T) {
	sched := &stubScheduler{status: reminder.Status{Running: true, Schedule: "0 8 * * *", Timezone: "UTC"}}
	e, _ := newTestServer(t, &stubAssignments{}, sched, nil)

	rec := do(e, http.MethodGet, "/api/scheduler", "alice", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"schedule":"0 8 * * *"`) {
		t.Fatalf("unexpected status response %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/scheduler/run", "alice", "")
	if rec.Code != http.StatusOK || sched.runs != 1 {
		t.Fatalf("unexpected run response %d runs=%d", rec.Code, sched.runs)
	}
	if !strings.Contains(rec.Body.String(), `"day":"2024-01-02"`) {
		t.Fatalf("unexpected run summary: %s", rec.Body.String())
	}

	if rec := do(e, http.MethodPost, "/api/scheduler/run", "", ""); rec.Code != http.StatusUnauthorized || sched.runs != 1 {
		t.Fatalf("unauthenticated run must be rejected, got %d", rec.Code)
	}
}

func TestSchedulerRoutesAbsentWithoutScheduler(t *testing.T) {
	e, _ := newTestServer(t, &stubAssignments{}, nil, nil)
	if rec := do(e, http.MethodGet, "/api/scheduler", "alice", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	svc := &stubAssignments{stats: storage.CacheStats{Hits: 3, Misses: 2, Failures: 1}}
	e, _ := newTestServer(t, svc, nil, nil)

	rec := do(e, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"ok","cache":{"hits":3,"misses":2,"failures":1}}` {
		t.Fatalf("unexpected body: %s", got)
	}
}
