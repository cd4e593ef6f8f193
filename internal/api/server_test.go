package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"postflow/internal/clock"
	"postflow/internal/dispatch"
	"postflow/internal/domain"
	"postflow/internal/rate"
	"postflow/internal/scheduler"
	"postflow/internal/store"
)

func newTestServer(t *testing.T) (http.Handler, store.Repository) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatal(err)
	}
	repo := store.NewSQLiteRepo(db)

	clk := clock.System{}
	budget := rate.NewBudget(repo, rate.DefaultLimits(), time.UTC)
	loop := scheduler.New(repo, budget, dispatch.Simulator{}, clk, scheduler.DefaultConfig(), time.UTC)
	return NewServer(repo, loop, budget, clk, time.UTC, 4096), repo
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateTickAndGet(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, "POST", "/api/posts", map[string]string{
		"content": "hello world",
		"due_at":  time.Now().Add(-time.Second).UTC().Format(time.RFC3339),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, h, "POST", "/api/tick", nil)
	if rec.Code != 200 {
		t.Fatalf("tick status = %d", rec.Code)
	}
	var stats scheduler.TickStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Posted != 1 {
		t.Fatalf("tick stats = %+v, want 1 posted", stats)
	}

	rec = doJSON(t, h, "GET", "/api/posts/"+created.ID, nil)
	var view map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view["status"] != "posted" {
		t.Errorf("status = %v, want posted", view["status"])
	}
	if view["attempts"] != float64(1) {
		t.Errorf("attempts = %v, want 1", view["attempts"])
	}
	// Simulated dispatch records no external id.
	if _, ok := view["external_id"]; ok {
		t.Error("simulated post has an external_id")
	}
}

func TestTickSurvivesClientDisconnect(t *testing.T) {
	h, repo := newTestServer(t)

	reqCtx := httptest.NewRequest("GET", "/", nil).Context()
	id, err := repo.Create(reqCtx, domain.Post{Content: "hello", DueAt: time.Now().Add(-time.Second).UTC()})
	if err != nil {
		t.Fatal(err)
	}

	// A dropped connection cancels the request context; the tick must
	// still run to completion.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/api/tick", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	p, err := repo.Get(reqCtx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusPosted {
		t.Errorf("status = %s, want posted despite canceled request", p.Status)
	}
}

func TestCreateRejectsBadPayloads(t *testing.T) {
	h, _ := newTestServer(t)

	tests := []struct {
		name string
		body map[string]string
	}{
		{"empty content", map[string]string{"content": "", "due_at": "2024-03-15T14:31:00Z"}},
		{"missing due_at", map[string]string{"content": "hi"}},
		{"bad due_at", map[string]string{"content": "hi", "due_at": "tomorrow-ish"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := doJSON(t, h, "POST", "/api/posts", tt.body); rec.Code != 400 {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestCreateAcceptsCivilDueTime(t *testing.T) {
	h, repo := newTestServer(t)

	rec := doJSON(t, h, "POST", "/api/posts", map[string]string{
		"content": "civil time",
		"due_at":  "2030-03-15 14:31",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)

	p, err := repo.Get(httptest.NewRequest("GET", "/", nil).Context(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2030, 3, 15, 14, 31, 0, 0, time.UTC)
	if !p.DueAt.UTC().Equal(want) {
		t.Errorf("dueAt = %v, want %v", p.DueAt, want)
	}
}

func TestEditResetsFailedPost(t *testing.T) {
	h, repo := newTestServer(t)

	ctx := httptest.NewRequest("GET", "/", nil).Context()
	msg := "remote said no"
	id, err := repo.Create(ctx, domain.Post{Content: "broken", DueAt: time.Now().UTC()})
	if err != nil {
		t.Fatal(err)
	}
	p, _ := repo.Get(ctx, id)
	p.Status = domain.StatusFailed
	p.Attempts = 5
	p.LastError = &msg
	if err := repo.Update(ctx, p); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, h, "PATCH", "/api/posts/"+id, map[string]string{
		"due_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	if rec.Code != 200 {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body)
	}

	got, _ := repo.Get(ctx, id)
	if got.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
	if got.LastError != nil {
		t.Errorf("lastError = %q, want nil", *got.LastError)
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	h, repo := newTestServer(t)

	ctx := httptest.NewRequest("GET", "/", nil).Context()
	id, _ := repo.Create(ctx, domain.Post{Content: "bye", DueAt: time.Now().UTC()})

	if rec := doJSON(t, h, "DELETE", "/api/posts/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := doJSON(t, h, "DELETE", "/api/posts/"+id, nil); rec.Code != 404 {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
	if rec := doJSON(t, h, "GET", "/api/posts/"+id, nil); rec.Code != 404 {
		t.Fatalf("get status = %d, want 404", rec.Code)
	}
}

func TestRateSnapshotShape(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, "GET", "/api/rate", nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	for _, period := range []string{"minute", "hour", "day"} {
		u, ok := snap[period]
		if !ok {
			t.Fatalf("snapshot missing %s", period)
		}
		for _, field := range []string{"used", "limit", "remaining", "reset_hint"} {
			if _, ok := u[field]; !ok {
				t.Errorf("%s missing %s", period, field)
			}
		}
	}
	if got := snap["minute"]["limit"]; got != float64(3) {
		t.Errorf("minute limit = %v, want 3", got)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	h, repo := newTestServer(t)
	ctx := httptest.NewRequest("GET", "/", nil).Context()

	for i := 0; i < 3; i++ {
		if _, err := repo.Create(ctx, domain.Post{Content: fmt.Sprintf("post %d", i), DueAt: time.Now().UTC()}); err != nil {
			t.Fatal(err)
		}
	}

	rec := doJSON(t, h, "GET", "/api/posts?status=pending", nil)
	var views []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 3 {
		t.Errorf("pending count = %d, want 3", len(views))
	}

	rec = doJSON(t, h, "GET", "/api/posts?status=failed", nil)
	views = nil
	json.Unmarshal(rec.Body.Bytes(), &views)
	if len(views) != 0 {
		t.Errorf("failed count = %d, want 0", len(views))
	}
}
