package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"postflow/internal/clock"
	"postflow/internal/domain"
	"postflow/internal/rate"
	"postflow/internal/scheduler"
	"postflow/internal/store"
)

type Server struct {
	r             *chi.Mux
	repo          store.Repository
	loop          *scheduler.Loop
	budget        *rate.Budget
	clk           clock.Clock
	loc           *time.Location
	validate      *validator.Validate
	contentMaxLen int
}

func NewServer(repo store.Repository, loop *scheduler.Loop, budget *rate.Budget, clk clock.Clock, loc *time.Location, contentMaxLen int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{
		r:             r,
		repo:          repo,
		loop:          loop,
		budget:        budget,
		clk:           clk,
		loc:           loc,
		validate:      validator.New(),
		contentMaxLen: contentMaxLen,
	}

	r.Get("/health", s.health)
	r.Post("/api/posts", s.createPost)
	r.Get("/api/posts", s.listPosts)
	r.Get("/api/posts/{id}", s.getPost)
	r.Patch("/api/posts/{id}", s.updatePost)
	r.Delete("/api/posts/{id}", s.deletePost)
	r.Get("/api/rate", s.rateSnapshot)
	r.Post("/api/tick", s.runTick)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createReq struct {
	Content string `json:"content"`
	DueAt   string `json:"due_at"`
}

type createResp struct {
	ID string `json:"id"`
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.validateContent(req.Content); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	dueAt, err := s.parseDueAt(req.DueAt)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	id, err := s.repo.Create(r.Context(), domain.Post{
		Content: req.Content,
		DueAt:   dueAt,
		Status:  domain.StatusPending,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createResp{ID: id})
}

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	var (
		posts []domain.Post
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		posts, err = s.repo.ListByStatus(r.Context(), domain.Status(status))
	} else {
		posts, err = s.repo.List(r.Context())
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	views := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		views = append(views, postView(p))
	}
	writeJSON(w, 200, views)
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, postView(p))
}

type updateReq struct {
	Content *string `json:"content"`
	DueAt   *string `json:"due_at"`
}

func (s *Server) updatePost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}

	var req updateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Content == nil && req.DueAt == nil {
		http.Error(w, "content or due_at is required", 400)
		return
	}
	if req.Content != nil {
		if err := s.validateContent(*req.Content); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		p.Content = *req.Content
	}
	if req.DueAt != nil {
		dueAt, err := s.parseDueAt(*req.DueAt)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		p.DueAt = dueAt
	}

	// Any edit re-activates the post, terminal or not.
	p.ResetForReschedule()

	if err := s.repo.Update(r.Context(), p); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, postView(p))
}

func (s *Server) deletePost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.repo.Delete(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if !ok {
		http.Error(w, "not found", 404)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rateSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.budget.Snapshot(r.Context(), s.clk.Now())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	view := make(map[string]any, len(snap))
	for period, u := range snap {
		view[string(period)] = map[string]any{
			"used":       u.Used,
			"limit":      u.Limit,
			"remaining":  u.Remaining,
			"reset_hint": u.ResetIn.Round(time.Second).String(),
		}
	}
	writeJSON(w, 200, view)
}

func (s *Server) runTick(w http.ResponseWriter, r *http.Request) {
	// The tick outlives the request: a client disconnect must not cancel
	// in-flight store writes or publish calls.
	stats := s.loop.RunTick(context.Background())
	writeJSON(w, 200, stats)
}

func (s *Server) validateContent(content string) error {
	if err := s.validate.Var(content, fmt.Sprintf("required,max=%d", s.contentMaxLen)); err != nil {
		return fmt.Errorf("content must be non-empty and at most %d characters", s.contentMaxLen)
	}
	return nil
}

// parseDueAt accepts RFC3339, or civil "2006-01-02 15:04" interpreted in the
// configured timezone.
func (s *Server) parseDueAt(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("due_at is required")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", v, s.loc); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("due_at %q: expected RFC3339 or \"2006-01-02 15:04\"", v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func postView(p domain.Post) map[string]any {
	v := map[string]any{
		"id":         p.ID,
		"content":    p.Content,
		"due_at":     p.DueAt.UTC().Format(time.RFC3339),
		"status":     p.Status,
		"attempts":   p.Attempts,
		"created_at": p.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if p.NextRetryAt != nil {
		v["next_retry_at"] = p.NextRetryAt.UTC().Format(time.RFC3339)
	}
	if p.ExternalID != nil {
		v["external_id"] = *p.ExternalID
	}
	if p.LastError != nil {
		v["last_error"] = *p.LastError
	}
	if p.PostedAt != nil {
		v["posted_at"] = p.PostedAt.UTC().Format(time.RFC3339)
	}
	return v
}
