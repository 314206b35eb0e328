// ABOUTME: chi router for the admin HTTP API
// ABOUTME: Health and metrics are public; /api routes need a bearer token and an allow-listed admin

package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

// Store is the persistence the API reads.
type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	ListThreads(ctx context.Context, filter store.ThreadFilter) ([]*store.Thread, error)
	ListDeliveryFailures(ctx context.Context, limit int) ([]*store.DeliveryFailure, error)
}

// Users changes a user's blocked flag.
type Users interface {
	MarkBlocked(ctx context.Context, userID string) error
	MarkUnblocked(ctx context.Context, userID string) error
}

// StatusSource reports relay counters.
type StatusSource interface {
	Status(ctx context.Context) (*relay.Status, error)
}

// Options configures the API.
type Options struct {
	Holder *config.Holder
	Store  Store
	Users  Users
	Status StatusSource
	Logger *slog.Logger
}

// Server holds the API handlers.
type Server struct {
	holder *config.Holder
	store  Store
	users  Users
	status StatusSource
	logger *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		holder: opts.Holder,
		store:  opts.Store,
		users:  opts.Users,
		status: opts.Status,
		logger: opts.Logger.With("component", "httpapi"),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)

	cfg := opts.Holder.Config()
	r.Get("/health", s.handleHealth)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAdmin)
		if s.status != nil {
			r.Get("/status", s.handleStatus)
		}
		r.Get("/threads", s.handleThreads)
		r.Get("/failures", s.handleFailures)
		r.Post("/users/{id}/block", s.handleBlock(true))
		r.Delete("/users/{id}/block", s.handleBlock(false))
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

// requireAdmin checks the bearer token and the admin allow-list.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.holder.Config()

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || cfg.HTTP.APIToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.HTTP.APIToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		admin := r.Header.Get("X-Admin-ID")
		if !cfg.Relay.IsAdmin(admin) {
			s.logger.Warn("api call by non-admin", "admin", admin, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "not permitted")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"config_version": s.holder.Current().Version,
	})
}

type statusResponse struct {
	ConfigVersion uint64 `json:"config_version"`
	Users         int    `json:"users"`
	OpenThreads   int    `json:"open_threads"`
	UnreadThreads int    `json:"unread_threads"`
	PendingGroups int    `json:"pending_media_groups"`
	Uptime        string `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.Status(r.Context())
	if err != nil {
		s.logger.Error("reading status", "error", err)
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ConfigVersion: st.ConfigVersion,
		Users:         st.Users,
		OpenThreads:   st.OpenThreads,
		UnreadThreads: st.UnreadThreads,
		PendingGroups: st.PendingGroups,
		Uptime:        st.Uptime.Truncate(time.Second).String(),
	})
}

type threadResponse struct {
	ID             string    `json:"thread_id"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	Blocked        bool      `json:"blocked"`
	Title          string    `json:"title"`
	Status         string    `json:"status"`
	Unread         int       `json:"unread"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ThreadFilter{
		Status:     store.ThreadStatus(q.Get("status")),
		UnreadOnly: q.Get("unread") == "true",
	}
	switch filter.Status {
	case "", store.ThreadOpen, store.ThreadClosed, store.ThreadArchived:
	default:
		writeError(w, http.StatusBadRequest, "status must be open, closed or archived")
		return
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	filter.Limit = limit

	threads, err := s.store.ListThreads(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing threads", "error", err)
		writeError(w, http.StatusInternalServerError, "listing threads failed")
		return
	}

	out := make([]threadResponse, 0, len(threads))
	for _, th := range threads {
		resp := threadResponse{
			ID:             th.ID,
			UserID:         th.UserID,
			Title:          th.Title,
			Status:         string(th.Status),
			Unread:         th.Unread,
			LastActivityAt: th.LastActivityAt,
		}
		if u, err := s.store.GetUser(r.Context(), th.UserID); err == nil {
			resp.DisplayName = u.DisplayName
			resp.Blocked = u.Blocked
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": out})
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	failures, err := s.store.ListDeliveryFailures(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing delivery failures", "error", err)
		writeError(w, http.StatusInternalServerError, "listing failures failed")
		return
	}

	type failure struct {
		ID          string    `json:"id"`
		Operation   string    `json:"operation"`
		Destination string    `json:"destination"`
		PayloadKind string    `json:"payload_kind"`
		SourceRef   string    `json:"source_ref,omitempty"`
		Attempts    int       `json:"attempts"`
		Error       string    `json:"error"`
		CreatedAt   time.Time `json:"created_at"`
	}
	out := make([]failure, 0, len(failures))
	for _, f := range failures {
		out = append(out, failure(*f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": out})
}

func (s *Server) handleBlock(block bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")

		var err error
		if block {
			err = s.users.MarkBlocked(r.Context(), userID)
		} else {
			err = s.users.MarkUnblocked(r.Context(), userID)
		}
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown user")
			return
		case err != nil:
			s.logger.Error("changing blocked flag", "user_id", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}

		s.logger.Info("blocked flag changed via api", "user_id", userID, "blocked", block, "admin", r.Header.Get("X-Admin-ID"))
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "blocked": block})
	}
}

func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
