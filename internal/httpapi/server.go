package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/episodesync/internal/clients"
	"github.com/agentworkforce/episodesync/internal/health"
	"github.com/agentworkforce/episodesync/internal/state"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBackfillDays   = 3650
)

// Backend is the daemon surface the HTTP API reads and drives.
type Backend interface {
	Health(ctx context.Context) (health.Metrics, error)
	StateDocument(ctx context.Context) (state.Document, error)
	BackfillSource(ctx context.Context, source string, days int) (int, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	AdminToken      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	Logger          Logger
}

type Server struct {
	backend     Backend
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(backend Backend) *Server {
	return NewServerWithConfig(backend, ServerConfig{})
}

func NewServerWithConfig(backend Backend, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{backend: backend, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/health" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		s.handleHealth(w, r, correlationID)
		return
	case path == "/dashboard" && r.Method == http.MethodGet:
		s.handleDashboard(w, r, correlationID)
		return
	case path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "v1" || parts[1] != "backfill" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(parts[2], time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	s.handleBackfill(w, r, parts[2], correlationID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, correlationID string) {
	metrics, err := s.backend.Health(r.Context())
	if err != nil {
		s.logf("correlation_id=%s health failed: %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to collect health metrics", correlationID)
		return
	}
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	doc, err := s.backend.StateDocument(r.Context())
	if err != nil {
		s.logf("correlation_id=%s status failed: %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load sync state", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources":       statusSections(doc),
		"correlationId": correlationID,
	})
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request, source, correlationID string) {
	if !isBackfillSource(source) {
		writeError(w, http.StatusBadRequest, "invalid_source", "unknown source: "+source, correlationID)
		return
	}
	days, err := parseOptionalBoundedInt(r.URL.Query().Get("days"), 0, 1, maxBackfillDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "days must be an integer between 1 and 3650", correlationID)
		return
	}
	processed, err := s.backend.BackfillSource(r.Context(), source, days)
	if err != nil {
		s.logf("correlation_id=%s source=%s backfill failed: %v", correlationID, source, err)
		status, code := http.StatusInternalServerError, "backfill_failed"
		if errors.Is(err, clients.ErrRateLimited) {
			status, code = http.StatusTooManyRequests, "rate_limited"
		}
		writeError(w, status, code, err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":        source,
		"days":          days,
		"processed":     processed,
		"correlationId": correlationID,
	})
}

// statusSections reports the cursor fields of each source. The Slack user
// cache is reduced to a count.
func statusSections(doc state.Document) map[string]any {
	out := map[string]any{}
	for _, source := range health.Sources {
		section := state.Section(doc, source)
		if len(section) == 0 {
			continue
		}
		view := make(map[string]any, len(section))
		for key, value := range section {
			if source == "slack" && key == "users" {
				view["users_cached"] = len(state.Map(section, "users"))
				continue
			}
			view[key] = value
		}
		out[source] = view
	}
	return out
}

func isBackfillSource(source string) bool {
	switch source {
	case "gmail", "drive", "calendar", "slack":
		return true
	}
	return false
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, errors.New("value out of range")
	}
	return parsed, nil
}
