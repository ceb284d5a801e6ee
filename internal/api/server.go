// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/auth"
	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/internal/dispatch"
	"github.com/fruitsalade/pantry/internal/geo"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/quota"
	"github.com/fruitsalade/pantry/internal/share"
	"github.com/fruitsalade/pantry/internal/thumbs"
	"github.com/fruitsalade/pantry/internal/upload"
	"github.com/fruitsalade/pantry/pkg/protocol"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

// Deps bundles the services behind the HTTP surface. Limiter may be nil.
type Deps struct {
	Auth       *auth.Auth
	Uploads    *upload.Service
	Resolver   *share.Resolver
	Guard      *share.Guard
	Shares     *share.Manager
	Ledger     *quota.Ledger
	Limiter    *quota.RateLimiter
	Dispatcher *dispatch.Dispatcher
	// Thumbs enables ?thumb=1 on image files when set.
	Thumbs *thumbs.Cache
	// Proxies may set forwarding headers. Nil trusts the peer address only.
	Proxies geo.Proxies
}

// Server is the HTTP server.
type Server struct {
	Deps
	maxUploadSize int64
	publicURL     string
}

// NewServer creates a new server.
func NewServer(deps Deps, cfg config.ServerConfig) *Server {
	return &Server{
		Deps:          deps,
		maxUploadSize: cfg.MaxUploadSize,
		publicURL:     strings.TrimRight(cfg.PublicURL, "/"),
	}
}

// Handler returns the HTTP handler with logging, metrics and auth
// middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware, metrics.Middleware)

	// Public endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/s/*", s.handleShare)
	r.Get("/file/*", s.handleFile)

	// Protected endpoints
	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware)
		if s.Limiter != nil {
			r.Use(quota.RateLimitMiddleware(s.Limiter, auth.UserID))
		}

		r.Post("/upload", s.handleUpload)

		r.Get("/api/shares", s.handleListShares)
		r.Post("/api/shares", s.handleCreateShare)
		r.Delete("/api/shares/{token}", s.handleRevokeShare)

		r.Get("/api/quota", s.handleQuota)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, r, apperr.NotFound("no route for %s", r.URL.Path))
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:   "ok",
		Channels: s.Dispatcher.Channels(),
	})
}

// origin returns the scheme and host the request was addressed to.
func origin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

// baseURL is the configured public URL, or the request origin without one.
func (s *Server) baseURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	return origin(r)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("response encode failed", logging.Err(err))
	}
}

// sendError writes err as an ErrorResponse. Foreign errors become 500s
// without exposing their text.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Internal(err, "internal server error")
	}
	status := e.HTTPStatus()

	logger := logging.WithContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("code", e.Code), zap.Int("status", status), logging.Err(err))
	} else {
		logger.Debug("request rejected", zap.String("code", e.Code), zap.Int("status", status), zap.String("message", e.Message))
	}

	s.sendJSON(w, status, protocol.ErrorResponse{
		Error:      e.Code,
		Message:    e.Message,
		Suggestion: e.Suggestion,
		Errors:     e.Details,
	})
}
