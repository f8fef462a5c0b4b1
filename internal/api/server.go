// Package api exposes the monitor's read/write HTTP surface: the
// click-to-dial action, the durable call-history log, a best-effort
// caller-id lookup, and the live SSE event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ucmmonitor/ucmmonitor/internal/api/middleware"
	"github.com/ucmmonitor/ucmmonitor/internal/correlator"
	"github.com/ucmmonitor/ucmmonitor/internal/database"
	"github.com/ucmmonitor/ucmmonitor/internal/directory"
)

// ActiveCallReader exposes the active-state store's read surface to the
// HTTP layer.
type ActiveCallReader interface {
	Snapshot() []correlator.CallSnapshot
}

// Subscriber exposes the fan-out registry's read surface to the HTTP
// layer's SSE handler.
type Subscriber interface {
	Subscribe() (string, <-chan correlator.Event)
	Unsubscribe(id string)
}

// Dialer originates outbound calls via the click-to-dial HTTP client.
type Dialer interface {
	Dial(ctx context.Context, extension, number string) error
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux

	callLogs  database.CallLogRepository
	active    ActiveCallReader
	fanout    Subscriber
	dialer    Dialer
	directory directory.Lookup

	corsOrigins []string
	tlsEnabled  bool
	rateLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(
	callLogs database.CallLogRepository,
	active ActiveCallReader,
	fanout Subscriber,
	dialer Dialer,
	lookup directory.Lookup,
	corsOrigins []string,
	tlsEnabled bool,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		callLogs:    callLogs,
		active:      active,
		fanout:      fanout,
		dialer:      dialer,
		directory:   lookup,
		corsOrigins: corsOrigins,
		tlsEnabled:  tlsEnabled,
		rateLimiter: middleware.NewIPRateLimiter(middleware.RateLimitConfig{
			Rate:            2,
			Burst:           5,
			CleanupInterval: 5 * time.Minute,
			MaxAge:          10 * time.Minute,
		}),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS(s.corsOrigins))
	r.Use(middleware.SecurityHeaders(s.tlsEnabled))
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.With(middleware.RateLimit(s.rateLimiter)).Post("/call", s.handleDial)
		r.Get("/calls", s.handleActiveCalls)
		r.Get("/call-log", s.handleCallLog)
		r.Get("/lookup/{number}", s.handleLookup)
		r.Get("/events", s.handleEvents)
	})

	slog.Info("api routes mounted")
}
