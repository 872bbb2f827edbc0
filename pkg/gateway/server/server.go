package server

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/handlers"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
	"github.com/vango-go/vai-relay/pkg/gateway/registry"
	"github.com/vango-go/vai-relay/pkg/gateway/session"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
)

// Deps are the long-lived components the routes serve from.
type Deps struct {
	Registry *registry.Registry
	Open     session.OpenFunc
	Upstream upstream.SessionConfig
	Hooks    session.Hooks

	Credentials handlers.CredentialSource
	Journal     handlers.Pinger
	Metrics     *metrics.Relay
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps
}

var routeLabels = []string{"/healthz", "/readyz", "/metrics", "/v1/relay", "/ws"}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New(registry.Options{Limit: cfg.MaxSessions, Logger: logger})
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{Sessions: s.deps.Registry})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:      s.cfg,
		Credentials: s.deps.Credentials,
		Journal:     s.deps.Journal,
		HasUpstream: s.deps.Open != nil,
	})
	if s.deps.Metrics != nil {
		s.mux.Handle("/metrics", s.deps.Metrics.Handler())
	}

	relay := handlers.RelayHandler{
		Config:   s.cfg,
		Registry: s.deps.Registry,
		Open:     s.deps.Open,
		Upstream: s.deps.Upstream,
		Logger:   s.logger,
		Hooks:    s.deps.Hooks,
	}
	if s.deps.Metrics != nil {
		relay.OnReject = s.deps.Metrics.RecordRejected
	}
	s.mux.Handle("/v1/relay", relay)
	s.mux.Handle("/ws", relay)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// Registry returns the session registry the relay routes admit into.
func (s *Server) Registry() *registry.Registry { return s.deps.Registry }

// SetDraining stops new sessions; /healthz reports 503 from then on.
func (s *Server) SetDraining(draining bool) { s.deps.Registry.SetAccepting(!draining) }

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	if s.deps.Metrics != nil {
		h = mw.Metrics(s.deps.Metrics, routeLabels, h)
	}
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
