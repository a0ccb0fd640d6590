package server

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/skyvoice-ai/skyvoice/pkg/gateway/config"
	"github.com/skyvoice-ai/skyvoice/pkg/gateway/handlers"
	"github.com/skyvoice-ai/skyvoice/pkg/gateway/metrics"
	"github.com/skyvoice-ai/skyvoice/pkg/gateway/mw"
	"github.com/skyvoice-ai/skyvoice/pkg/store"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	metrics    *metrics.Metrics
	store      *store.Store
	paths      handlers.PathFactory
	httpClient *http.Client
}

// New wires the gateway routes. st may be nil when persistence is disabled.
func New(cfg config.Config, st *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		metrics:    metrics.New("skyvoice"),
		store:      st,
		paths:      NewPathFactory(cfg, httpClient),
		httpClient: httpClient,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Store: s.store})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:  s.cfg,
		Logger:  s.logger,
		Metrics: s.metrics,
		Paths:   s.paths,
		Store:   s.store,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
