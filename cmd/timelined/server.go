package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"

	"github.com/agentworkstation/timelined/internal/broadcast"
	"github.com/agentworkstation/timelined/internal/metrics"
	"github.com/agentworkstation/timelined/internal/preview"
	"github.com/agentworkstation/timelined/internal/timeline"
	"github.com/agentworkstation/timelined/internal/timelinehttp"
	"github.com/agentworkstation/timelined/internal/toolexec"
)

// server wires every collaborator and owns the HTTP listener's lifecycle,
// grounded on the teacher's gateway.Server (one struct holding the
// long-lived collaborators plus the *http.Server/net.Listener pair,
// started in startHTTPServer and torn down in stopHTTPServer).
type server struct {
	cfg timeline.Config

	tem      *toolexec.Manager
	store    timeline.Store
	previews *preview.Registry
	hub      *broadcast.Hub
	svc      *timeline.Service
	reg      *prometheus.Registry

	logger *slog.Logger

	httpServer   *http.Server
	httpListener net.Listener
}

func newServer(cfg timeline.Config, logger *slog.Logger) *server {
	var store timeline.Store
	switch cfg.Store.Backend {
	case timeline.StoreBackendJSONL:
		store = timeline.NewJSONLStore(cfg.Store.Root)
	default:
		store = timeline.NewMemoryStore(cfg.Store.Root)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	hub := broadcast.NewHub()
	hub.SetMetrics(m)

	tem := toolexec.NewManager()
	previews := preview.NewRegistry()

	svc := timeline.NewServiceWithDebounce(tem, store, previews, hub, nil, logger, cfg.Debounce)
	svc.SetMetrics(m)

	return &server{
		cfg:      cfg,
		tem:      tem,
		store:    store,
		previews: previews,
		hub:      hub,
		svc:      svc,
		reg:      reg,
		logger:   logger,
	}
}

// Start begins serving HTTP and blocks until ctx is canceled or the server
// fails to start listening.
func (s *server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	timelinehttp.NewHandler(s.svc, s.logger).Register(mux)

	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpListener = listener

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	s.logger.Info("timelined listening", "addr", s.cfg.HTTP.Addr)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop gracefully shuts down the HTTP server and the Timeline Service's
// subscriptions.
func (s *server) Stop(ctx context.Context) error {
	s.svc.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		s.logger.Debug("healthz write failed", "error", err)
	}
}
