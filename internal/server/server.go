// Package server exposes the operational HTTP surface: Prometheus metrics,
// liveness, readiness and optional pprof.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/health"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/metrics"
)

type Options struct {
	Port        int
	EnablePprof bool
}

// Server wraps the HTTP listener. Readiness is driven by the database health
// monitors: the process is ready only while both connections are usable.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	monitors   map[string]*health.Monitor
}

func New(opts Options, store *metrics.Store, monitors map[string]*health.Monitor, logger *zap.Logger) *Server {
	s := &Server{
		logger:   logger.Named("http"),
		monitors: monitors,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(store.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)

	if opts.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s.logger.Info("pprof endpoints enabled under /debug/pprof/")
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the listener in a goroutine and returns immediately.
func (s *Server) Start() {
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server terminated unexpectedly", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		Status              health.Status `json:"status"`
		ConsecutiveFailures int           `json:"consecutiveFailures"`
		LastError           string        `json:"lastError,omitempty"`
	}
	body := map[string]entry{}
	ready := true
	for name, mon := range s.monitors {
		state := mon.State()
		body[name] = entry{
			Status:              state.Status,
			ConsecutiveFailures: state.ConsecutiveFailures,
			LastError:           state.LastError,
		}
		if !state.Usable() {
			ready = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}
