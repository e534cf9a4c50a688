package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tftpd/internal/errors"
)

type healthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int64  `json:"active_sessions"`
	FreeSlots      int    `json:"free_slots"`
	Files          int    `json:"files"`
}

// Handler returns the admin HTTP routes: /metrics, /healthz and /files
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, healthResponse{
			Status:         "ok",
			ActiveSessions: s.active.Load(),
			FreeSlots:      len(s.slots),
			Files:          s.registry.Len(),
		})
	})

	r.Get("/files", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.registry.Keys())
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write admin response", "error", err)
	}
}

// startAdmin serves Handler on addr until ctx is cancelled
func (s *Server) startAdmin(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.NewNetworkError("listen_admin", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("Admin endpoint listening", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("Admin endpoint stopped", "error", err)
		}
	}()

	return nil
}
