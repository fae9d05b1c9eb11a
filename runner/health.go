package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flowd-io/flowd/metrics"
)

// shutdownTimeout bounds how long Stop waits for in-flight requests.
const shutdownTimeout = 5 * time.Second

// Health serves the liveness and metrics endpoints next to a worker:
//
//	GET /healthz
//	GET /metrics
type Health struct {
	addr   string
	logger *slog.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewHealth returns a stopped health server bound to addr on Start.
func NewHealth(addr string, logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	return &Health{
		addr:   addr,
		logger: logger.With("component", "health"),
	}
}

// Start binds the listener and serves in the background. Binding happens
// synchronously so an occupied port fails the start, not a later request.
func (h *Health) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.srv != nil {
		return fmt.Errorf("health server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", metrics.Handler())

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("binding health listener: %w", err)
	}
	srv := &http.Server{Handler: mux}
	h.srv = srv
	h.ln = ln

	h.logger.Info("Serving health and metrics", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("Health server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start. Useful when the
// configured address was ":0".
func (h *Health) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// Stop drains in-flight requests and closes the listener.
func (h *Health) Stop() error {
	h.mu.Lock()
	srv := h.srv
	h.srv = nil
	h.ln = nil
	h.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
