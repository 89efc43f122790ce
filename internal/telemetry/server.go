package telemetry

import (
	"context"
	"net/http"
	"time"

	"codeberg.org/mutker/ipmifanctl/internal/errors"
	"codeberg.org/mutker/ipmifanctl/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ErrServe = errors.ErrorCode("telemetry_serve_failed")

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Handler serves /metrics and /healthz.
func (t *Telemetry) Handler(log logger.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Warn().Err(err).Msg("Failed to write health response")
		}
	})
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))

	return mux
}

// Serve listens on addr until ctx is cancelled.
func (t *Telemetry) Serve(ctx context.Context, addr string, log logger.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           t.Handler(log),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry server shutdown error")
		}
	}()

	log.Info().Str("addr", addr).Msg("Telemetry server started")

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return errors.New().Wrap(ErrServe, err).WithData(addr)
	}

	return nil
}
