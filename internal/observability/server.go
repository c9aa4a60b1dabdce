package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sjalloq/ft601/internal/logging"
)

// MetricsServer exposes /metrics and /healthz on a side listener, separate
// from the gateway's binary TCP port.
type MetricsServer struct {
	srv *http.Server
	log zerolog.Logger
}

func NewMetricsServer(addr string) *MetricsServer {
	RegisterMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logging.Component("metrics"),
	}
}

// Start serves in the background until Shutdown.
func (m *MetricsServer) Start() {
	m.log.Info().Str("addr", m.srv.Addr).Msg("metrics listening")
	go func() {
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
