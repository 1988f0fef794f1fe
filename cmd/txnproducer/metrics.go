package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	dslog "github.com/grafana/dskit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	util_log "github.com/grafana/txnproducer/pkg/util/log"
)

const shutdownTimeout = 5 * time.Second

type metricsServer struct {
	srv    *http.Server
	logger log.Logger
}

func newMetricsRouter(reg *prometheus.Registry, logLevel *dslog.Level) *mux.Router {
	router := mux.NewRouter()
	router.Path("/metrics").Methods(http.MethodGet).Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	router.Path("/log_level").Methods(http.MethodGet, http.MethodPost).Handler(util_log.LevelHandler(logLevel))
	return router
}

// newMetricsServer serves /metrics and /log_level on addr until shutdown.
func newMetricsServer(addr string, reg *prometheus.Registry, logLevel *dslog.Level, logger log.Logger) *metricsServer {
	s := &metricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           newMetricsRouter(reg, logLevel),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log.With(logger, "component", "metrics-server"),
	}

	go func() {
		level.Info(s.logger).Log("msg", "serving metrics", "addr", addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(s.logger).Log("msg", "metrics server failed", "err", err)
		}
	}()
	return s
}

func (s *metricsServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		level.Warn(s.logger).Log("msg", "failed to shut down metrics server", "err", err)
	}
}
