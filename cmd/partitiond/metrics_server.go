package main

import (
	"net/http"

	"github.com/restatedb/partitiond/pkg/metrics"
)

// metricsServer bundles the /metrics, /health, /ready, /live endpoints
// behind one http.Server, the way cmd/warren's cluster init wires its
// metrics collector's HTTP surface.
type metricsServer struct {
	srv *http.Server
}

func newMetricsServer(addr string) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	return &metricsServer{srv: &http.Server{Addr: addr, Handler: mux}}
}

func (m *metricsServer) start() error {
	return m.srv.ListenAndServe()
}
