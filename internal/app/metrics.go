package app

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// startMetricsServer serves liveness and Prometheus metrics for the duration
// of the run.
func (a *App) startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	a.logger.Info("Metrics server starting", "address", fmt.Sprintf("http://localhost%s/metrics", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		a.logger.Error("Metrics server failed", "error", err)
	}
}
