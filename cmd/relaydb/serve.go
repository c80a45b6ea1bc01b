package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/relaydb/pkg/dbmetrics"
	"github.com/cuemby/relaydb/pkg/kvstore/bolt"
	"github.com/cuemby/relaydb/pkg/rlog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve Prometheus metrics and a liveness endpoint",
	Long: `serve starts an HTTP server exposing /metrics (the process's
dbmetrics registry, via promhttp.Handler) and /healthz (a liveness check
reporting the store at --path is reachable), the same split a scrape
endpoint and a liveness probe conventionally use.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		path, _ := cmd.Flags().GetString("path")

		mux := http.NewServeMux()
		mux.Handle("/metrics", dbmetrics.Handler())
		mux.HandleFunc("/healthz", healthHandler(path))

		server := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		rlog.WithComponent("relaydb-serve").Info().Str("addr", addr).Msg("listening")
		return server.ListenAndServe()
	},
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:9090", "Address to serve /metrics and /healthz on")
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   uint64    `json:"schema_version,omitempty"`
}

func healthHandler(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		stats, err := bolt.Stat(path)
		resp := healthResponse{Status: "healthy", Timestamp: time.Now(), Version: stats.Version}
		status := http.StatusOK
		if err != nil {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
