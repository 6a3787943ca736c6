package app

import (
	"net"
	"net/http"
	"strings"
	"time"

	chatapi "libris/cmd/internal/chat/api"
	"libris/cmd/internal/realtime"
	"libris/cmd/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	metrics *telemetry.Metrics,
	ws *realtime.WSGateway,
	api *chatapi.Handler,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	if api != nil {
		api.Register(mux)
	}

	if ws != nil {
		mux.HandleFunc("GET /ws", ws.HandleWS)
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
