package common

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/khanghh/identcore/params"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func newHealthCheckMux(rdb redis.UniversalClient, db *gorm.DB, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := db.DB()
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		if err := sqlDB.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		if _, err := rdb.Ping(r.Context()).Result(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func StartHealthCheckServer(ctx context.Context, done chan struct{}, addr string, rdb redis.UniversalClient, db *gorm.DB, gatherer prometheus.Gatherer) {
	server := &http.Server{
		Addr:    addr,
		Handler: newHealthCheckMux(rdb, db, gatherer),
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), params.ShutdownGracePeriod)
		defer cancel()
		server.Shutdown(shutdownCtx)
		close(done)
	case err := <-serverErr:
		slog.Error("Health check server stopped", "error", err)
		close(done)
	}
}
