// Command gateway is the multi-upstream reverse proxy entry point. It wires
// config.Manager, applog, metrics, and internal/gateway.Gateway into one
// http.Server, the way a cmd/server entry point wires
// internal/config and internal/proxy together.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keyport/gateway/internal/applog"
	"github.com/keyport/gateway/internal/config"
	"github.com/keyport/gateway/internal/gateway"
	"github.com/keyport/gateway/internal/metrics"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: could not load .env file (%v), using system environment", err)
	}

	cfgPath := flag.String("config", envOr("GATEWAY_CONFIG_FILE", "configs/config.yaml"), "path to the gateway config document")
	flag.Parse()

	mgr, err := config.NewManager(*cfgPath)
	if err != nil {
		log.Fatalf("load config %q: %v", *cfgPath, err)
	}
	snap := mgr.Current()

	applog.Configure(snap.Server.Log.Level, snap.Server.Log.Development, applog.LokiConfig{
		Enabled: snap.Server.Log.Loki.Enabled,
		URL:     snap.Server.Log.Loki.URL,
		Labels:  snap.Server.Log.Loki.Labels,
	})
	metrics.StartUptimeReporter()

	gw, err := gateway.New(snap)
	if err != nil {
		log.Fatalf("build gateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(snap.Server.HealthzPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(snap.Server.MetricsPath, promhttp.Handler())
	mux.Handle("/", applog.WithRequestID(gw))

	drain := time.Duration(snap.Server.ShutdownDrainSeconds) * time.Second
	if drain <= 0 {
		drain = 10 * time.Second
	}

	srv := &http.Server{
		Addr:         snap.Server.Listen,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // proxied responses may stream for as long as the upstream does
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		applog.L().Sugar().Infof("gateway listening on %s (tls=%v)", snap.Server.Listen, snap.Server.TLS.Enabled)
		serveErr <- startServer(&snap.Server, srv)
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	case <-ctx.Done():
		applog.L().Sugar().Info("shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
		gw.CloseAll()
		<-serveErr
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
