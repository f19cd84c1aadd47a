// Command eventgovd runs the event-ingestion and governance subsystem as a
// standalone process: it loads configuration, wires storage and the domain
// services, starts the internal cron scheduler, and serves a Prometheus
// metrics endpoint until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cn-equity-research/eventgov/internal/app/metrics"
	"github.com/cn-equity-research/eventgov/internal/app/runtime"
	"github.com/cn-equity-research/eventgov/internal/config"
	"github.com/cn-equity-research/eventgov/pkg/version"
)

func main() {
	metricsAddr := flag.String("metrics-addr", "", "HTTP listen address for the /metrics endpoint (defaults to :9090)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.FullVersion())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	app, err := runtime.New(ctx, cfg)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	addr := resolveMetricsAddr(*metricsAddr)
	server := &http.Server{Addr: addr, Handler: metrics.InstrumentHandler(metrics.Handler())}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Log.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	app.Log.WithField("metrics_addr", addr).Info("event governance service started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	if err := app.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func resolveMetricsAddr(flagAddr string) string {
	if flagAddr != "" {
		return flagAddr
	}
	if env := os.Getenv("METRICS_ADDR"); env != "" {
		return env
	}
	return ":9090"
}
