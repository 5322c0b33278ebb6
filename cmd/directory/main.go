// onionmesh directory: the trusted, unauthenticated relay registry.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/onionmesh/onionmesh/internal/logging"
	"github.com/onionmesh/onionmesh/internal/metrics"
	"github.com/onionmesh/onionmesh/pkg/directory"
)

var version = "0.1.0"

func main() {
	ip := flag.String("ip", "0.0.0.0", "ip to listen on")
	port := flag.Int("port", 9000, "port to listen on")
	metricsAddr := flag.String("metrics", "0.0.0.0:9100", "metrics/health listen address")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		println("onionmesh directory")
		println("version:", version)
		os.Exit(0)
	}

	log := logging.NewLogger(logging.LogConfig{
		Level:  getEnvOrDefault("ONIONMESH_LOG_LEVEL", "info"),
		Format: getEnvOrDefault("ONIONMESH_LOG_FORMAT", "json"),
	})
	log.Info().Str("version", version).Msg("starting onionmesh directory")

	mtr := metrics.NewPrometheusMetrics()
	srv := directory.NewServer(log, mtr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := net.JoinHostPort(*ip, strconv.Itoa(*port))
	go func() {
		if err := srv.ListenAndServe(ctx, addr); err != nil {
			log.Fatal().Err(err).Msg("directory server failed")
		}
	}()

	health := metrics.NewHealthChecker(version)
	health.RegisterCheck("registry", metrics.DirectoryRegistryCheck(srv.Size))

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mtr.Handler())
		mux.HandleFunc("/healthz", health.HealthHandler())
		log.Info().Str("addr", *metricsAddr).Msg("metrics listening")
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
	if err := srv.Shutdown(); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("stopped")
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
