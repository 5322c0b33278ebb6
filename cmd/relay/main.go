// onionmesh relay: a single switchboard node that builds and forwards
// circuits, registering itself with a directory at startup.
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
	"time"

	"github.com/onionmesh/onionmesh/internal/config"
	"github.com/onionmesh/onionmesh/internal/logging"
	"github.com/onionmesh/onionmesh/internal/metrics"
	"github.com/onionmesh/onionmesh/internal/ratelimit"
	"github.com/onionmesh/onionmesh/pkg/directory"
	"github.com/onionmesh/onionmesh/pkg/onion"
	"github.com/onionmesh/onionmesh/pkg/switchboard"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version information")
	port := flag.Int("port", 0, "port to listen on, overrides config")
	directoryAddr := flag.String("directory", "", "directory address (ip:port), overrides config")
	flag.Parse()

	if *showVersion {
		println("onionmesh relay")
		println("version:", version)
		println("build time:", buildTime)
		println("git commit:", gitCommit)
		os.Exit(0)
	}

	log := logging.NewLogger(logging.LogConfig{
		Level:  getEnvOrDefault("ONIONMESH_LOG_LEVEL", "info"),
		Format: getEnvOrDefault("ONIONMESH_LOG_FORMAT", "json"),
	})
	log.Info().Str("version", version).Str("build_time", buildTime).Str("git_commit", gitCommit).Msg("starting onionmesh relay")

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load configuration")
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.Node.Port = *port
	}
	if *directoryAddr != "" {
		if host, portStr, err := net.SplitHostPort(*directoryAddr); err == nil {
			if p, err := strconv.Atoi(portStr); err == nil {
				cfg.Directory.IP = host
				cfg.Directory.Port = p
			}
		}
	}
	cfg.ApplyEnvironment()

	log.Info().
		Str("node_ip", cfg.Node.IP).
		Int("node_port", cfg.Node.Port).
		Str("directory", cfg.Directory.IP).
		Int("directory_port", cfg.Directory.Port).
		Msg("configuration loaded")

	mtr := metrics.NewPrometheusMetrics()

	km, err := onion.NewKeyManager(cfg.Node.KeyStorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize key manager")
	}
	defer km.Close()
	log.Info().Str("fingerprint", km.Fingerprint()).Msg("relay keys initialized")

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   cfg.RateLimit.CleanupInterval,
			BanDuration:       cfg.RateLimit.BanDuration,
			MaxViolations:     cfg.RateLimit.MaxViolations,
		})
		defer limiter.Stop()
	}

	node := switchboard.NewNode(km, switchboard.Config{
		MaxCircuits: cfg.Switch.MaxCircuits,
		DialTimeout: cfg.Switch.DialTimeout,
		IOTimeout:   cfg.Switch.IOTimeout,
		ExitTimeout: cfg.Exit.Timeout,
	}, log, mtr)
	node.SetLimiter(limiter)

	srv := switchboard.NewServer(node, limiter, log, mtr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := net.JoinHostPort(cfg.Node.IP, strconv.Itoa(cfg.Node.Port))
	go func() {
		if err := srv.ListenAndServe(ctx, addr); err != nil {
			log.Fatal().Err(err).Msg("switchboard server failed")
		}
	}()

	health := metrics.NewHealthChecker(version)
	health.RegisterCheck("key_manager", metrics.AlwaysHealthy("relay key loaded"))
	health.RegisterCheck("switchboard", metrics.CircuitCapacityCheck(node.Stats, cfg.Switch.MaxCircuits))
	health.RegisterCheck("memory", metrics.MemoryCheck(cfg.Node.MaxHeapBytes))

	if cfg.Metrics.Enabled {
		go serveMetrics(log, mtr, health, cfg.Metrics.Addr)
	}

	directoryAddrStr := net.JoinHostPort(cfg.Directory.IP, strconv.Itoa(cfg.Directory.Port))
	go registerWithDirectory(log, directoryAddrStr, onion.Descriptor{
		IP:     cfg.Node.IP,
		Port:   uint16(cfg.Node.Port),
		RSAExp: km.PublicExponent(),
		RSAMod: km.Modulus(),
	})

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

// registerWithDirectory publishes this relay's descriptor, retrying with
// backoff since the directory process may start after the relay.
func registerWithDirectory(log *logging.Logger, directoryAddr string, d onion.Descriptor) {
	client := directory.NewClient(directoryAddr)

	for attempt := 1; attempt <= 5; attempt++ {
		err := client.Register(d)
		if err == nil {
			log.Info().Str("directory", directoryAddr).Msg("registered with directory")
			return
		}
		if attempt == 5 {
			log.Error().Err(err).Msg("failed to register with directory after 5 attempts")
			return
		}
		time.Sleep(time.Duration(attempt) * 2 * time.Second)
	}
}

func serveMetrics(log *logging.Logger, mtr *metrics.PrometheusMetrics, health *metrics.HealthChecker, addr string) {
	log.Info().Str("addr", addr).Msg("metrics listening")
	mux := http.NewServeMux()
	mux.Handle("/metrics", mtr.Handler())
	mux.HandleFunc("/healthz", health.HealthHandler())
	mux.HandleFunc("/livez", health.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server failed")
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
