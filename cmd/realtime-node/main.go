// Command realtime-node runs one instance of the event-distribution core:
// it ingests events from the durable log, fans them out to local and remote
// connections, and serves the SSE/WebSocket endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	realtime "github.com/mopl/realtime"
)

func main() {
	var (
		addr          = flag.String("addr", envOr("LISTEN_ADDR", ":8080"), "HTTP listen address")
		redisAddr     = flag.String("redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis server address")
		redisPassword = flag.String("redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
		natsURL       = flag.String("nats-url", envOr("NATS_URL", ""), "NATS server URL (empty disables ingestion)")
		stream        = flag.String("stream", envOr("EVENT_STREAM", "EVENTS"), "JetStream stream name")
		subjects      = flag.String("subjects", envOr("EVENT_SUBJECTS", ""), "comma-separated subject filters")
		instanceID    = flag.String("instance-id", os.Getenv("INSTANCE_ID"), "instance id (empty generates one)")
		logLevel      = flag.String("log-level", envOr("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	)
	flag.Parse()

	log := newLogger(*logLevel)
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cfg := realtime.Config{
		InstanceID:    *instanceID,
		RedisAddr:     *redisAddr,
		RedisPassword: *redisPassword,
		NATSURL:       *natsURL,
		Stream:        *stream,
		Logger:        log,
		Registerer:    reg,
	}
	if *subjects != "" {
		cfg.Subjects = strings.Split(*subjects, ",")
	}

	node, err := realtime.New(cfg)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		log.Error("node start failed", "error", err)
		node.Close()
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/", node.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:        *addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: SSE responses stay open indefinitely.
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", "addr", *addr, "instanceId", node.InstanceID())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server failed", "error", err)
	}

	if err := node.Close(); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
