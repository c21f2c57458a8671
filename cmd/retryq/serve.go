package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dovewarden/retryq/internal/config"
	"github.com/dovewarden/retryq/internal/metrics"
	"github.com/dovewarden/retryq/internal/notify"
	"github.com/dovewarden/retryq/internal/queue"
	"github.com/dovewarden/retryq/internal/server"
	"github.com/dovewarden/retryq/internal/store"
	"github.com/dovewarden/retryq/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the workers draining the configured queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger := newLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger, prometheus.DefaultRegisterer, nil)
		},
	}
}

// serve runs until ctx is done. ready, if not nil, receives the bound API
// address once the listener is up.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer, ready chan<- string) error {
	logger.Info("retryq starting", "version", version, "log_level", parseLogLevel(cfg.LogLevel).String())
	logger.Info("Starting retryq",
		"http_addr", cfg.HTTPAddr,
		"metrics_addr", cfg.MetricsAddr,
		"redis_mode", cfg.RedisMode,
		"namespace", cfg.Namespace,
		"queue", cfg.Queue,
		"num_workers", cfg.NumWorkers,
		"webhook_url", cfg.WebhookURL,
	)

	m := metrics.New(reg)

	st, err := store.Open(ctx, store.Options{
		Mode:     cfg.RedisMode,
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	var notifier queue.DeadLetterSink
	if cfg.NATSURL != "" {
		natsCfg := notify.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Subject = cfg.NATSSubject
		pub, err := notify.NewNATSPublisher(natsCfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Error("error closing NATS connection", "error", err)
			}
		}()
		notifier = pub
		logger.Info("Publishing dead letters to NATS", "url", cfg.NATSURL, "subject", cfg.NATSSubject)
	}

	registry := server.NewRegistry(st.Client(), cfg.Namespace, queue.Options{
		RetryCount:  cfg.RetryCount,
		Logger:      logger,
		Metrics:     m,
		DeadLetters: notifier,
	})
	q, err := registry.Queue(cfg.Queue)
	if err != nil {
		return fmt.Errorf("invalid queue %q: %w", cfg.Queue, err)
	}

	pool := queue.NewWorkerPool(q, cfg.NumWorkers, logger)
	pool.SetDrainOptions(queue.DrainOptions{BatchSize: cfg.BatchSize})
	pool.SetPollInterval(cfg.PollInterval.Duration)
	if cfg.WebhookURL != "" {
		client := webhook.NewClient(cfg.WebhookURL, cfg.WebhookToken, cfg.WebhookTimeout.Duration)
		pool.SetHandler(queue.NewWebhookHandler(client, q.Key(), logger))
	} else {
		logger.Warn("No webhook configured; popped items are only logged")
	}
	pool.Start(ctx)

	apiSrv := server.New(cfg.HTTPAddr, registry, m, logger)
	apiHTTP := &http.Server{Addr: cfg.HTTPAddr, Handler: apiSrv.Handler()}

	var readyFlag uint32 // 0 = not ready, 1 = ready
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()

		if atomic.LoadUint32(&readyFlag) == 0 {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if err := st.HealthCheck(ctx); err != nil {
			http.Error(w, "store not healthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	metricsHTTP := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	// Bind both listeners before serving; mark ready only after bind success
	apiLn, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = pool.Stop(context.Background())
		return fmt.Errorf("failed to bind API listener on %s: %w", cfg.HTTPAddr, err)
	}
	metricsLn, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = apiLn.Close()
		_ = pool.Stop(context.Background())
		return fmt.Errorf("failed to bind metrics listener on %s: %w", cfg.MetricsAddr, err)
	}

	done := make(chan struct{}, 2)
	go func() {
		logger.Info("API HTTP server listening", "addr", apiLn.Addr().String())
		if err := apiHTTP.Serve(apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server error", "error", err)
		}
		done <- struct{}{}
	}()
	go func() {
		logger.Info("Metrics HTTP server listening", "addr", metricsLn.Addr().String())
		if err := metricsHTTP.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
		done <- struct{}{}
	}()

	atomic.StoreUint32(&readyFlag, 1)
	if ready != nil {
		ready <- apiLn.Addr().String()
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	// Graceful shutdown
	atomic.StoreUint32(&readyFlag, 0)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping worker pool", "error", err)
	}
	if err := apiHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down API server", "error", err)
	}
	if err := metricsHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down metrics server", "error", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			return nil
		}
	}
	totals := pool.Totals()
	logger.Info("retryq stopped", "cycles", totals.Cycles, "ok", totals.OK, "failed", totals.Failed, "dropped", totals.Dropped)
	return nil
}
