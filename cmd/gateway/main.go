package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/application"
	"github.com/modelgate/modelgate/internal/domain/queue"
	"github.com/modelgate/modelgate/internal/domain/scan"
	"github.com/modelgate/modelgate/internal/infrastructure/backend"
	"github.com/modelgate/modelgate/internal/infrastructure/cache"
	"github.com/modelgate/modelgate/internal/infrastructure/config"
	"github.com/modelgate/modelgate/internal/infrastructure/eventbus"
	"github.com/modelgate/modelgate/internal/infrastructure/logger"
	"github.com/modelgate/modelgate/internal/infrastructure/monitoring"
	httpserver "github.com/modelgate/modelgate/internal/interfaces/http"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "modelgate",
		Short: "Policy-enforcing reverse proxy for Ollama-style LLM backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadFrom(path)
			if err != nil {
				return err
			}
			parallel, _ := cfg.ParallelLimit()
			if parallel == 0 {
				parallel = queue.AutoParallel()
			}
			fmt.Printf("config ok: backend=%s parallel_limit=%d queue_limit=%d\n",
				cfg.Backend.URL, parallel, cfg.Queue.QueueLimit)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("modelgate", version)
		},
	}

	root.AddCommand(serveCmd, checkCmd, versionCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.NewInMemoryBus(log, 512)
	defer bus.Close()

	metrics := monitoring.NewMetrics()
	metrics.SubscribeTo(bus)

	inputCache, outputCache, err := buildCaches(ctx, cfg, log)
	if err != nil {
		return err
	}

	registry := scan.NewRegistry()
	inputPipe, err := buildPipeline("input", cfg.Guard.InputEnabled, cfg.Guard.InputScanners, registry, inputCache, cfg, log)
	if err != nil {
		return err
	}
	outputPipe, err := buildPipeline("output", cfg.Guard.OutputEnabled, cfg.Guard.OutputScanners, registry, outputCache, cfg, log)
	if err != nil {
		return err
	}

	parallel, _ := cfg.ParallelLimit()
	if parallel == 0 {
		parallel = queue.AutoParallel()
		log.Info("Parallel limit auto-sized from host memory", zap.Int("parallel_limit", parallel))
	}
	queues := queue.NewManager(queue.Limits{Parallel: parallel, Queue: cfg.Queue.QueueLimit}, log)
	applyModelLimits(queues, cfg.Queue.Models)

	backendClient := backend.New(cfg.Backend.URL, backend.Config{
		Timeout:             time.Duration(cfg.RequestTimeoutSec) * time.Second,
		MaxIdleConns:        cfg.Backend.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Backend.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.Backend.MaxConnsPerHost,
		IdleConnTimeout:     time.Duration(cfg.Backend.IdleConnTimeoutSec) * time.Second,
	}, log)

	engine := application.NewEngine(queues, backendClient, inputPipe, outputPipe, bus, application.Options{
		RequestTimeout:    time.Duration(cfg.RequestTimeoutSec) * time.Second,
		DetectLanguage:    cfg.Language.DetectionEnabled,
		HideScannerDetail: cfg.Admin.HideScannerDetail,
		Mediator: application.MediatorOptions{
			ScanBytes:      cfg.Stream.ScanBytes,
			ScanInterval:   time.Duration(cfg.Stream.ScanMs) * time.Millisecond,
			MaxBufferBytes: cfg.Stream.MaxBufferBytes,
		},
	}, log)

	server := httpserver.NewServer(
		httpserver.Config{Host: cfg.Listen.Host, Port: cfg.Listen.Port, Mode: cfg.Listen.Mode},
		httpserver.Deps{
			Engine:         engine,
			Backend:        backendClient,
			Queues:         queues,
			Caches:         map[string]cache.Store{"input": inputCache, "output": outputCache},
			Bus:            bus,
			MetricsHandler: metrics.Handler(),
			ConfigView:     func() any { return cfg.Redacted() },
			AllowList:      cfg.AllowList,
			ScanEmbeddings: cfg.Guard.ScanEmbeddings,
		},
		log,
	)

	// Hot-reload: only the runtime-tunable settings are reapplied.
	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, func(next *config.Config) {
			applyModelLimits(queues, next.Queue.Models)
			server.SetAllowList(next.AllowList)
		}, log)
		if err != nil {
			log.Warn("Config hot-reload unavailable", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	if err := server.Start(ctx); err != nil {
		return err
	}
	log.Info("Gateway started",
		zap.String("version", version),
		zap.String("backend", cfg.Backend.URL),
		zap.Int("parallel_limit", parallel),
		zap.Int("queue_limit", cfg.Queue.QueueLimit),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}
	return nil
}

// buildCaches creates one verdict store per scan stage. Input and output
// pipelines run different scanner sets, so their verdicts never share keys.
func buildCaches(ctx context.Context, cfg *config.Config, log *zap.Logger) (input, output cache.Store, err error) {
	ttl := time.Duration(cfg.Cache.TTLSec) * time.Second
	if cfg.Cache.Backend == "external" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			DB:       cfg.Cache.RedisDB,
			Password: cfg.Cache.RedisPass,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Cache.RedisAddr, err)
		}
		input = cache.NewRedisCache(client, cfg.Cache.KeyPrefix+"input:", ttl, log)
		output = cache.NewRedisCache(client, cfg.Cache.KeyPrefix+"output:", ttl, log)
		return input, output, nil
	}
	input = cache.NewMemoryCache(ctx, ttl, cfg.Cache.MaxEntries, log)
	output = cache.NewMemoryCache(ctx, ttl, cfg.Cache.MaxEntries, log)
	return input, output, nil
}

// buildPipeline assembles one scan stage from its configured scanner list.
func buildPipeline(stage string, enabled bool, scanners []config.ScannerConfig, registry *scan.Registry, store cache.Store, cfg *config.Config, log *zap.Logger) (*scan.Pipeline, error) {
	if !enabled || len(scanners) == 0 {
		return nil, nil
	}
	built := make([]scan.Scanner, 0, len(scanners))
	for _, sc := range scanners {
		s, err := registry.Build(sc.Name, sc.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s scanner %q: %w", stage, sc.Name, err)
		}
		built = append(built, s)
	}
	return scan.NewPipeline(stage, built, store, scan.Options{
		Policy:       scan.Policy(cfg.Guard.ScanPolicy),
		ScanTimeout:  time.Duration(cfg.Guard.ScanTimeoutSec) * time.Second,
		BlockOnError: cfg.Guard.BlockOnScannerError,
	}, log), nil
}

// applyModelLimits pushes per-model overrides into the queue manager.
func applyModelLimits(queues *queue.Manager, models map[string]config.ModelLimits) {
	for model, limits := range models {
		var parallel, queueLimit *int
		if limits.ParallelLimit >= 1 {
			p := limits.ParallelLimit
			parallel = &p
		}
		if limits.QueueLimit >= 0 {
			q := limits.QueueLimit
			queueLimit = &q
		}
		queues.Reconfigure(model, parallel, queueLimit)
	}
}
