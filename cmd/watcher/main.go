package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/menagerie-labs/chainwatch/api"
	"github.com/menagerie-labs/chainwatch/client"
	"github.com/menagerie-labs/chainwatch/internal/config"
	"github.com/menagerie-labs/chainwatch/internal/logger"
	"github.com/menagerie-labs/chainwatch/pkg/attribution"
	"github.com/menagerie-labs/chainwatch/pkg/bus"
	"github.com/menagerie-labs/chainwatch/pkg/dedup"
	"github.com/menagerie-labs/chainwatch/pkg/notify"
	"github.com/menagerie-labs/chainwatch/pkg/retry"
	"github.com/menagerie-labs/chainwatch/pkg/scan"
	"github.com/menagerie-labs/chainwatch/pkg/store"
	"github.com/menagerie-labs/chainwatch/pkg/watch"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		rpcEndpoint = flag.String("rpc", "", "Ledger RPC endpoint URL")
		dbPath      = flag.String("db", "", "Database path")
		registry    = flag.String("registry", "", "Game registry contract address")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		apiHost     = flag.String("api-host", "", "Control API host")
		apiPort     = flag.Int("api-port", 0, "Control API port")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("chainwatch version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadFromFile(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *rpcEndpoint, *dbPath, *registry, *logLevel, *logFormat, *apiHost, *apiPort)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting chainwatch",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("rpc_endpoint", cfg.RPC.Endpoint),
		zap.String("db_path", cfg.Database.Path),
		zap.String("registry", cfg.Registry.Address),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	rpcClient, err := client.NewClient(ctx, &client.Config{
		Endpoint:          cfg.RPC.Endpoint,
		Timeout:           cfg.RPC.Timeout,
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		Burst:             cfg.RPC.Burst,
		Retry: retry.Policy{
			MaxAttempts: cfg.RPC.MaxAttempts,
			BaseDelay:   cfg.RPC.BaseDelay,
			MaxDelay:    cfg.RPC.MaxDelay,
		},
		Logger: log,
	})
	if err != nil {
		log.Fatal("failed to connect to ledger RPC", zap.Error(err))
	}
	defer rpcClient.Close()

	registryAddress := common.HexToAddress(cfg.Registry.Address)
	gameRegistry, err := client.NewRegistry(rpcClient, registryAddress, log)
	if err != nil {
		log.Fatal("failed to bind game registry", zap.Error(err))
	}

	kv, err := store.NewPebbleStore(&store.PebbleConfig{Path: cfg.Database.Path})
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Error("failed to close database", zap.Error(err))
		}
	}()
	subscribers := store.NewSubscriberStore(kv, log)

	scanner := scan.NewScanner(rpcClient, scan.Config{
		Registry:  registryAddress,
		BatchSize: cfg.Watcher.BatchSize,
	}, log)

	resolver := attribution.NewResolver(gameRegistry,
		attribution.NewCache(cfg.Attribution.CacheTTL, 0),
		attribution.Config{
			RegistryAddress: registryAddress,
			LiveProbeCap:    cfg.Attribution.LiveProbeCap,
			BackscanWindow:  cfg.Attribution.BackscanWindow,
		}, log)
	pending := attribution.NewPendingQueue(cfg.Attribution.MaxAttempts, cfg.Attribution.RetryBaseDelay)

	sink, err := buildSink(cfg, log)
	if err != nil {
		log.Fatal("failed to build notification sink", zap.Error(err))
	}

	stream := bus.NewLocalBus(cfg.Bus.StreamBuffer, log)
	publisher, err := buildPublisher(ctx, cfg, stream, log)
	if err != nil {
		log.Fatal("failed to build notification bus", zap.Error(err))
	}
	// Fanout.Close also closes the local stream.
	defer publisher.Close()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	controller, err := watch.NewController(watch.Config{
		PollInterval:    cfg.Watcher.PollInterval,
		BackfillWindow:  cfg.Watcher.BackfillWindow,
		BackfillRowCap:  cfg.Watcher.BackfillRowCap,
		EventTTLBlocks:  cfg.Dedup.EventTTLBlocks,
		StickyTTLBlocks: cfg.Dedup.StickyTTLBlocks,
		OnExhausted:     watch.ExhaustedPolicy(cfg.Attribution.OnExhausted),
	}, watch.Deps{
		Head:     rpcClient,
		Scanner:  scanner,
		Resolver: resolver,
		Pending:  pending,
		Dedup:    dedup.NewCache(cfg.Dedup.MaxEntries),
		Store:    subscribers,
		Hydrator: &registryHydrator{registry: gameRegistry},
		Sink:     sink,
		Bus:      publisher,
		Registry: promRegistry,
		Logger:   log,
	})
	if err != nil {
		log.Fatal("failed to build watcher controller", zap.Error(err))
	}
	defer controller.Stop()

	if err := controller.Resume(ctx); err != nil {
		log.Fatal("failed to resume enabled subscribers", zap.Error(err))
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiConfig := api.DefaultConfig()
		apiConfig.Host = cfg.API.Host
		apiConfig.Port = cfg.API.Port

		apiServer, err = api.NewServer(apiConfig, controller, log, &api.ServerOptions{
			Stream:   stream,
			Gatherer: promRegistry,
		})
		if err != nil {
			log.Fatal("failed to create control API", zap.Error(err))
		}
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("control API failed", zap.Error(err))
			}
		}()
	}

	sig := <-sigChan
	log.Info("received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error("failed to stop control API gracefully", zap.Error(err))
		}
	}

	controller.Stop()
	log.Info("chainwatch stopped")
}

// registryHydrator adapts the on-chain registry to the card hydration the
// controller needs.
type registryHydrator struct {
	registry *client.Registry
}

func (h *registryHydrator) EntityDetail(ctx context.Context, entityID uint64) (notify.EntityDetail, error) {
	info, err := h.registry.GetCompanion(ctx, entityID)
	if err != nil {
		return notify.EntityDetail{}, err
	}
	return notify.EntityDetail{
		ID:      info.ID,
		Species: info.Species,
		Level:   info.Level,
		Name:    info.Name,
	}, nil
}

// buildSink selects the webhook sink when configured and falls back to the
// log sink otherwise.
func buildSink(cfg *config.Config, log *zap.Logger) (notify.Sink, error) {
	if !cfg.Webhook.Enabled {
		return notify.NewLogSink(log), nil
	}
	return notify.NewWebhookSink(&notify.WebhookConfig{
		URL:             cfg.Webhook.URL,
		Secret:          cfg.Webhook.Secret,
		Timeout:         cfg.Webhook.Timeout,
		AllowedHosts:    cfg.Webhook.AllowedHosts,
		SignatureHeader: cfg.Webhook.SignatureHeader,
	}, log)
}

// buildPublisher fans envelopes out to the local stream plus any configured
// external brokers.
func buildPublisher(ctx context.Context, cfg *config.Config, stream *bus.LocalBus, log *zap.Logger) (*bus.Fanout, error) {
	publishers := []bus.Publisher{stream}

	if cfg.Bus.Kafka.Enabled {
		kafka, err := bus.NewKafkaPublisher(&bus.KafkaConfig{
			Brokers: cfg.Bus.Kafka.Brokers,
			Topic:   cfg.Bus.Kafka.Topic,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		publishers = append(publishers, kafka)
	}

	if cfg.Bus.Redis.Enabled {
		redis, err := bus.NewRedisPublisher(ctx, &bus.RedisConfig{
			Addr:     cfg.Bus.Redis.Addr,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
			Channel:  cfg.Bus.Redis.Channel,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("redis publisher: %w", err)
		}
		publishers = append(publishers, redis)
	}

	return bus.NewFanout(log, publishers...), nil
}

// applyFlags applies command-line overrides to the loaded configuration.
func applyFlags(cfg *config.Config, rpcEndpoint, dbPath, registry, logLevel, logFormat, apiHost string, apiPort int) {
	if rpcEndpoint != "" {
		cfg.RPC.Endpoint = rpcEndpoint
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if registry != "" {
		cfg.Registry.Address = registry
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if apiHost != "" {
		cfg.API.Host = apiHost
	}
	if apiPort > 0 {
		cfg.API.Port = apiPort
	}
}
