// Package main wires together the harvester service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/analyzer"
	"github.com/eventpulse/harvester/internal/api"
	"github.com/eventpulse/harvester/internal/breaker"
	"github.com/eventpulse/harvester/internal/clock/system"
	"github.com/eventpulse/harvester/internal/config"
	"github.com/eventpulse/harvester/internal/discovery"
	"github.com/eventpulse/harvester/internal/extract"
	"github.com/eventpulse/harvester/internal/fetcher"
	headlessfetcher "github.com/eventpulse/harvester/internal/fetcher/headless"
	staticfetcher "github.com/eventpulse/harvester/internal/fetcher/static"
	"github.com/eventpulse/harvester/internal/geocode"
	"github.com/eventpulse/harvester/internal/healer"
	"github.com/eventpulse/harvester/internal/llm"
	"github.com/eventpulse/harvester/internal/logging"
	"github.com/eventpulse/harvester/internal/metrics"
	"github.com/eventpulse/harvester/internal/pipeline"
	pubmemory "github.com/eventpulse/harvester/internal/publisher/memory"
	pubgcp "github.com/eventpulse/harvester/internal/publisher/pubsub"
	"github.com/eventpulse/harvester/internal/ratelimit"
	"github.com/eventpulse/harvester/internal/storage/gcs"
	"github.com/eventpulse/harvester/internal/storage/local"
	"github.com/eventpulse/harvester/internal/storage/memory"
	"github.com/eventpulse/harvester/internal/storage/postgres"
	"github.com/eventpulse/harvester/internal/worker"
)

// stores groups the persistence interfaces so the memory and Postgres
// wirings stay symmetrical.
type stores struct {
	queue    pipeline.QueueStore
	sources  pipeline.SourceStore
	breakers pipeline.BreakerStore
	archive  pipeline.FetchArchive
	catalog  pipeline.CatalogStore
	geoCache pipeline.GeocodeCache
	audits   pipeline.SelectorAuditStore
	failures pipeline.FailureLog
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()

	st, cleanup, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer cleanup()

	blobs, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	publisher := buildPublisher(ctx, cfg, logger)

	gen := buildGenerator(cfg, logger)
	rules := extract.NewRules(logger.Named("rules"))
	var ai pipeline.Extractor
	var heal *healer.Healer
	if gen != nil {
		ai = extract.NewAI(gen, logger.Named("ai"))
		heal = healer.New(gen, st.sources, st.audits, clock, logger.Named("healer"))
	} else {
		logger.Warn("no text-generation credentials, running rules-only extraction")
	}
	extractor := extract.NewService(ai, rules, logger.Named("extract"))

	geocoder := geocode.NewResolver(
		geocode.NewRegistry(nil),
		st.geoCache,
		geocode.NewNominatimClient(cfg.Geocode.BaseURL, cfg.Geocode.UserAgent),
		clock,
		logger.Named("geocode"),
	)

	brk := breaker.New(st.breakers, clock, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		BaseCooldown:     time.Duration(cfg.Breaker.BaseCooldownMin) * time.Minute,
		MaxCooldown:      time.Duration(cfg.Breaker.MaxCooldownHours) * time.Hour,
	}, logger.Named("breaker"))

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPM:        cfg.RateLimit.DefaultRPM,
		DefaultBurst:      cfg.RateLimit.DefaultBurst,
		DefaultConcurrent: cfg.RateLimit.DefaultConcurrent,
	}, clock)

	coordinator := discovery.New(st.sources, st.queue, publisher, clock, cfg.PubSub.DiscoveryTopic, logger.Named("discovery"))

	workerDeps := worker.Deps{
		Queue:     st.queue,
		Sources:   st.sources,
		Breaker:   brk,
		Limiter:   limiter,
		Fetcher:   buildFetchChain(cfg, logger),
		Analyzer:  analyzer.New(0),
		Extractor: extractor,
		Healer:    heal,
		Geocoder:  geocoder,
		Archive:   st.archive,
		Blobs:     blobs,
		Catalog:   st.catalog,
		Failures:  st.failures,
		Publisher: publisher,
		Clock:     clock,
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Pipeline.Workers; i++ {
		w := worker.New(workerDeps, worker.Config{
			WorkerID:         fmt.Sprintf("%s-%d", hostname(), i),
			BatchSize:        cfg.Pipeline.BatchSize,
			PollInterval:     cfg.PollInterval(),
			ClaimTimeout:     cfg.ClaimTimeout(),
			MaxFailures:      cfg.Pipeline.MaxFailures,
			BlobPrefix:       cfg.Storage.Prefix,
			ContentType:      cfg.Storage.ContentType,
			IndexedTopic:     cfg.PubSub.IndexedTopic,
			VectorTopic:      cfg.PubSub.VectorTopic,
			GeoRetryInterval: time.Duration(cfg.Pipeline.GeoRetryMinutes) * time.Minute,
		}, logger.Named("worker").With(zap.Int("index", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	apiServer := api.NewServer(st.queue, st.sources, coordinator, clock, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	logger.Info("shutdown complete")
}

func buildStores(ctx context.Context, cfg config.Config) (stores, func(), error) {
	if cfg.DB.DSN == "" {
		clock := system.New()
		return stores{
			queue:    memory.NewQueueStore(clock),
			sources:  memory.NewSourceStore(),
			breakers: memory.NewBreakerStore(),
			archive:  memory.NewFetchArchive(),
			catalog:  memory.NewCatalogStore(),
			geoCache: memory.NewGeocodeCache(),
			audits:   memory.NewAuditLog(),
			failures: memory.NewFailureLog(),
		}, func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return stores{}, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return stores{
		queue:    postgres.NewQueueStore(pool),
		sources:  postgres.NewSourceStore(pool),
		breakers: postgres.NewBreakerStore(pool),
		archive:  postgres.NewArchiveStore(pool),
		catalog:  postgres.NewCatalogStore(pool),
		geoCache: postgres.NewGeocodeCacheStore(pool),
		audits:   postgres.NewAuditStore(pool),
		failures: postgres.NewFailureLogStore(pool),
	}, pool.Close, nil
}

// poolConfig narrows the config ints to the pool's int32 sizing fields.
func poolConfig(cfg config.Config) postgres.Config {
	return postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxConns),
		MinConns: int32(cfg.DB.MinConns),
	}
}

func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.BlobStore, error) {
	if cfg.Storage.GCSBucket != "" {
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	}
	logger.Info("using local blob store", zap.String("dir", cfg.Storage.LocalDir))
	return local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) pipeline.Publisher {
	if cfg.PubSub.ProjectID == "" {
		logger.Info("no pubsub project configured, using in-memory publisher")
		return pubmemory.New()
	}
	pub, err := newPubSubPublisher(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Warn("pubsub init failed, falling back to in-memory publisher", zap.Error(err))
		return pubmemory.New()
	}
	return pub
}

func newPubSubPublisher(ctx context.Context, projectID string) (pipeline.Publisher, error) {
	client, err := gpubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return pubgcp.New(client), nil
}

func buildGenerator(cfg config.Config, logger *zap.Logger) pipeline.TextGenerator {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil
	}
	return llm.New(llm.Config{
		APIKey:     apiKey,
		Model:      cfg.LLM.Model,
		MaxRetries: cfg.LLM.MaxRetries,
	}, logger.Named("llm"))
}

func buildFetchChain(cfg config.Config, logger *zap.Logger) pipeline.Fetcher {
	strategies := map[pipeline.FetchStrategy]pipeline.Fetcher{
		pipeline.StrategyStatic: staticfetcher.New(staticfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			RespectRobots: true,
			Timeout:       time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		}),
	}
	if cfg.Fetch.HeadlessEnabled {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Fetch.HeadlessMax,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Fetch.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			strategies[pipeline.StrategyHeadless] = headless
		}
		if cfg.Fetch.AntiBotProxyURL != "" {
			antiBot, err := headlessfetcher.NewAntiBot(headlessfetcher.Config{
				MaxParallel:       cfg.Fetch.HeadlessMax,
				UserAgent:         cfg.Fetch.UserAgent,
				NavigationTimeout: time.Duration(cfg.Fetch.NavTimeoutSec) * time.Second,
				ProxyServer:       cfg.Fetch.AntiBotProxyURL,
			})
			if err != nil {
				logger.Warn("anti-bot fetcher init failed", zap.Error(err))
			} else {
				strategies[pipeline.StrategyAntiBot] = antiBot
			}
		}
	}
	return fetcher.NewChain(strategies, time.Duration(cfg.Fetch.TimeoutSeconds)*time.Second, logger.Named("fetch"))
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "harvester"
	}
	return name
}
