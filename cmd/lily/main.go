// Command lily runs the metadata event pipeline as a single process:
// inbound incident normalization, versioned metadata writes, change
// detection, rule derivation and fan-out delivery.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/metagov-labs/lily/pkg/change"
	"github.com/metagov-labs/lily/pkg/config"
	"github.com/metagov-labs/lily/pkg/deadletter"
	"github.com/metagov-labs/lily/pkg/dedup"
	"github.com/metagov-labs/lily/pkg/dispatch"
	"github.com/metagov-labs/lily/pkg/enrich"
	"github.com/metagov-labs/lily/pkg/inbound"
	"github.com/metagov-labs/lily/pkg/metastore"
	"github.com/metagov-labs/lily/pkg/observability"
	"github.com/metagov-labs/lily/pkg/pipeline"
	"github.com/metagov-labs/lily/pkg/queue"
	"github.com/metagov-labs/lily/pkg/retry"
	"github.com/metagov-labs/lily/pkg/rules"
	"github.com/metagov-labs/lily/pkg/tenants"
	"github.com/metagov-labs/lily/pkg/writer"
)

func main() {
	var (
		configPath string
		ingestPath string
		tenantID   string
		replayID   string
	)
	flag.StringVar(&configPath, "config", "lily.yaml", "path to the pipeline config file")
	flag.StringVar(&ingestPath, "ingest", "", "newline-delimited webhook file to feed the boundary, \"-\" for stdin")
	flag.StringVar(&tenantID, "tenant", "", "tenant id for ingested webhooks")
	flag.StringVar(&replayID, "replay", "", "dead-letter item id to resubmit to its stage queue before starting")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "lily",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	store, ledger, letters, cleanup, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer cleanup()

	events, deliveries, err := openQueues(cfg)
	if err != nil {
		log.Fatalf("open queues: %v", err)
	}

	if replayID != "" {
		// Write-stage items hold encoded envelopes, dispatch-stage items hold
		// serialized rules; both resubmit to the queue they came from. The
		// running workers pick the item up like any other message.
		replayer := deadletter.NewReplayer(letters, map[string]deadletter.Enqueuer{
			deadletter.StageWrite:    events,
			deadletter.StageDispatch: deliveries,
		})
		if err := replayer.Replay(ctx, replayID); err != nil {
			log.Fatalf("replay %s: %v", replayID, err)
		}
		logger.Info("dead-letter item requeued", "id", replayID)
	}

	templates, err := rules.LoadTemplates(cfg.Templates)
	if err != nil {
		log.Fatalf("load rule templates: %v", err)
	}

	registry := tenants.NewRegistry()
	for _, seed := range cfg.Tenants {
		registry.RegisterTenant(seed.ID, seed.Name)
		for _, ts := range seed.Targets {
			if err := registry.RegisterTarget(&tenants.Target{
				TargetID:       ts.TargetID,
				TenantID:       seed.ID,
				Kind:           ts.Kind,
				EndpointConfig: ts.EndpointConfig,
				Enabled:        ts.Enabled,
			}); err != nil {
				log.Fatalf("seed target %s: %v", ts.TargetID, err)
			}
		}
	}

	enricher := enrich.NewEnricher(store)
	w := writer.New(store, enricher)

	wm := change.NewWatermark(cfg.Change.WatermarkTTL.Std())
	detector := change.NewDetector(store, ledger, wm, "outbound", cfg.Change.RelevantAttributes)
	transformer := rules.NewTransformer(templates)

	connectors := dispatch.NewRegistry()
	connectors.Register(dispatch.NewLoopback("loopback"))

	coordinator := retry.NewCoordinator(letters).
		WithPolicy(retry.Policy{
			Base:       cfg.Retry.BackoffBase.Std(),
			Multiplier: cfg.Retry.Multiplier,
			Cap:        cfg.Retry.BackoffCap.Std(),
			Jitter:     cfg.Retry.Jitter,
		}).
		WithMaxAttempts(cfg.Retry.MaxAttempts)

	dispatcher := dispatch.NewDispatcher(registry, connectors, coordinator, wm).
		WithTimeout(cfg.Dispatch.Timeout.Std()).
		WithBreaker(cfg.Dispatch.BreakerThreshold, cfg.Dispatch.BreakerReset.Std())
	if cfg.Dispatch.RatePerSecond > 0 {
		dispatcher.WithRateLimit(rate.Limit(cfg.Dispatch.RatePerSecond), cfg.Dispatch.RateBurst)
	}

	normalizer, err := inbound.NewNormalizer(cfg.Source)
	if err != nil {
		log.Fatalf("init normalizer: %v", err)
	}
	boundary := inbound.NewBoundary(normalizer, events, letters)
	if ingestPath != "" {
		if tenantID == "" {
			log.Fatal("-ingest requires -tenant")
		}
		go ingestFrom(ctx, boundary, ingestPath, tenantID, logger)
	}

	p := pipeline.New(pipeline.Deps{
		Events:     events,
		Deliveries: deliveries,
		Ledger:     ledger,
		Store:      store,
		Enricher:   enricher,
		Writer:     w,
		Detector:   detector,
		Transform:  transformer,
		Dispatcher: dispatcher,
		Letters:    letters,
		Telemetry:  telemetry,
	}, pipeline.Options{
		InboundWorkers:     cfg.Workers.Inbound,
		DeliveryWorkers:    cfg.Workers.Outbound,
		PollInterval:       cfg.Change.PollInterval.Std(),
		BatchSize:          cfg.Change.BatchSize,
		MaxInboundAttempts: cfg.Retry.MaxAttempts,
	})

	logger.Info("lily starting",
		"store", cfg.Store.Backend, "queue", cfg.Queue.Backend,
		"tenants", len(cfg.Tenants), "templates", len(templates))

	p.Run(ctx)
	logger.Info("lily stopped")
}

// openStores builds the metadata store, dedup ledger and dead-letter store
// for the configured backend. Both ledgers and quarantine share the metadata
// database.
func openStores(ctx context.Context, cfg *config.Config) (metastore.Store, dedup.Ledger, deadletter.Store, func(), error) {
	switch cfg.Store.Backend {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Store.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		store, err := metastore.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		ledger, err := dedup.NewSQLiteLedger(db, cfg.Dedup.Retention.Std())
		if err != nil {
			return nil, nil, nil, nil, err
		}
		letters, err := deadletter.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return store, ledger, letters, func() { _ = db.Close() }, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.Store.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := metastore.NewPostgresStore(db)
		// The dedup ledger and quarantine stay on an embedded sqlite file
		// unless redis is configured; postgres deployments typically pair
		// with the redis queue backend.
		side, err := sql.Open("sqlite", "file:lily-side.db")
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open side sqlite: %w", err)
		}
		ledger, err := dedup.NewSQLiteLedger(side, cfg.Dedup.Retention.Std())
		if err != nil {
			return nil, nil, nil, nil, err
		}
		letters, err := deadletter.NewSQLiteStore(side)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		cleanup := func() { _ = db.Close(); _ = side.Close() }
		return store, ledger, letters, cleanup, nil

	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// openQueues builds the event and delivery queues.
func openQueues(cfg *config.Config) (queue.Queue, queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return queue.NewMemoryQueue(), queue.NewMemoryQueue(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Queue.Addr})
		return queue.NewRedisQueue(client, "lily:events"),
			queue.NewRedisQueue(client, "lily:deliveries"), nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// ingestFrom streams newline-delimited webhook bodies through the boundary.
// Queue backpressure and rejections are logged, not fatal; the pipeline keeps
// running either way.
func ingestFrom(ctx context.Context, boundary *inbound.Boundary, path, tenantID string, logger *slog.Logger) {
	var in *os.File
	if path == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			logger.Error("open ingest source", "path", path, "error", err)
			return
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		body := append([]byte(nil), line...)
		receipt, err := boundary.Ingest(ctx, inbound.Webhook{TenantID: tenantID, Body: body})
		if err != nil {
			logger.Error("ingest failed", "error", err)
			continue
		}
		if receipt.Status == inbound.IngestRejected {
			logger.Warn("webhook rejected", "reason", receipt.Reason)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("ingest read failed", "error", err)
	}
}
