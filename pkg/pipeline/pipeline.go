// Package pipeline runs the stage workers: inbound event processing from the
// write queue, change-stream polling, and rule delivery. Workers are plain
// goroutine pools over the stage queues; shutdown cancels the context and
// in-flight messages are nacked back for redelivery.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/metagov-labs/lily/pkg/change"
	"github.com/metagov-labs/lily/pkg/deadletter"
	"github.com/metagov-labs/lily/pkg/dedup"
	"github.com/metagov-labs/lily/pkg/dispatch"
	"github.com/metagov-labs/lily/pkg/enrich"
	"github.com/metagov-labs/lily/pkg/metastore"
	"github.com/metagov-labs/lily/pkg/observability"
	"github.com/metagov-labs/lily/pkg/queue"
	"github.com/metagov-labs/lily/pkg/rules"
	"github.com/metagov-labs/lily/pkg/writer"
)

// Deps carries the wired components a pipeline runs on.
type Deps struct {
	Events     queue.Queue // encoded envelopes from the inbound boundary
	Deliveries queue.Queue // serialized rules awaiting dispatch
	Ledger     dedup.Ledger
	Store      metastore.Store
	Enricher   *enrich.Enricher
	Writer     *writer.Writer
	Detector   *change.Detector
	Transform  *rules.Transformer
	Dispatcher *dispatch.Dispatcher
	Letters    deadletter.Store
	Telemetry  *observability.Provider
}

// Options sizes and paces the workers.
type Options struct {
	InboundWorkers     int
	DeliveryWorkers    int
	PollInterval       time.Duration
	BatchSize          int
	MaxInboundAttempts int
}

// DefaultOptions returns sensible embedded-pipeline sizing.
func DefaultOptions() Options {
	return Options{
		InboundWorkers:     4,
		DeliveryWorkers:    2,
		PollInterval:       time.Second,
		BatchSize:          100,
		MaxInboundAttempts: 5,
	}
}

// Pipeline owns the running workers.
type Pipeline struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

func New(deps Deps, opts Options) *Pipeline {
	if opts.InboundWorkers < 1 {
		opts.InboundWorkers = 1
	}
	if opts.DeliveryWorkers < 1 {
		opts.DeliveryWorkers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	if opts.MaxInboundAttempts < 1 {
		opts.MaxInboundAttempts = 5
	}
	return &Pipeline{
		deps:   deps,
		opts:   opts,
		logger: slog.Default().With("component", "pipeline"),
	}
}

// Run starts all workers and blocks until the context is cancelled and every
// worker has drained. Messages held at cancellation are nacked so another
// run picks them up.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < p.opts.InboundWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runInbound(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runChangePoller(ctx)
	}()

	for i := 0; i < p.opts.DeliveryWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runDelivery(ctx)
		}()
	}

	p.logger.InfoContext(ctx, "pipeline started",
		"inbound_workers", p.opts.InboundWorkers,
		"delivery_workers", p.opts.DeliveryWorkers,
		"poll_interval", p.opts.PollInterval)
	wg.Wait()
	p.logger.Info("pipeline stopped")
}

// receiveWait bounds each queue poll so workers notice cancellation quickly.
const receiveWait = 500 * time.Millisecond
