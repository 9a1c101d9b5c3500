// Package pipeline drives the engine from the message bus: it consumes
// task-update batches, partitions them by transaction so each transaction
// is advanced by exactly one worker, and publishes the engine's effects
// after the store writes behind them have succeeded.
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/sagaflow/internal/bus"
	"github.com/petrijr/sagaflow/internal/engine"
	"github.com/petrijr/sagaflow/internal/store"
	"github.com/petrijr/sagaflow/pkg/api"
)

// Config describes how to construct a Pipeline.
type Config struct {
	Bus      bus.Bus
	Engine   *engine.Engine
	Stores   *store.Stores
	Observer api.Observer
	Logger   *slog.Logger

	// Partitions is the number of apply workers. Updates are routed by
	// hashing the transactionId, so one transaction never runs on two
	// workers at once.
	Partitions int

	// BatchSize bounds how many updates one consume round may take.
	BatchSize int

	// PublishAttempts bounds effect-publish retries before the pipeline
	// fails fast. Backoff doubles from PublishBackoff per attempt.
	PublishAttempts int
	PublishBackoff  time.Duration
}

// Pipeline is the consume/apply/publish loop.
type Pipeline struct {
	bus      bus.Bus
	engine   *engine.Engine
	stores   *store.Stores
	observer api.Observer
	logger   *slog.Logger

	partitions int
	batchSize  int
	attempts   int
	backoff    time.Duration

	workers []chan job
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	mu      sync.Mutex
	fatal   error
	stopped bool
}

type job struct {
	updates []api.TaskUpdate
	done    chan error
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		bus:        cfg.Bus,
		engine:     cfg.Engine,
		stores:     cfg.Stores,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		partitions: cfg.Partitions,
		batchSize:  cfg.BatchSize,
		attempts:   cfg.PublishAttempts,
		backoff:    cfg.PublishBackoff,
	}
	if p.observer == nil {
		p.observer = api.NoopObserver{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.partitions <= 0 {
		p.partitions = 4
	}
	if p.batchSize <= 0 {
		p.batchSize = 64
	}
	if p.attempts <= 0 {
		p.attempts = 5
	}
	if p.backoff <= 0 {
		p.backoff = 50 * time.Millisecond
	}
	return p
}

// Start launches the partition workers, the update consumer and the
// command consumer. It returns immediately; Stop shuts everything down.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.workers = make([]chan job, p.partitions)
	for i := range p.workers {
		ch := make(chan job)
		p.workers[i] = ch
		p.wg.Add(1)
		go p.partitionWorker(ctx, ch)
	}

	p.wg.Add(2)
	go p.consumeUpdates(ctx)
	go p.consumeCommands(ctx)
}

// Stop cancels the loops and waits for them to drain.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Err reports the failure that stopped the pipeline, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	if p.fatal == nil {
		p.fatal = err
	}
	p.mu.Unlock()
	p.logger.Error("pipeline failing fast", "error", err)
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pipeline) consumeUpdates(ctx context.Context) {
	defer p.wg.Done()
	for {
		batch, err := p.bus.ReceiveUpdates(ctx, p.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.fail(err)
			return
		}

		if err := p.processBatch(ctx, batch.Updates); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.fail(err)
			return
		}

		// Offsets move only after every effect of the batch is out.
		if err := p.withRetry(ctx, "commit offsets", func() error {
			return batch.Commit(ctx)
		}); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.fail(err)
			return
		}
	}
}

// processBatch groups a batch by transaction, fans the groups out to the
// partition workers and waits for all of them.
func (p *Pipeline) processBatch(ctx context.Context, updates []api.TaskUpdate) error {
	groups := groupByTransaction(updates)

	dones := make([]chan error, 0, len(groups))
	for _, g := range groups {
		j := job{updates: g, done: make(chan error, 1)}
		dones = append(dones, j.done)
		select {
		case p.workers[p.partitionFor(g[0].TransactionID)] <- j:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var firstErr error
	for _, done := range dones {
		select {
		case err := <-done:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}

func (p *Pipeline) partitionFor(transactionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(transactionID))
	return int(h.Sum32() % uint32(p.partitions))
}

// groupByTransaction splits a batch into per-transaction groups, keeping
// arrival order both across groups and inside each group.
func groupByTransaction(updates []api.TaskUpdate) [][]api.TaskUpdate {
	var order []string
	byTxn := make(map[string][]api.TaskUpdate)
	for _, u := range updates {
		if _, seen := byTxn[u.TransactionID]; !seen {
			order = append(order, u.TransactionID)
		}
		byTxn[u.TransactionID] = append(byTxn[u.TransactionID], u)
	}
	groups := make([][]api.TaskUpdate, 0, len(order))
	for _, id := range order {
		groups = append(groups, byTxn[id])
	}
	return groups
}

func (p *Pipeline) partitionWorker(ctx context.Context, jobs <-chan job) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-jobs:
			j.done <- p.applyGroup(ctx, j.updates)
		}
	}
}

// applyGroup runs one transaction's ordered updates through the engine and
// publishes the effects. A panic inside Apply is confined to the group: it
// becomes an error event and the updates are dropped so the partition
// cannot stall.
func (p *Pipeline) applyGroup(ctx context.Context, updates []api.TaskUpdate) (err error) {
	transactionID := updates[0].TransactionID

	var eff *engine.Effects
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("apply panicked", "transactionId", transactionID, "panic", r)
				eff = &engine.Effects{Events: []api.Event{{
					TransactionID: transactionID,
					Type:          api.EventSystem,
					Timestamp:     time.Now().UTC(),
					IsError:       true,
					Error:         fmt.Sprintf("apply panicked: %v", r),
				}}}
			}
		}()
		eff, err = p.engine.Apply(ctx, updates)
	}()
	if err != nil {
		return err
	}
	return p.PublishEffects(ctx, eff)
}

// PublishEffects appends events to the history store, notifies the
// observer and publishes everything to the bus. Each publish is retried
// with exponential backoff; exhausting the attempts is fatal.
func (p *Pipeline) PublishEffects(ctx context.Context, eff *engine.Effects) error {
	if eff == nil {
		return nil
	}

	for _, ev := range eff.Events {
		ev := ev
		if err := p.withRetry(ctx, "append event", func() error {
			return p.stores.Events.Append(ctx, ev)
		}); err != nil {
			return err
		}
		if err := p.withRetry(ctx, "publish event", func() error {
			return p.bus.SendEvent(ctx, ev)
		}); err != nil {
			return err
		}
		p.observer.OnEvent(ctx, ev)
	}
	for _, task := range eff.Dispatches {
		task := task
		if err := p.withRetry(ctx, "dispatch task", func() error {
			return p.bus.Dispatch(ctx, task)
		}); err != nil {
			return err
		}
	}
	for _, tm := range eff.Timers {
		tm := tm
		if err := p.withRetry(ctx, "publish timer", func() error {
			return p.bus.SendTimer(ctx, tm)
		}); err != nil {
			return err
		}
	}
	for _, u := range eff.FollowUps {
		u := u
		if err := p.withRetry(ctx, "publish follow-up", func() error {
			return p.bus.SendUpdate(ctx, u)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) consumeCommands(ctx context.Context) {
	defer p.wg.Done()
	for {
		cmd, err := p.bus.ReceiveCommand(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.fail(err)
			return
		}

		eff, err := p.engine.ApplyCommand(ctx, *cmd)
		if err != nil {
			// Command failures are reported, not fatal; the next command
			// still has to run.
			p.logger.Warn("command rejected", "transactionId", cmd.TransactionID, "type", cmd.Type, "error", err)
			ev := api.Event{
				TransactionID: cmd.TransactionID,
				Type:          api.EventSystem,
				Timestamp:     time.Now().UTC(),
				IsError:       true,
				Details:       cmd,
				Error:         err.Error(),
			}
			_ = p.stores.Events.Append(ctx, ev)
			_ = p.bus.SendEvent(ctx, ev)
			p.observer.OnEvent(ctx, ev)
			continue
		}
		if err := p.PublishEffects(ctx, eff); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.fail(err)
			return
		}
	}
}

// withRetry retries op with exponential backoff until it succeeds or the
// attempts run out.
func (p *Pipeline) withRetry(ctx context.Context, what string, op func() error) error {
	delay := p.backoff
	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if lastErr = op(); lastErr == nil {
			return nil
		}
		p.logger.Warn("retrying", "op", what, "attempt", attempt+1, "error", lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("%s: attempts exhausted: %w", what, lastErr)
}
