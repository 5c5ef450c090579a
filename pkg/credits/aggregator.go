package credits

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueSize       = 1024
	defaultFlushWindow     = time.Second
	defaultMaxBatchSize    = 50
	defaultMaxApplyWorkers = 10
	defaultReasonCap       = 3
	defaultApplyTimeout    = 5 * time.Second
)

// AggregatorConfig bounds the batching pipeline.
type AggregatorConfig struct {
	QueueSize       int
	FlushWindow     time.Duration
	MaxBatchSize    int
	MaxApplyWorkers int
	ReasonCap       int
	ApplyTimeout    time.Duration
}

func (config *AggregatorConfig) applyDefaults() {
	if config.QueueSize == 0 {
		config.QueueSize = defaultQueueSize
	}
	if config.FlushWindow == 0 {
		config.FlushWindow = defaultFlushWindow
	}
	if config.MaxBatchSize == 0 {
		config.MaxBatchSize = defaultMaxBatchSize
	}
	if config.MaxApplyWorkers == 0 {
		config.MaxApplyWorkers = defaultMaxApplyWorkers
	}
	if config.ReasonCap == 0 {
		config.ReasonCap = defaultReasonCap
	}
	if config.ApplyTimeout == 0 {
		config.ApplyTimeout = defaultApplyTimeout
	}
}

func (config AggregatorConfig) validate() error {
	if config.QueueSize < 0 || config.FlushWindow < 0 || config.MaxBatchSize < 0 || config.MaxApplyWorkers < 0 || config.ReasonCap < 0 || config.ApplyTimeout < 0 {
		return fmt.Errorf("%w: negative bound", ErrInvalidAggregatorConfig)
	}
	return nil
}

// Aggregator absorbs a high-frequency stream of small credit additions and
// applies them through the Balance Store's increment primitive with far fewer
// physical writes. Delivery is best-effort at-most-once: events buffered at a
// hard process termination are lost, and per-user apply failures are logged
// and dropped without aborting the rest of the batch.
type Aggregator struct {
	adder  BalanceAdder
	logger *zap.Logger
	config AggregatorConfig

	events chan CreditEvent
	closed chan struct{}
	done   chan struct{}
	once   sync.Once

	pendingMu sync.Mutex
	pending   map[string]int64
}

// NewAggregator starts the single long-lived pipeline task that owns the
// event channel for the process lifetime. Call Close for a graceful drain.
func NewAggregator(adder BalanceAdder, logger *zap.Logger, config AggregatorConfig) (*Aggregator, error) {
	if adder == nil {
		return nil, fmt.Errorf("%w: balance adder is nil", ErrInvalidAggregatorConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	aggregator := &Aggregator{
		adder:   adder,
		logger:  logger,
		config:  config,
		events:  make(chan CreditEvent, config.QueueSize),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[string]int64),
	}
	go aggregator.run()
	return aggregator, nil
}

// Queue publishes one credit-addition event. It reports acceptance into the
// pipeline, not application to the store; callers must not make their primary
// business path depend on the result. A full queue or a closed pipeline
// rejects immediately rather than blocking.
func (aggregator *Aggregator) Queue(userID UserID, amount int64, reason string) bool {
	if amount <= 0 {
		return false
	}
	select {
	case <-aggregator.closed:
		return false
	default:
	}
	event := CreditEvent{UserID: userID, Amount: amount, Reason: reason}
	// Tracked before the send so a flush that races this call can never
	// subtract the amount before it was added.
	aggregator.trackPending(userID.String(), amount)
	select {
	case aggregator.events <- event:
		return true
	default:
		aggregator.clearPending(userID.String(), amount)
		return false
	}
}

// PendingSnapshot returns the advisory per-user amounts accepted but not yet
// applied. It is for observability only and is never authoritative.
func (aggregator *Aggregator) PendingSnapshot() map[string]int64 {
	aggregator.pendingMu.Lock()
	defer aggregator.pendingMu.Unlock()
	snapshot := make(map[string]int64, len(aggregator.pending))
	for userID, amount := range aggregator.pending {
		snapshot[userID] = amount
	}
	return snapshot
}

// Close stops accepting events, flushes everything already buffered, and
// blocks until the pipeline has terminated.
func (aggregator *Aggregator) Close() {
	aggregator.once.Do(func() {
		close(aggregator.closed)
	})
	<-aggregator.done
}

func (aggregator *Aggregator) run() {
	defer close(aggregator.done)
	// Events that land in the channel after the shutdown drain are lost, so
	// the advisory map resets with the pipeline to avoid stale entries.
	defer aggregator.resetPending()
	var batch []CreditEvent
	timer := time.NewTimer(aggregator.config.FlushWindow)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false
	disarm := func() {
		if timerArmed && !timer.Stop() {
			<-timer.C
		}
		timerArmed = false
	}
	for {
		select {
		case event := <-aggregator.events:
			batch = append(batch, event)
			if len(batch) == 1 {
				timer.Reset(aggregator.config.FlushWindow)
				timerArmed = true
			}
			if len(batch) >= aggregator.config.MaxBatchSize {
				disarm()
				aggregator.flush(batch)
				batch = nil
			}
		case <-timer.C:
			timerArmed = false
			if len(batch) > 0 {
				aggregator.flush(batch)
				batch = nil
			}
		case <-aggregator.closed:
			disarm()
			batch = aggregator.drainBuffered(batch)
			if len(batch) > 0 {
				aggregator.flush(batch)
			}
			return
		}
	}
}

// drainBuffered empties whatever was accepted into the channel before close,
// flushing full batches along the way.
func (aggregator *Aggregator) drainBuffered(batch []CreditEvent) []CreditEvent {
	for {
		select {
		case event := <-aggregator.events:
			batch = append(batch, event)
			if len(batch) >= aggregator.config.MaxBatchSize {
				aggregator.flush(batch)
				batch = nil
			}
		default:
			return batch
		}
	}
}

type mergedAddition struct {
	userID UserID
	amount int64
	reason string
	events int
}

func (aggregator *Aggregator) flush(batch []CreditEvent) {
	merged := mergeByUser(batch, aggregator.config.ReasonCap)
	semaphore := make(chan struct{}, aggregator.config.MaxApplyWorkers)
	var waitGroup sync.WaitGroup
	for _, addition := range merged {
		waitGroup.Add(1)
		semaphore <- struct{}{}
		go func(addition mergedAddition) {
			defer waitGroup.Done()
			defer func() { <-semaphore }()
			aggregator.apply(addition)
		}(addition)
	}
	waitGroup.Wait()
}

func (aggregator *Aggregator) apply(addition mergedAddition) {
	ctx, cancel := context.WithTimeout(context.Background(), aggregator.config.ApplyTimeout)
	defer cancel()
	err := withConflictRetry(ctx, retryBudgetDirect, func() error {
		return aggregator.adder.Add(ctx, addition.userID, addition.amount)
	})
	aggregator.clearPending(addition.userID.String(), addition.amount)
	if err != nil {
		aggregator.logger.Warn("batched credit apply dropped",
			zap.String("user_id", addition.userID.String()),
			zap.Int64("amount", addition.amount),
			zap.Int("events", addition.events),
			zap.Error(err),
		)
		return
	}
	aggregator.logger.Info("batched credits applied",
		zap.String("user_id", addition.userID.String()),
		zap.Int64("amount", addition.amount),
		zap.Int("events", addition.events),
		zap.String("reason", addition.reason),
	)
}

// mergeByUser partitions a micro-batch by user and sums amounts. Reasons are
// deduplicated and concatenated up to reasonCap; beyond that a generic
// summary replaces them.
func mergeByUser(batch []CreditEvent, reasonCap int) []mergedAddition {
	order := make([]string, 0, len(batch))
	byUser := make(map[string]*mergedAddition, len(batch))
	reasons := make(map[string][]string, len(batch))
	seen := make(map[string]map[string]struct{}, len(batch))
	for _, event := range batch {
		key := event.UserID.String()
		addition, ok := byUser[key]
		if !ok {
			addition = &mergedAddition{userID: event.UserID}
			byUser[key] = addition
			order = append(order, key)
			seen[key] = make(map[string]struct{})
		}
		addition.amount += event.Amount
		addition.events++
		reason := strings.TrimSpace(event.Reason)
		if reason == "" {
			continue
		}
		if _, duplicate := seen[key][reason]; duplicate {
			continue
		}
		seen[key][reason] = struct{}{}
		reasons[key] = append(reasons[key], reason)
	}
	merged := make([]mergedAddition, 0, len(order))
	for _, key := range order {
		addition := byUser[key]
		addition.reason = mergeReasons(reasons[key], addition.events, reasonCap)
		merged = append(merged, *addition)
	}
	return merged
}

func mergeReasons(uniqueReasons []string, eventCount int, reasonCap int) string {
	if len(uniqueReasons) == 0 || len(uniqueReasons) > reasonCap {
		return fmt.Sprintf("batched credit reward x%d", eventCount)
	}
	return strings.Join(uniqueReasons, "; ")
}

func (aggregator *Aggregator) trackPending(userID string, amount int64) {
	aggregator.pendingMu.Lock()
	defer aggregator.pendingMu.Unlock()
	aggregator.pending[userID] += amount
}

func (aggregator *Aggregator) resetPending() {
	aggregator.pendingMu.Lock()
	defer aggregator.pendingMu.Unlock()
	aggregator.pending = make(map[string]int64)
}

func (aggregator *Aggregator) clearPending(userID string, amount int64) {
	aggregator.pendingMu.Lock()
	defer aggregator.pendingMu.Unlock()
	remaining := aggregator.pending[userID] - amount
	if remaining <= 0 {
		delete(aggregator.pending, userID)
		return
	}
	aggregator.pending[userID] = remaining
}
