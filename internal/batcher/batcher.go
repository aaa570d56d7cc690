package batcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/outcome"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/store"
)

// Alert subjects published when the outcome log is in trouble.
const (
	SubjectBufferOverflow = "swarm.system.gchat-relay.buffer_overflow"
	SubjectWriteFailure   = "swarm.system.gchat-relay.write_failure"
)

// After this many failed flushes in a row the batch is inserted row by
// row so one outcome the store refuses cannot wedge the log.
const isolateAfter = 3

// OutcomeProcessor processes a single persisted outcome.
type OutcomeProcessor interface {
	Process(ctx context.Context, o outcome.Outcome)
}

// Batcher buffers relay outcomes and writes them in batches so the
// relay pipelines never wait on the database.
type Batcher struct {
	store          store.DataStore
	statsProc      OutcomeProcessor
	flushInterval  time.Duration
	flushThreshold int
	bufferMax      int

	mu              sync.Mutex
	buffer          []outcome.Outcome
	consecutiveFail int
	publish         func(subject string, data []byte) error

	done chan struct{}
}

type Config struct {
	FlushInterval  time.Duration
	FlushThreshold int
	BufferMax      int
}

func New(s store.DataStore, sp OutcomeProcessor, cfg Config) *Batcher {
	return &Batcher{
		store:          s,
		statsProc:      sp,
		flushInterval:  cfg.FlushInterval,
		flushThreshold: cfg.FlushThreshold,
		bufferMax:      cfg.BufferMax,
		buffer:         make([]outcome.Outcome, 0, cfg.FlushThreshold),
		done:           make(chan struct{}),
	}
}

// SetPublisher sets the function used to publish system alerts to the bus.
func (b *Batcher) SetPublisher(fn func(subject string, data []byte) error) {
	b.publish = fn
}

// Add enqueues an outcome for batched writing. It never blocks on I/O.
func (b *Batcher) Add(o outcome.Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Backpressure: drop oldest if buffer full.
	if len(b.buffer) >= b.bufferMax {
		n := len(b.buffer) - b.bufferMax + 1
		dropped := b.buffer[:n]
		b.buffer = b.buffer[n:]
		slog.Warn("outcome buffer overflow, dropping oldest", "dropped", n, "buffer_size", b.bufferMax)
		data, _ := json.Marshal(map[string]any{
			"message": "outcome buffer overflow, dropping records",
			"dropped": n,
			"stages":  countStages(dropped),
		})
		b.publishAlert(SubjectBufferOverflow, data)
	}

	b.buffer = append(b.buffer, o)

	if len(b.buffer) >= b.flushThreshold {
		go b.flush()
	}
}

// Start begins the periodic flush ticker.
func (b *Batcher) Start(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.flush()
			case <-ctx.Done():
				// Final flush on shutdown.
				b.flush()
				close(b.done)
				return
			}
		}
	}()
}

// Wait blocks until the batcher has completed its final flush.
func (b *Batcher) Wait() {
	<-b.done
}

// BufferLen returns the current buffer size (for health checks).
func (b *Batcher) BufferLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

func (b *Batcher) flush() {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buffer
	b.buffer = make([]outcome.Outcome, 0, b.flushThreshold)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.store.InsertOutcomes(ctx, batch); err != nil {
		slog.Error("failed to insert outcomes", "error", err, "count", len(batch))
		if !b.recordFailure() {
			b.requeue(batch)
			return
		}
		written, rejected := b.isolate(ctx, batch)
		if len(written) == 0 {
			b.requeue(batch)
			b.publishWriteFailure(batch)
			return
		}
		b.dropRejected(rejected)
		batch = written
	}

	b.mu.Lock()
	b.consecutiveFail = 0
	b.mu.Unlock()

	if b.statsProc != nil {
		for _, o := range batch {
			b.statsProc.Process(ctx, o)
		}
	}

	slog.Debug("outcome batch flushed", "count", len(batch))
}

// recordFailure counts a failed flush and reports whether the batch
// should be split row by row.
func (b *Batcher) recordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail++
	return b.consecutiveFail >= isolateAfter
}

// isolate inserts the batch one outcome at a time. With the database up
// only the outcomes it refuses (e.g. a payload jsonb cannot hold) are
// returned as rejected; with it down nothing is written.
func (b *Batcher) isolate(ctx context.Context, batch []outcome.Outcome) (written, rejected []outcome.Outcome) {
	for _, o := range batch {
		if err := b.store.InsertOutcomes(ctx, []outcome.Outcome{o}); err != nil {
			rejected = append(rejected, o)
			continue
		}
		written = append(written, o)
	}
	return written, rejected
}

func (b *Batcher) dropRejected(rejected []outcome.Outcome) {
	for _, o := range rejected {
		slog.Error("outcome rejected by store, dropping",
			"request_id", o.RequestID, "destination_id", o.DestinationID, "stage", o.Stage)
	}
	data, _ := json.Marshal(map[string]any{
		"message": "outcomes rejected by the outcome log",
		"dropped": len(rejected),
		"stages":  countStages(rejected),
	})
	b.publishAlert(SubjectWriteFailure, data)
}

func (b *Batcher) requeue(batch []outcome.Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Prepend so order is maintained.
	b.buffer = append(batch, b.buffer...)
	if len(b.buffer) > b.bufferMax {
		b.buffer = b.buffer[len(b.buffer)-b.bufferMax:]
	}
}

func (b *Batcher) publishWriteFailure(batch []outcome.Outcome) {
	b.mu.Lock()
	fails, size := b.consecutiveFail, len(b.buffer)
	b.mu.Unlock()

	slog.Error("consecutive outcome write failures", "failures", fails, "buffer_size", size)
	data, _ := json.Marshal(map[string]any{
		"message":     "consecutive outcome log write failures",
		"failures":    fails,
		"buffer_size": size,
		"stages":      countStages(batch),
	})
	b.publishAlert(SubjectWriteFailure, data)
}

// countStages tallies outcomes by the stage they ended at.
func countStages(outs []outcome.Outcome) map[outcome.Stage]int {
	counts := make(map[outcome.Stage]int)
	for _, o := range outs {
		counts[o.Stage]++
	}
	return counts
}

func (b *Batcher) publishAlert(subject string, data []byte) {
	if b.publish != nil {
		if err := b.publish(subject, data); err != nil {
			slog.Error("failed to publish alert", "subject", subject, "error", err)
		}
	}
}
