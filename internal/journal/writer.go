// Package journal persists discovery events to the event journal in
// batches, decoupled from the hot path by the event bus.
package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"solana-discovery/internal/domain"
	"solana-discovery/internal/events"
	"solana-discovery/internal/observability"
	"solana-discovery/internal/storage"
)

const (
	DefaultBatchSize     = 64
	DefaultFlushInterval = 2 * time.Second
	DefaultBuffer        = 256

	flushTimeout = 5 * time.Second
)

// Options wires the writer's collaborators. Journal and Bus are required.
type Options struct {
	Journal       storage.EventJournal
	Bus           *events.Bus
	BatchSize     int
	FlushInterval time.Duration
	Buffer        int
	Logger        *zap.Logger
	Metrics       *observability.Metrics
}

// Writer subscribes to every event type and appends flattened entries to
// the journal, flushing on batch size or interval, whichever comes first.
type Writer struct {
	journal       storage.EventJournal
	bus           *events.Bus
	batchSize     int
	flushInterval time.Duration
	buffer        int
	logger        *zap.Logger
	metrics       *observability.Metrics

	cancel func()
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWriter builds a stopped writer; call Start to begin journaling.
func NewWriter(opts Options) *Writer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Writer{
		journal:       opts.Journal,
		bus:           opts.Bus,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buffer:        buffer,
		logger:        logger,
		metrics:       opts.Metrics,
	}
}

// Start subscribes to the bus and launches the flush loop.
func (w *Writer) Start(ctx context.Context) error {
	if w.journal == nil || w.bus == nil {
		return errors.New("journal writer requires a journal and a bus")
	}
	ch, cancel := w.bus.Subscribe(w.buffer)
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx, ch)
	return nil
}

func (w *Writer) run(ctx context.Context, ch <-chan events.Event) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]*domain.JournalEntry, 0, w.batchSize)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				w.flush(&batch)
				return
			}
			batch = append(batch, toEntry(evt))
			if len(batch) >= w.batchSize {
				w.flush(&batch)
			}
		case <-ticker.C:
			w.flush(&batch)
		case <-ctx.Done():
			w.flush(&batch)
			return
		}
	}
}

// flush appends the pending batch. Uses its own deadline so the final
// flush during shutdown still gets through.
func (w *Writer) flush(batch *[]*domain.JournalEntry) {
	if len(*batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := w.journal.Append(ctx, *batch); err != nil {
		w.metrics.RecordJournalFailure()
		w.logger.Error("journal flush failed",
			zap.Int("batch_size", len(*batch)),
			zap.Error(err))
	} else {
		w.metrics.RecordJournalAppended(len(*batch))
	}
	*batch = (*batch)[:0]
}

// Stop unsubscribes from the bus and waits for the final flush until ctx
// expires. Safe to call more than once.
func (w *Writer) Stop(ctx context.Context) error {
	w.once.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// toEntry flattens an event into its journal row.
func toEntry(evt events.Event) *domain.JournalEntry {
	e := &domain.JournalEntry{
		EventID:     evt.ID,
		EventType:   string(evt.Type),
		SourceID:    evt.SourceID,
		TimestampMs: evt.TimestampMs,
	}
	if evt.Token != nil {
		e.Mint = evt.Token.Mint
		e.Symbol = evt.Token.Symbol
	}
	if evt.Record != nil {
		e.Mint = evt.Record.Mint
		e.Symbol = evt.Record.Symbol
		e.Status = evt.Record.Status.String()
		e.Confirmations = len(evt.Record.Confirmations)
	}
	if evt.Score != nil {
		e.TotalWeight = evt.Score.TotalWeight
	}
	return e
}
