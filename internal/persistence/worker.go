package persistence

import (
	"context"
	"database/sql"
	"time"

	"BorrowEngine/internal/observability"
)

var log = observability.NewLogger("persistence")

// CoreOutput mirrors core.Output as flat rows to avoid an import cycle.
// The orchestrator (cmd/borrowengine) bridges between the two.
type CoreOutput struct {
	Event       EventRow
	Pairs       []PairRow
	Groups      []GroupRow
	PairGroups  []PairGroupRow
	InitialFees []InitialFeeRow
}

// Worker drains the persist channel and batch-writes to Postgres. It runs
// independently from the engine; the engine's sends block, so if this worker
// falls behind the engine stalls rather than losing a write.
type Worker struct {
	writer       *StateWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewStateWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

func (w *Worker) Writer() *StateWriter { return w.writer }

// Run batches incoming outputs and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the channel
// closes; either way the tail of the batch is flushed before returning.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]CoreOutput, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, output)
			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					log.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// batch: it retries until the write succeeds or the context is cancelled,
// and on cancellation makes one final attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, batch []CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("outputs", len(batch)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				log.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush writes the whole batch in one transaction: event log appended and
// latest entity states upserted together, or neither.
func (w *Worker) flush(ctx context.Context, batch []CoreOutput) error {
	start := time.Now()

	events := make([]EventRow, 0, len(batch))
	var pairs []PairRow
	var groups []GroupRow
	var pairGroups []PairGroupRow
	var initialFees []InitialFeeRow
	for _, out := range batch {
		events = append(events, out.Event)
		pairs = append(pairs, out.Pairs...)
		groups = append(groups, out.Groups...)
		pairGroups = append(pairGroups, out.PairGroups...)
		initialFees = append(initialFees, out.InitialFees...)
	}

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		w.countError("write_events")
		return err
	}
	if err := w.writer.WritePairBatch(ctx, tx, pairs); err != nil {
		w.countError("write_pairs")
		return err
	}
	if err := w.writer.WriteGroupBatch(ctx, tx, groups); err != nil {
		w.countError("write_groups")
		return err
	}
	if err := w.writer.WritePairGroupBatch(ctx, tx, pairGroups); err != nil {
		w.countError("write_pair_groups")
		return err
	}
	if err := w.writer.WriteInitialFeeBatch(ctx, tx, initialFees); err != nil {
		w.countError("write_initial_fees")
		return err
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
		w.metrics.PersistRowsWritten.WithLabelValues("events").Add(float64(len(events)))
		w.metrics.PersistRowsWritten.WithLabelValues("pairs").Add(float64(len(pairs)))
		w.metrics.PersistRowsWritten.WithLabelValues("groups").Add(float64(len(groups)))
		w.metrics.PersistRowsWritten.WithLabelValues("pair_groups").Add(float64(len(pairGroups)))
		w.metrics.PersistRowsWritten.WithLabelValues("initial_acc_fees").Add(float64(len(initialFees)))
		if len(events) > 0 {
			w.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}

func (w *Worker) countError(stage string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
