package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"LendRisk/internal/observability"
)

// CoreOutput mirrors core.CoreOutput in row form to avoid an import
// cycle. The orchestrator (cmd/lendrisk) bridges between the two.
type CoreOutput struct {
	Op       OpRow
	Journals []JournalRow
}

// Worker drains the persist channel and batch-writes the audit trail.
// The core sends on this channel with a blocking fallback, so if the
// worker falls behind the engine stalls rather than losing an op.
type Worker struct {
	db           *sql.DB
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// Run batches incoming outputs and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the channel
// closes; either way the tail of the batch is flushed before returning.
func (w *Worker) Run(ctx context.Context) error {
	opBatch := make([]OpRow, 0, w.batchSize)
	journalBatch := make([]JournalRow, 0, w.batchSize*2)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(opBatch) > 0 {
				// Background context: the audit trail outranks prompt shutdown.
				if err := w.flush(context.Background(), opBatch, journalBatch); err != nil {
					w.logger.Error().Err(err).Int("ops", len(opBatch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if len(opBatch) > 0 {
					if err := w.flush(context.Background(), opBatch, journalBatch); err != nil {
						w.logger.Error().Err(err).Int("ops", len(opBatch)).Msg("final flush failed")
					}
				}
				return nil
			}

			opBatch = append(opBatch, output.Op)
			journalBatch = append(journalBatch, output.Journals...)

			if len(opBatch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, opBatch, journalBatch); err != nil {
					w.logger.Error().Err(err).Msg("batch flush abandoned")
				}
				opBatch = opBatch[:0]
				journalBatch = journalBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(opBatch) > 0 {
				if err := w.flushWithRetry(ctx, opBatch, journalBatch); err != nil {
					w.logger.Error().Err(err).Msg("timeout flush abandoned")
				}
				opBatch = opBatch[:0]
				journalBatch = journalBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff, indefinitely. The
// worker never drops a batch: on cancellation it makes one last
// attempt with a background context before giving up.
func (w *Worker) flushWithRetry(ctx context.Context, ops []OpRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("ops", len(ops)).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if ferr := w.flush(context.Background(), ops, journals); ferr != nil {
					return fmt.Errorf("final flush on shutdown: %w", ferr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, ops, journals)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
	}
}

// flush writes ops and journals in a single transaction so the audit
// trail never shows an op without its legs.
func (w *Worker) flush(ctx context.Context, ops []OpRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := WriteOps(ctx, tx, ops); err != nil {
		w.countError("write_ops")
		return err
	}

	if err := WriteJournals(ctx, tx, journals); err != nil {
		w.countError("write_journals")
		return err
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(ops)))
		w.metrics.PersistOpsWritten.Add(float64(len(ops)))
		w.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(ops) > 0 {
			w.metrics.PersistLastSequence.Set(float64(ops[len(ops)-1].Sequence))
		}
	}

	return nil
}

func (w *Worker) countError(kind string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
