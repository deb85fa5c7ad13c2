package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"LendRisk/internal/event"
	"LendRisk/internal/ledger"
	"LendRisk/internal/observability"
	"LendRisk/internal/state"
)

// DefaultMinHoldSeconds is the collateral hold period: 20 minutes from
// the last collateral post or borrow before redemption-side actions.
const DefaultMinHoldSeconds = 1200

// Config carries the engine's governance principals and timing knobs.
type Config struct {
	// DAO holds full governance permission. Guardians hold the elevated
	// permission: enough to pause, not enough to unpause.
	DAO       state.Account
	Guardians map[state.Account]bool

	MinHoldSeconds      int64
	IdempotencyCapacity int
}

func (c Config) withDefaults() Config {
	if c.MinHoldSeconds <= 0 {
		c.MinHoldSeconds = DefaultMinHoldSeconds
	}
	if c.IdempotencyCapacity <= 0 {
		c.IdempotencyCapacity = 100_000
	}
	return c
}

// CoreOutput is the engine's per-operation emission: the sealed
// envelope plus the journal batches the operation produced.
type CoreOutput struct {
	Envelope *event.Envelope
	Batches  []*ledger.Batch
}

// Engine is the deterministic risk core. It owns the world and applies
// exactly one operation at a time: validate, mutate a scratch clone,
// hash, publish. A rejected operation leaves the committed world
// untouched because only the clone ever saw the partial writes.
type Engine struct {
	mu       sync.RWMutex
	world    *World
	sequence int64
	lastHash [32]byte

	cfg          Config
	hasher       *StateHasher
	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator

	// persistChan is blocking: the audit trail must not lose
	// operations. projectionChan drops on overflow: read models are
	// rebuildable.
	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	evictionsSeen int64

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEngine(
	cfg Config,
	world *World,
	dbChecker DBIdempotencyChecker,
	persistChan chan<- CoreOutput,
	projectionChan chan<- CoreOutput,
	metrics *observability.Metrics,
) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		world:          world,
		sequence:       1,
		cfg:            cfg,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker),
		seqValidator:   NewSequenceValidator(),
		persistChan:    persistChan,
		projectionChan: projectionChan,
		metrics:        metrics,
		logger:         observability.NewLogger("core-engine"),
	}
	e.lastHash = e.hasher.PrevHash()
	return e
}

// ProcessOperation runs one operation through the full pipeline. It is
// not safe for concurrent use; exactly one goroutine feeds the engine.
func (e *Engine) ProcessOperation(op event.Operation) error {
	return e.process(op, false)
}

// ProcessOutOfBand runs an operation that never traveled a sequenced
// feed, e.g. an admin injection. Dedup, dispatch, and the audit trail
// all apply, but partition cursors are neither checked nor advanced, so
// the feeds stay in step with their producers.
func (e *Engine) ProcessOutOfBand(op event.Operation) error {
	return e.process(op, true)
}

func (e *Engine) process(op event.Operation, outOfBand bool) error {
	start := time.Now()
	opType := op.OpType()
	key := op.IdempotencyKey()

	isDup, dupTier := e.idempotency.IsDuplicate(opType.String(), key)

	// Sequence discipline. Price and accrual feeds are monotone: a
	// stale observation is simply superseded, so it is dropped without
	// an envelope. The ops and governance feeds are dense and strict.
	if !outOfBand {
		switch o := op.(type) {
		case *event.PriceUpdate:
			if !e.seqValidator.ObserveFeed("price:"+string(o.Token), o.PriceSequence) {
				if e.metrics != nil {
					e.metrics.PriceUpdates.WithLabelValues(string(o.Token), "stale").Inc()
				}
				return nil
			}
		case *event.AccrueInterest:
			if !e.seqValidator.ObserveFeed("accrual:"+string(o.Token), o.Sequence) {
				return nil
			}
		default:
			partition := partitionOf(opType)
			if verr := e.seqValidator.ValidateStrict(partition, op.SourceSequence(), isDup); verr != nil {
				if e.metrics != nil {
					switch {
					case errors.Is(verr, ErrSequenceGap):
						e.metrics.OpSequenceGap.WithLabelValues(partition).Inc()
					case errors.Is(verr, ErrOutOfOrder):
						e.metrics.OpOutOfOrder.WithLabelValues(partition).Inc()
					}
				}
				e.logger.Warn().
					Err(verr).
					Str("op_type", opType.String()).
					Int64("source_sequence", op.SourceSequence()).
					Msg("sequence validation failed")
				return verr
			}
		}
	}

	if isDup {
		if e.metrics != nil {
			e.metrics.IdempotencyDuplicates.WithLabelValues(opType.String(), dupTier).Inc()
		}
		e.logger.Debug().
			Str("op_type", opType.String()).
			Str("idempotency_key", key).
			Str("tier", dupTier).
			Msg("duplicate operation skipped")
		return nil
	}

	next := e.scratch(op)

	var (
		batches []*ledger.Batch
		ts      int64
		err     error
	)
	switch o := op.(type) {
	case *event.MintShares:
		ts = o.Timestamp
		err = e.handleMint(next, o)
	case *event.RedeemShares:
		ts = o.Timestamp
		batches, err = e.handleRedeem(next, o)
	case *event.TransferShares:
		ts = o.Timestamp
		err = e.handleTransfer(next, o)
	case *event.Borrow:
		ts = o.Timestamp
		batches, err = e.handleBorrow(next, o)
	case *event.Repay:
		ts = o.Timestamp
		batches, err = e.handleRepay(next, o)
	case *event.PostCollateral:
		ts = o.Timestamp
		batches, err = e.handlePostCollateral(next, o)
	case *event.RemoveCollateral:
		ts = o.Timestamp
		batches, err = e.handleRemoveCollateral(next, o)
	case *event.ClosePosition:
		ts = o.Timestamp
		err = e.handleClosePosition(next, o)
	case *event.Liquidate:
		ts = o.Timestamp
		batches, err = e.handleLiquidate(next, o)
	case *event.LiquidateAccount:
		ts = o.Timestamp
		batches, err = e.handleLiquidateAccount(next, o)
	case *event.PriceUpdate:
		ts = o.PriceTimestamp
		err = e.handlePriceUpdate(next, o)
	case *event.AccrueInterest:
		ts = o.Timestamp
		err = e.handleAccrueInterest(next, o)
	case *event.ListToken:
		ts = o.Timestamp
		err = e.handleListToken(next, o)
	case *event.UpdateCollateralToken:
		ts = o.Timestamp
		err = e.handleUpdateCollateralToken(next, o)
	case *event.SetCollateralCaps:
		ts = o.Timestamp
		err = e.handleSetCollateralCaps(next, o)
	case *event.SetPause:
		ts = o.Timestamp
		err = e.handleSetPause(next, o)
	case *event.SetPositionFolding:
		ts = o.Timestamp
		err = e.handleSetPositionFolding(next, o)
	default:
		err = fmt.Errorf("%w: unknown operation type %T", state.ErrInvalidParameter, op)
	}

	if err != nil {
		reason := errorReason(err)
		if e.metrics != nil {
			e.metrics.CoreOpsRejected.WithLabelValues(opType.String(), reason).Inc()
			if isHookReason(reason) {
				e.metrics.HookRejections.WithLabelValues(opType.String(), reason).Inc()
			}
		}
		if errors.Is(err, state.ErrInvariant) {
			if e.metrics != nil {
				e.metrics.InvariantFailures.WithLabelValues(opType.String()).Inc()
			}
			e.logger.Error().
				Err(err).
				Str("op_type", opType.String()).
				Str("idempotency_key", key).
				Msg("invariant violation, operation aborted")
		} else {
			e.logger.Warn().
				Err(err).
				Str("op_type", opType.String()).
				Str("idempotency_key", key).
				Str("reason", reason).
				Msg("operation rejected")
		}
		// The scratch world is dropped; the rejected operation still
		// holds its source-sequence slot.
		return err
	}

	// Seal: hash the post-state and chain it to the previous envelope.
	seq := e.sequence
	hashStart := time.Now()
	digest := next.CanonicalBytes()
	prev := e.hasher.PrevHash()
	stateHash := e.hasher.ComputeHash(seq, digest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, merr := json.Marshal(op)
	if merr != nil {
		e.hasher.Restore(prev)
		return fmt.Errorf("%w: encode operation payload: %v", state.ErrConfiguration, merr)
	}

	env := &event.Envelope{
		Sequence:       seq,
		IdempotencyKey: key,
		OpType:         opType,
		Token:          op.TokenRef(),
		Timestamp:      ts,
		SourceSequence: op.SourceSequence(),
		OutOfBand:      outOfBand,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prev,
	}

	e.mu.Lock()
	e.world = next
	e.sequence = seq + 1
	e.lastHash = stateHash
	e.mu.Unlock()

	out := CoreOutput{Envelope: env, Batches: batches}
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	e.idempotency.MarkProcessed(opType.String(), key)

	if e.metrics != nil {
		e.metrics.DedupLRUSize.Set(float64(e.idempotency.Size()))
		if ev := e.idempotency.Evictions(); ev > e.evictionsSeen {
			e.metrics.DedupLRUEvictions.Add(float64(ev - e.evictionsSeen))
			e.evictionsSeen = ev
		}
		for _, b := range batches {
			for _, j := range b.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
		e.metrics.CoreOpsApplied.WithLabelValues(opType.String()).Inc()
		e.metrics.CoreOpDuration.WithLabelValues(opType.String()).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(seq))
	}

	return nil
}

// scratch builds the world an operation may mutate. Price updates and
// accrual ticks touch a single component, so they copy only that;
// everything else gets a full clone.
func (e *Engine) scratch(op event.Operation) *World {
	switch op.(type) {
	case *event.PriceUpdate:
		return e.world.WithPrices(e.world.Prices.Clone())
	case *event.AccrueInterest:
		return e.world.WithTokens(e.world.Tokens.Clone())
	default:
		return e.world.Clone()
	}
}

func partitionOf(t event.OpType) string {
	switch t {
	case event.OpTypeListToken,
		event.OpTypeUpdateCollateralToken,
		event.OpTypeSetCollateralCaps,
		event.OpTypeSetPause,
		event.OpTypeSetPositionFolding:
		return "gov"
	default:
		return "ops"
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, state.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, state.ErrTokenNotListed):
		return "not_listed"
	case errors.Is(err, state.ErrTokenAlreadyListed):
		return "already_listed"
	case errors.Is(err, state.ErrPaused):
		return "paused"
	case errors.Is(err, state.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, state.ErrNoLiquidationAvailable):
		return "no_liquidation"
	case errors.Is(err, state.ErrPrice):
		return "price"
	case errors.Is(err, state.ErrCollateralCapReached):
		return "cap_reached"
	case errors.Is(err, state.ErrMarketMismatch):
		return "market_mismatch"
	case errors.Is(err, state.ErrMinimumHoldPeriod):
		return "hold_period"
	case errors.Is(err, state.ErrInvariant):
		return "invariant"
	case errors.Is(err, state.ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, state.ErrConfiguration):
		return "configuration"
	default:
		return "other"
	}
}

// isHookReason marks the rejection reasons that correspond to a policy
// hook refusing admission, as opposed to malformed input or internal
// failure.
func isHookReason(reason string) bool {
	switch reason {
	case "paused", "hold_period", "insufficient_collateral", "price",
		"cap_reached", "unauthorized", "no_liquidation":
		return true
	}
	return false
}

// appendBatch applies a generated batch to the scratch world's tracker
// and collects it for persistence. A batch our own generator produced
// failing to apply is an invariant violation.
func appendBatch(w *World, batches []*ledger.Batch, b *ledger.Batch) ([]*ledger.Batch, error) {
	if b == nil {
		return batches, nil
	}
	if err := w.Tracker.ApplyBatch(b); err != nil {
		return batches, fmt.Errorf("%w: journal batch failed to apply: %v", state.ErrInvariant, err)
	}
	return append(batches, b), nil
}

// Snapshot returns the last committed world. Committed worlds are never
// mutated again, so callers may read the result without locks.
func (e *Engine) Snapshot() *World {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.world
}

// Sequence returns the next envelope sequence to be assigned.
func (e *Engine) Sequence() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequence
}

// ChainTip returns the state hash of the last applied operation.
func (e *Engine) ChainTip() [32]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastHash
}

// Restore primes the engine from a snapshot: the world, the next
// sequence to assign, the hash chain tip, and the feed cursors.
func (e *Engine) Restore(world *World, nextSequence int64, tip [32]byte, cursors map[string]int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.world = world
	e.sequence = nextSequence
	e.lastHash = tip
	e.hasher.Restore(tip)
	for partition, cursor := range cursors {
		e.seqValidator.SetExpectedSequence(partition, cursor)
	}
}

// WarmIdempotency preloads recently processed composite keys so a
// restart does not fall through to the database on every redelivery.
func (e *Engine) WarmIdempotency(keys []string) {
	e.idempotency.Warm(keys)
}

// IdempotencyKeys exports the hot dedup keys oldest-first for the
// snapshot, so a restore can warm the LRU back to the same state.
func (e *Engine) IdempotencyKeys() []string {
	return e.idempotency.Keys()
}

// FeedCursors exports the sequence cursors for snapshotting.
func (e *Engine) FeedCursors() map[string]int64 {
	return e.seqValidator.Cursors()
}
