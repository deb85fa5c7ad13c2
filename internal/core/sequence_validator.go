package core

import (
	"errors"
	"fmt"
)

// Sequence failures, distinguishable so the engine can count them
// separately.
var (
	ErrSequenceGap = errors.New("core: sequence gap")
	ErrOutOfOrder  = errors.New("core: out-of-order operation")
)

// SequenceValidator validates source sequences per partition. The ops
// and governance feeds are strict: every sequence must arrive exactly
// once, in order. Price and accrual feeds are monotone-only: stale
// sequences are dropped and gaps tolerated, since a missed observation
// is superseded by the next one.
// Not thread-safe — only accessed from the single-threaded engine loop.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateStrict checks source sequence ordering on a dense feed.
func (sv *SequenceValidator) ValidateStrict(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		// Stale or duplicate
		if isDuplicate {
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	// sourceSequence > expected: gap detected
	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// ObserveFeed advances a monotone feed cursor. It reports false for a
// stale sequence (caller drops silently) and true for a fresh one; gaps
// are recorded but accepted.
func (sv *SequenceValidator) ObserveFeed(partition string, sequence int64) bool {
	expected := sv.expectedNextSeq[partition]

	if sequence < expected {
		return false
	}
	if sequence > expected && expected > 0 {
		sv.metrics.RecordFeedGap(partition, expected, sequence)
	}
	sv.expectedNextSeq[partition] = sequence + 1
	return true
}

// ExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) ExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes a cursor, used during recovery.
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Cursors returns a copy of every feed cursor, used by snapshots.
func (sv *SequenceValidator) Cursors() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe — only accessed from the single-threaded engine loop.
type SequenceMetrics struct {
	gaps       map[string]int64
	outOfOrder map[string]int64
	feedGaps   map[string]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
		feedGaps:   make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordFeedGap(partition string, expected, got int64) {
	m.feedGaps[partition]++
}

func (m *SequenceMetrics) Gaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) OutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) FeedGaps(partition string) int64 {
	return m.feedGaps[partition]
}
