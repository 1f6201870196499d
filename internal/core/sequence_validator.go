package core

import (
	"errors"
	"fmt"
	"maps"

	"PoolLedger/internal/observability"
)

var ErrOutOfOrder = errors.New("out-of-order event")

// SequenceValidator checks upstream ordering per partition. Sequence zero
// marks an unsequenced submission (gRPC callers, keeper ticks) and is never
// validated. Gaps are tolerated and counted: upstreams may filter events for
// other pools out of their stream.
// Not thread-safe; only the core goroutine touches it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence rejects a new event whose sequence was already passed.
// Duplicates behind the cursor are fine; the caller drops them.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	if sourceSequence == 0 {
		return nil
	}
	expected, seen := sv.expectedNextSeq[partition]

	if seen && sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d", ErrOutOfOrder, partition, expected, sourceSequence)
	}

	if seen && sourceSequence > expected && sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return nil
}

// Advance moves the cursor past an applied event.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if sourceSequence == 0 {
		return
	}
	if sourceSequence >= sv.expectedNextSeq[partition] {
		sv.expectedNextSeq[partition] = sourceSequence + 1
	}
}

func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition sets a cursor during recovery.
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	sv.expectedNextSeq[partition] = next
}

func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	return maps.Clone(sv.expectedNextSeq)
}
