package event

import (
	"github.com/google/uuid"
)

// DefaultPartition orders events that carry no source.
const DefaultPartition = "global"

// Header is carried by every operation.
type Header struct {
	RequestID uuid.UUID `json:"request_id"`
	Source    string    `json:"source,omitempty"`
	Sequence  int64     `json:"sequence"`
	Timestamp uint64    `json:"timestamp"`
	Caller    uuid.UUID `json:"caller"`
}

func (h *Header) IdempotencyKey() string { return h.RequestID.String() }

func (h *Header) SourceSequence() int64 { return h.Sequence }

func (h *Header) EventTime() uint64 { return h.Timestamp }

func (h *Header) CallerID() uuid.UUID { return h.Caller }

func (h *Header) Partition() string {
	if h.Source == "" {
		return DefaultPartition
	}
	return "source:" + h.Source
}

// Authenticate replaces the caller with the identity a transport verified.
func (h *Header) Authenticate(caller uuid.UUID) { h.Caller = caller }
