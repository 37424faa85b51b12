package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Delivery is a single inbound broker message before normalization. Ack must
// be invoked exactly once, and only after the message has been safely queued
// or deliberately discarded; an unacked delivery stays with the broker for
// redelivery.
type Delivery struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
	ClientID   string
	// Duplicate is set when the broker flags the delivery as a resend.
	Duplicate bool
	Ack       func()
}

// RawMessage is the canonical, normalized form of a broker message flowing
// through the pipeline. The payload bytes are verbatim and must never be
// re-encoded or transformed downstream.
type RawMessage struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
	ClientID   string
}

// Normalizer validates a delivery and converts it into the canonical form.
// A returned error marks the delivery as malformed; the pipeline drops it
// without touching the store and carries on.
type Normalizer func(d *Delivery) (*RawMessage, error)

// RecordWriter persists one raw message. Implementations own their retry
// policy: Write returns nil once the record is durable (or recognized as an
// exact duplicate of a durable record), ErrRecordDropped when the record was
// abandoned after the retry budget, and a *PermanentError when the store
// rejects writes in a way further attempts cannot fix.
type RecordWriter interface {
	Write(ctx context.Context, msg *RawMessage) error
}

// ErrIntakeClosed is returned by Enqueue once shutdown has gated the intake.
// The delivery is not acked, so the broker redelivers it on the next run.
var ErrIntakeClosed = errors.New("pipeline intake is closed")

// ErrRecordDropped marks a record abandoned after the write retry budget.
// The pipeline logs and counts it, then continues with the next message.
var ErrRecordDropped = errors.New("record dropped after exhausting write retries")

// PermanentError wraps a store rejection that retries cannot fix, such as a
// failed authentication or a schema constraint. It halts ingestion.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent store error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}
