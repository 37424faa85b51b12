package mqttsource

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MischaAhrens/rawstore/pkg/ingest"
)

// InvalidTopicError marks a delivery whose topic must never reach the store.
// Such deliveries are dropped and acked; redelivering them would fail the
// same way.
type InvalidTopicError struct {
	Topic  string
	Reason string
}

func (e *InvalidTopicError) Error() string {
	return fmt.Sprintf("invalid topic %q: %s", e.Topic, e.Reason)
}

// Normalize converts a broker delivery into the canonical stored form. Only
// the topic is validated; payload bytes pass through untouched, whatever
// they contain.
func Normalize(d *ingest.Delivery) (*ingest.RawMessage, error) {
	if d.Topic == "" {
		return nil, &InvalidTopicError{Topic: d.Topic, Reason: "empty"}
	}
	if strings.ContainsAny(d.Topic, "+#") {
		return nil, &InvalidTopicError{Topic: d.Topic, Reason: "contains a wildcard character"}
	}
	if strings.ContainsRune(d.Topic, '\x00') {
		return nil, &InvalidTopicError{Topic: d.Topic, Reason: "contains NUL"}
	}
	if !utf8.ValidString(d.Topic) {
		return nil, &InvalidTopicError{Topic: d.Topic, Reason: "not valid UTF-8"}
	}

	received := d.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}

	return &ingest.RawMessage{
		Topic:      d.Topic,
		Payload:    d.Payload,
		ReceivedAt: received,
		ClientID:   d.ClientID,
	}, nil
}
