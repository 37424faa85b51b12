package mqttsource_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MischaAhrens/rawstore/pkg/ingest"
	"github.com/MischaAhrens/rawstore/pkg/mqttsource"
)

func TestNormalize_ValidDeliveryPassesThroughVerbatim(t *testing.T) {
	// Arrange
	receivedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d := &ingest.Delivery{
		Topic:      "device1/raw_message_to_db",
		Payload:    []byte{0xde, 0xad, 0x00, 0xbe, 0xef},
		ReceivedAt: receivedAt,
		ClientID:   "bridge-1",
	}

	// Act
	msg, err := mqttsource.Normalize(d)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "device1/raw_message_to_db", msg.Topic)
	assert.Equal(t, []byte{0xde, 0xad, 0x00, 0xbe, 0xef}, msg.Payload)
	assert.Equal(t, receivedAt, msg.ReceivedAt)
	assert.Equal(t, "bridge-1", msg.ClientID)
}

func TestNormalize_FillsMissingReceiptTime(t *testing.T) {
	// Arrange
	d := &ingest.Delivery{Topic: "a/b", Payload: []byte("1")}

	// Act
	msg, err := mqttsource.Normalize(d)

	// Assert
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), msg.ReceivedAt, time.Second)
}

func TestNormalize_RejectsMalformedTopics(t *testing.T) {
	testCases := []struct {
		name  string
		topic string
	}{
		{name: "empty topic", topic: ""},
		{name: "plus wildcard", topic: "devices/+/raw_message_to_db"},
		{name: "hash wildcard", topic: "devices/#"},
		{name: "embedded nul", topic: "devices/a\x00b"},
		{name: "invalid utf8", topic: "devices/\xff\xfe"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Act
			_, err := mqttsource.Normalize(&ingest.Delivery{Topic: tc.topic, Payload: []byte("x")})

			// Assert
			require.Error(t, err)
			var invalid *mqttsource.InvalidTopicError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tc.topic, invalid.Topic)
		})
	}
}
