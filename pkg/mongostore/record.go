package mongostore

import (
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/MischaAhrens/rawstore/pkg/ingest"
)

// StoreRecord is the persisted form of one broker message. Payload bytes are
// stored verbatim. PayloadHash is a hex BLAKE3 digest so that the tuple
// (topic, received_at, payload_hash) recognizes exact redelivery duplicates
// during later inspection; duplicates are tolerated, never rejected.
type StoreRecord struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Topic       string             `bson:"topic" json:"topic"`
	Payload     []byte             `bson:"payload" json:"payload"`
	ReceivedAt  time.Time          `bson:"received_at" json:"received_at"`
	ClientID    string             `bson:"broker_client_id" json:"broker_client_id"`
	PayloadHash string             `bson:"payload_hash" json:"payload_hash"`
}

// NewStoreRecord builds the stored document for a raw message.
func NewStoreRecord(msg *ingest.RawMessage) *StoreRecord {
	sum := blake3.Sum256(msg.Payload)
	return &StoreRecord{
		Topic:       msg.Topic,
		Payload:     msg.Payload,
		ReceivedAt:  msg.ReceivedAt,
		ClientID:    msg.ClientID,
		PayloadHash: hex.EncodeToString(sum[:]),
	}
}
