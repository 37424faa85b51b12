package mongostore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Reader reads stored records back. It exists for operators verifying the
// end-to-end path; it is deliberately not a query engine.
type Reader struct {
	coll   *mongo.Collection
	logger zerolog.Logger
}

// Tail returns the newest records, most recent first, optionally restricted
// to one exact topic.
func (r *Reader) Tail(ctx context.Context, topic string, limit int64) ([]StoreRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	filter := bson.M{}
	if topic != "" {
		filter["topic"] = topic
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "received_at", Value: -1}}).
		SetLimit(limit)

	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("tail query: %w", err)
	}

	var records []StoreRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decode tail results: %w", err)
	}
	r.logger.Debug().Str("topic", topic).Int64("limit", limit).Int("returned", len(records)).
		Msg("Tailed stored records.")
	return records, nil
}
