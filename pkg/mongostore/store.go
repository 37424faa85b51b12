package mongostore

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Config holds connection parameters for the message store.
type Config struct {
	Host string
	Port int
	// Username, Password and LoginDB are optional; when the username is
	// empty the store is assumed to run without access control.
	Username string
	Password string
	LoginDB  string

	Database   string
	Collection string
}

// URI is the connection string without credentials. Credentials are applied
// separately so they can never leak through logs.
func (c *Config) URI() string {
	return fmt.Sprintf("mongodb://%s:%d", c.Host, c.Port)
}

// LogURI is the connection target in the form operators expect in logs, with
// the password blinded.
func (c *Config) LogURI() string {
	if c.Username == "" {
		return c.URI()
	}
	loginDB := c.LoginDB
	if loginDB == "" {
		loginDB = "admin"
	}
	return fmt.Sprintf("mongodb://%s:****@%s:%d/%s", c.Username, c.Host, c.Port, loginDB)
}

// Store owns the mongo client and the raw message collection. Its connection
// pool is safe for concurrent use by all pipeline workers.
type Store struct {
	cfg    Config
	client *mongo.Client
	coll   *mongo.Collection
	logger zerolog.Logger
}

// Connect establishes the session, verifies the store answers a ping and
// ensures the secondary index. The context bounds the whole startup attempt:
// the ping is retried with backoff until it succeeds or ctx expires. A store
// that stays unreachable is a startup failure, not something to ingest into.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("store host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 27017
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("store database is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("store collection is required")
	}

	log := logger.With().Str("component", "MongoStore").Logger()
	log.Info().Str("uri", cfg.LogURI()).Str("database", cfg.Database).Str("collection", cfg.Collection).
		Msg("Connecting to store...")

	opts := options.Client().ApplyURI(cfg.URI()).SetDirect(true)
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.LoginDB,
		})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("store connect: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	err = backoff.RetryNotify(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx, readpref.Primary())
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("Store ping failed, retrying.")
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store unreachable: %w", err)
	}

	s := &Store{
		cfg:    cfg,
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		logger: log,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Info().Msg("Store connection established.")
	return s, nil
}

// ensureIndexes creates the non-unique (topic, received_at) index used by
// read-back and inspection. Not unique: duplicate records are tolerated.
func (s *Store) ensureIndexes(ctx context.Context) error {
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: "topic", Value: 1}, {Key: "received_at", Value: 1}},
		Options: options.Index().SetName("topic_received_at"),
	}
	name, err := s.coll.Indexes().CreateOne(ctx, model)
	if err != nil {
		return fmt.Errorf("ensure store indexes: %w", err)
	}
	s.logger.Debug().Str("index", name).Msg("Store index ensured.")
	return nil
}

// Inserter returns the driver-backed single-document inserter for the raw
// message collection.
func (s *Store) Inserter() *CollectionInserter {
	return &CollectionInserter{coll: s.coll}
}

// Reader returns a read-back handle over the raw message collection.
func (s *Store) Reader() *Reader {
	return &Reader{coll: s.coll, logger: s.logger}
}

// Close disconnects from the store.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("store disconnect: %w", err)
	}
	s.logger.Info().Msg("Store connection closed.")
	return nil
}

// CollectionInserter is the driver-backed RecordInserter.
type CollectionInserter struct {
	coll *mongo.Collection
}

// InsertRecord inserts one record, returning the raw driver error for the
// writer's retry classification.
func (i *CollectionInserter) InsertRecord(ctx context.Context, rec *StoreRecord) error {
	_, err := i.coll.InsertOne(ctx, rec)
	return err
}
