package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/MischaAhrens/rawstore/pkg/ingest"
	"github.com/MischaAhrens/rawstore/pkg/metrics"
)

// Permanent mongo server error codes. Writes failing with one of these are
// never retried; another attempt would fail identically.
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
	codeDocValidationFailure = 121
)

// RecordInserter is the narrow store operation the write path needs. It is
// an interface so the retry policy can be exercised against fakes.
type RecordInserter interface {
	InsertRecord(ctx context.Context, rec *StoreRecord) error
}

// WriterConfig holds the retry policy for store writes.
type WriterConfig struct {
	// WriteTimeout bounds each individual insert attempt.
	WriteTimeout time.Duration
	// MaxAttempts is the total write budget per record, first try included.
	MaxAttempts int
	// RetryMin and RetryMax bound the exponential backoff between attempts.
	RetryMin time.Duration
	RetryMax time.Duration
}

// Writer persists raw messages through a RecordInserter with bounded,
// classified retries. It implements ingest.RecordWriter.
type Writer struct {
	cfg      WriterConfig
	inserter RecordInserter
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewWriter creates a Writer over the given inserter.
func NewWriter(cfg WriterConfig, inserter RecordInserter, m *metrics.Metrics, logger zerolog.Logger) (*Writer, error) {
	if inserter == nil {
		return nil, fmt.Errorf("record inserter cannot be nil")
	}
	if m == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 8 * time.Second
	}

	return &Writer{
		cfg:      cfg,
		inserter: inserter,
		logger:   logger.With().Str("component", "StoreWriter").Logger(),
		metrics:  m,
	}, nil
}

// Write persists one raw message. Transient failures are retried up to the
// configured budget; a record abandoned after the budget is reported with
// ingest.ErrRecordDropped so the pipeline can count the loss and continue.
// Permanent store rejections come back as *ingest.PermanentError.
func (w *Writer) Write(ctx context.Context, msg *ingest.RawMessage) error {
	rec := NewStoreRecord(msg)

	op := func() error {
		insertCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
		defer cancel()

		err := w.inserter.InsertRecord(insertCtx, rec)
		if err == nil {
			return nil
		}
		if mongo.IsDuplicateKeyError(err) {
			// An identical record already landed, typically through broker
			// redelivery racing a deployment-added unique index. The data is
			// durable, which is all the contract asks.
			w.logger.Debug().Str("topic", msg.Topic).Msg("Record already stored, treating duplicate key as success.")
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(&ingest.PermanentError{Err: err})
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.RetryMin
	bo.MaxInterval = w.cfg.RetryMax
	bo.MaxElapsedTime = 0

	err := backoff.RetryNotify(
		op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(w.cfg.MaxAttempts-1)), ctx),
		func(err error, wait time.Duration) {
			w.metrics.IncStoreRetries()
			w.logger.Warn().Err(err).Dur("retry_in", wait).Str("topic", msg.Topic).Msg("Store write failed, will retry.")
		},
	)
	if err == nil {
		return nil
	}

	var perm *ingest.PermanentError
	if errors.As(err, &perm) {
		w.logger.Error().Err(perm.Err).Str("topic", msg.Topic).Msg("Store rejected write permanently.")
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.logger.Error().Err(err).Str("topic", msg.Topic).Time("received_at", msg.ReceivedAt).
		Int("attempts", w.cfg.MaxAttempts).Msg("Store write retries exhausted, dropping record.")
	return fmt.Errorf("%w (last error: %v)", ingest.ErrRecordDropped, err)
}

// isPermanent reports whether the store rejected the write in a way another
// attempt cannot fix. Unknown errors count as transient so that loss only
// ever happens after the observable retry budget.
func isPermanent(err error) bool {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return false
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case codeUnauthorized, codeAuthenticationFailed, codeDocValidationFailure:
			return true
		}
	}

	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		for _, we := range writeErr.WriteErrors {
			switch we.Code {
			case codeUnauthorized, codeAuthenticationFailed, codeDocValidationFailure:
				return true
			}
		}
	}

	return false
}
