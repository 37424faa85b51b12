package mongostore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/MischaAhrens/rawstore/pkg/ingest"
	"github.com/MischaAhrens/rawstore/pkg/metrics"
	"github.com/MischaAhrens/rawstore/pkg/mongostore"
)

// fastRetry keeps the backoff schedule short enough for unit tests.
func fastRetry() mongostore.WriterConfig {
	return mongostore.WriterConfig{
		WriteTimeout: 100 * time.Millisecond,
		MaxAttempts:  3,
		RetryMin:     time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}
}

func newTestWriter(t *testing.T, cfg mongostore.WriterConfig, ins mongostore.RecordInserter) *mongostore.Writer {
	t.Helper()
	w, err := mongostore.NewWriter(cfg, ins, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, err)
	return w
}

func rawMessage() *ingest.RawMessage {
	return &ingest.RawMessage{
		Topic:      "device1/raw_message_to_db",
		Payload:    []byte("23.5"),
		ReceivedAt: time.Now().UTC(),
		ClientID:   "bridge-1",
	}
}

// --- Test Cases ---

func TestNewWriter_Validation(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	_, err := mongostore.NewWriter(mongostore.WriterConfig{}, nil, m, zerolog.Nop())
	require.Error(t, err)

	_, err = mongostore.NewWriter(mongostore.WriterConfig{}, &fakeInserter{}, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestWriter_FirstAttemptSucceeds(t *testing.T) {
	// Arrange
	ins := &fakeInserter{}
	w := newTestWriter(t, fastRetry(), ins)

	// Act
	err := w.Write(context.Background(), rawMessage())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, ins.callCount())
	rec := ins.lastInserted()
	require.NotNil(t, rec)
	assert.Equal(t, "device1/raw_message_to_db", rec.Topic)
	assert.Equal(t, []byte("23.5"), rec.Payload)
	assert.Len(t, rec.PayloadHash, 64)
}

func TestWriter_RetriesTransientFailures(t *testing.T) {
	// Arrange: two transient failures, then success.
	ins := &fakeInserter{errs: []error{
		errors.New("connection reset by peer"),
		errors.New("connection reset by peer"),
	}}
	w := newTestWriter(t, fastRetry(), ins)

	// Act
	err := w.Write(context.Background(), rawMessage())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, ins.callCount())
}

func TestWriter_ExhaustedBudgetDropsRecord(t *testing.T) {
	// Arrange: every attempt fails with a transient error.
	transient := errors.New("connection reset by peer")
	ins := &fakeInserter{errs: []error{transient, transient, transient}}
	w := newTestWriter(t, fastRetry(), ins)

	// Act
	err := w.Write(context.Background(), rawMessage())

	// Assert
	require.ErrorIs(t, err, ingest.ErrRecordDropped)
	assert.Equal(t, 3, ins.callCount(), "budget is total attempts, first try included")
}

func TestWriter_AuthenticationFailureIsPermanent(t *testing.T) {
	// Arrange
	ins := &fakeInserter{errs: []error{
		mongo.CommandError{Code: 18, Name: "AuthenticationFailed", Message: "authentication failed"},
	}}
	w := newTestWriter(t, fastRetry(), ins)

	// Act
	err := w.Write(context.Background(), rawMessage())

	// Assert
	var perm *ingest.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, 1, ins.callCount(), "permanent rejections must not be retried")
}

func TestWriter_SchemaValidationFailureIsPermanent(t *testing.T) {
	// Arrange
	ins := &fakeInserter{errs: []error{
		mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 121, Message: "Document failed validation"}}},
	}}
	w := newTestWriter(t, fastRetry(), ins)

	// Act
	err := w.Write(context.Background(), rawMessage())

	// Assert
	var perm *ingest.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, 1, ins.callCount())
}

func TestWriter_DuplicateKeyCountsAsStored(t *testing.T) {
	// Arrange
	ins := &fakeInserter{errs: []error{
		mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key error"}}},
	}}
	w := newTestWriter(t, fastRetry(), ins)

	// Act
	err := w.Write(context.Background(), rawMessage())

	// Assert: the record is already durable, so the write succeeds.
	require.NoError(t, err)
	assert.Equal(t, 1, ins.callCount())
}

func TestWriter_ShutdownCancelsRetryLoop(t *testing.T) {
	// Arrange: retries spaced far wider than the context allows.
	transient := errors.New("connection reset by peer")
	ins := &fakeInserter{errs: []error{transient, transient, transient, transient}}
	cfg := fastRetry()
	cfg.RetryMin = 200 * time.Millisecond
	cfg.RetryMax = 400 * time.Millisecond
	w := newTestWriter(t, cfg, ins)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Act
	err := w.Write(ctx, rawMessage())

	// Assert: cancellation is reported as such, never as a dropped record.
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ingest.ErrRecordDropped)
	assert.Equal(t, 1, ins.callCount())
}

// --- Mocks ---

// fakeInserter consumes errs one per call; a nil entry or an exhausted slice
// means the insert succeeds and is recorded.
type fakeInserter struct {
	mu       sync.Mutex
	errs     []error
	inserted []*mongostore.StoreRecord
	calls    int
}

func (f *fakeInserter) InsertRecord(_ context.Context, rec *mongostore.StoreRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.inserted = append(f.inserted, rec)
	return nil
}

func (f *fakeInserter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeInserter) lastInserted() *mongostore.StoreRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inserted) == 0 {
		return nil
	}
	return f.inserted[len(f.inserted)-1]
}
