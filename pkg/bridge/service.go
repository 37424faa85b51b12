package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/MischaAhrens/rawstore/pkg/metrics"
	"github.com/MischaAhrens/rawstore/pkg/mqttsource"
)

// The collaborators are consumed through narrow interfaces so the ordered
// shutdown can be exercised against fakes.

type messageStore interface {
	Close(ctx context.Context) error
}

type brokerSource interface {
	Start(ctx context.Context) error
	StopIntake()
	Close()
}

type intakePipeline interface {
	Start(ctx context.Context)
	Drain(ctx context.Context) int
	Fatal() <-chan error
}

// Config holds lifecycle configuration for the bridge service.
type Config struct {
	HTTPAddr string
	// DrainTimeout bounds the shutdown drain. Messages still queued when it
	// expires are discarded, logged and counted; the exit stays clean.
	DrainTimeout time.Duration
	// CloseTimeout bounds the store disconnect and HTTP server shutdown.
	CloseTimeout time.Duration
}

// Service owns the bridge lifecycle: it brings the components up in
// dependency order, reports readiness, and runs the ordered shutdown.
type Service struct {
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	store    messageStore
	source   brokerSource
	pipeline intakePipeline
	server   *Server

	state      atomic.Int32
	pipeCtx    context.Context
	pipeCancel context.CancelFunc
	stopOnce   sync.Once
}

// New creates the Service. The store must arrive already connected: holding
// broker traffic until persistence is proven is the caller's startup gate.
func New(
	cfg Config,
	store messageStore,
	source brokerSource,
	pipeline intakePipeline,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if m == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger.With().Str("component", "Bridge").Logger(),
		metrics:  m,
		store:    store,
		source:   source,
		pipeline: pipeline,
		server:   NewServer(logger, cfg.HTTPAddr),
	}
	s.server.Mux().HandleFunc("/readyz", s.readyzHandler)
	return s, nil
}

// Start brings the bridge up: ops server, pipeline workers, then the broker
// source, so that no message can arrive before it can be persisted. The
// broker session itself is established asynchronously; a broker that is down
// leaves the bridge retrying with readiness false.
func (s *Service) Start() error {
	s.setState(StateStoreReady)

	if err := s.server.Start(); err != nil {
		return err
	}

	s.pipeCtx, s.pipeCancel = context.WithCancel(context.Background())
	s.pipeline.Start(s.pipeCtx)

	if err := s.source.Start(s.pipeCtx); err != nil {
		return fmt.Errorf("start broker source: %w", err)
	}

	s.logger.Info().Msg("Bridge started, waiting for broker session.")
	return nil
}

// Run blocks until ctx is cancelled or the pipeline reports a fatal error,
// then performs the ordered shutdown. The returned error is nil whenever the
// shutdown itself was orderly, including a drain that timed out.
func (s *Service) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("Shutdown signal received.")
		s.Stop()
		return nil
	case err := <-s.pipeline.Fatal():
		s.logger.Error().Err(err).Msg("Fatal pipeline error, shutting down.")
		s.Stop()
		return err
	}
}

// Stop performs the ordered shutdown: stop intake, drain within the budget,
// close the store, drop the broker connection, stop the HTTP server.
// Idempotent; Run calls it on exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.setState(StateDraining)

		s.source.StopIntake()

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
		dropped := s.pipeline.Drain(drainCtx)
		cancelDrain()
		if dropped > 0 {
			s.logger.Warn().Int("dropped", dropped).Msg("Drain ended early, queued messages were discarded.")
		}
		if s.pipeCancel != nil {
			s.pipeCancel()
		}

		closeCtx, cancelClose := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
		defer cancelClose()
		if err := s.store.Close(closeCtx); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing store connection.")
		}
		s.source.Close()
		if err := s.server.Shutdown(closeCtx); err != nil {
			s.logger.Warn().Err(err).Msg("Error shutting down HTTP server.")
		}

		s.setState(StateStopped)
		s.logger.Info().Msg("Bridge stopped.")
	})
}

// HandleBrokerState is wired to the source's state callback. It keeps the
// connection gauge current and promotes the lifecycle to Running on the
// first active broker session.
func (s *Service) HandleBrokerState(prev, next mqttsource.ConnState) {
	s.metrics.SetConnectionState(int(next))
	if next == mqttsource.StateReconnecting {
		s.metrics.IncReconnects()
	}
	if next != mqttsource.StateActive {
		return
	}
	if s.lifecycle() == StateStoreReady {
		s.setState(StateBrokerActive)
		s.setState(StateRunning)
		s.logger.Info().Msg("Bridge is running.")
	}
}

// ServerAddr returns the ops server's actual listen address once started.
func (s *Service) ServerAddr() string {
	return s.server.Addr()
}

func (s *Service) lifecycle() State {
	return State(s.state.Load())
}

func (s *Service) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	s.logger.Info().Str("from", prev.String()).Str("to", next.String()).Msg("Bridge lifecycle state changed.")
}

// readyzHandler reports ready only while the bridge is fully running. A
// broker outage at boot keeps readiness false on purpose.
func (s *Service) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	state := s.lifecycle()
	if state == StateRunning {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(state.String()))
}
