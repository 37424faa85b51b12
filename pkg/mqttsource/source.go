package mqttsource

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MischaAhrens/rawstore/pkg/ingest"
)

// disconnectQuiesce is the grace period given to the paho client to flush
// outstanding protocol work before the network connection is torn down.
const disconnectQuiesce = 500 // milliseconds

// DeliveryHandler receives each inbound broker message. A nil return means
// the delivery was fully handled and its Ack has run; a non-nil return
// leaves the message unacked with the broker.
type DeliveryHandler func(ctx context.Context, d *ingest.Delivery) error

// Source owns the single paho client and its connection lifecycle. It dials
// the broker, maintains the one configured subscription across reconnects,
// and hands every delivery to the DeliveryHandler. Handler invocations are
// serialized by the paho router, so a blocked handler stalls protocol acks
// and throttles producers through the broker's inflight window.
type Source struct {
	cfg     Config
	deliver DeliveryHandler
	logger  zerolog.Logger

	client      mqtt.Client
	newClient   func(*mqtt.ClientOptions) mqtt.Client
	state       atomic.Int32
	onState     func(prev, next ConnState)
	intakeOpen  atomic.Bool
	started     atomic.Bool
	connLost    chan error
	managerDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	stopOnce  sync.Once
	closeOnce sync.Once
}

// New creates a Source. It does not connect until Start is called.
func New(cfg Config, deliver DeliveryHandler, logger zerolog.Logger) (*Source, error) {
	if cfg.BrokerHost == "" {
		return nil, fmt.Errorf("broker host is required")
	}
	if cfg.Subscription.TopicFilter == "" {
		return nil, fmt.Errorf("subscription topic filter is required")
	}
	if deliver == nil {
		return nil, fmt.Errorf("delivery handler cannot be nil")
	}
	if cfg.BrokerPort == 0 {
		cfg.BrokerPort = 1883
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 1 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 120 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("rawstore-%s", uuid.NewString()[:8])
		logger.Warn().Str("client_id", cfg.ClientID).
			Msg("No broker client ID configured, generated a random one. Redelivery across restarts is lost.")
	}

	s := &Source{
		cfg:         cfg,
		deliver:     deliver,
		logger:      logger.With().Str("component", "MqttSource").Logger(),
		newClient:   mqtt.NewClient,
		connLost:    make(chan error, 1),
		managerDone: make(chan struct{}),
	}
	s.intakeOpen.Store(true)
	return s, nil
}

// OnStateChange registers a callback invoked on every connection state
// transition. It must be set before Start.
func (s *Source) OnStateChange(fn func(prev, next ConnState)) {
	s.onState = fn
}

// State returns the current connection state.
func (s *Source) State() ConnState {
	return ConnState(s.state.Load())
}

// Start creates the paho client and launches the manager goroutine that owns
// connecting, subscribing and reconnecting. It returns immediately; a broker
// that is down at startup is retried until ctx is cancelled or Close is called.
func (s *Source) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("source already started")
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.client = s.newClient(s.createMqttOptions())
	go s.manage()
	return nil
}

// manage is the connection manager loop. Every pass establishes a session
// and re-issues the subscription, then blocks until the connection is lost
// or the source shuts down.
func (s *Source) manage() {
	defer close(s.managerDone)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectMin
	bo.MaxInterval = s.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	for {
		if err := s.connect(); err != nil {
			if s.client.IsConnected() {
				s.client.Disconnect(disconnectQuiesce)
			}
			s.setState(StateReconnecting)
			wait := bo.NextBackOff()
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Broker connection attempt failed, retrying.")
			select {
			case <-time.After(wait):
				continue
			case <-s.runCtx.Done():
				return
			}
		}
		bo.Reset()

		select {
		case err := <-s.connLost:
			s.setState(StateReconnecting)
			s.logger.Error().Err(err).Msg("Broker connection lost.")
		case <-s.runCtx.Done():
			return
		}
	}
}

// connect dials the broker and re-issues the subscription. Both must succeed
// before the source is considered active.
func (s *Source) connect() error {
	s.setState(StateConnecting)
	s.logger.Info().Str("broker", s.cfg.brokerURL()).Str("client_id", s.cfg.ClientID).Msg("Connecting to MQTT broker...")

	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("broker connect timed out after %s", s.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	s.setState(StateConnected)

	return s.subscribe()
}

// subscribe issues the configured subscription. Broker-side subscription
// state is never assumed to have survived a reconnect.
func (s *Source) subscribe() error {
	s.setState(StateSubscribing)
	sub := s.cfg.Subscription

	token := s.client.Subscribe(sub.TopicFilter, byte(sub.QoS), s.handler(s.runCtx))
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("subscribe to %q timed out after %s", sub.TopicFilter, s.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %q: %w", sub.TopicFilter, err)
	}

	s.setState(StateActive)
	s.logger.Info().Str("filter", sub.TopicFilter).Int("qos", int(sub.QoS)).Msg("Subscribed, consuming messages.")
	return nil
}

// handler converts each paho message into a Delivery and hands it over.
// The payload is copied once here; paho reuses its buffers.
func (s *Source) handler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if !s.intakeOpen.Load() {
			s.logger.Debug().Str("topic", msg.Topic()).Msg("Intake stopped, leaving message unacknowledged.")
			return
		}

		payload := make([]byte, len(msg.Payload()))
		copy(payload, msg.Payload())

		d := &ingest.Delivery{
			Topic:      msg.Topic(),
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
			ClientID:   s.cfg.ClientID,
			Duplicate:  msg.Duplicate(),
			Ack:        msg.Ack,
		}
		if err := s.deliver(ctx, d); err != nil {
			s.logger.Warn().Err(err).Str("topic", msg.Topic()).
				Msg("Message was not queued, leaving it unacknowledged for redelivery.")
		}
	}
}

// GetMessageHandlerForTest returns the internal message handler for unit testing.
func (s *Source) GetMessageHandlerForTest(ctx context.Context) mqtt.MessageHandler {
	return s.handler(ctx)
}

// SetClientFactoryForTest replaces the paho client constructor for unit
// testing. The factory receives the fully assembled client options. It must
// be called before Start.
func (s *Source) SetClientFactoryForTest(f func(*mqtt.ClientOptions) mqtt.Client) {
	s.newClient = f
}

// StopIntake stops new messages from entering the pipeline while keeping the
// connection up. Deliveries that raced the unsubscribe stay unacked with the
// broker. Idempotent.
func (s *Source) StopIntake() {
	s.stopOnce.Do(func() {
		s.intakeOpen.Store(false)
		if s.client != nil && s.client.IsConnected() {
			token := s.client.Unsubscribe(s.cfg.Subscription.TopicFilter)
			if token.WaitTimeout(2*time.Second) && token.Error() != nil {
				s.logger.Warn().Err(token.Error()).Str("filter", s.cfg.Subscription.TopicFilter).
					Msg("Failed to unsubscribe while stopping intake.")
			}
		}
		s.logger.Info().Msg("Broker intake stopped.")
	})
}

// Close tears down the broker connection. During an ordered shutdown
// StopIntake runs first; Close on its own abandons in-flight deliveries.
// Idempotent.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		if s.runCancel != nil {
			s.runCancel()
		}
		if s.started.Load() {
			<-s.managerDone
		}
		if s.client != nil && s.client.IsConnected() {
			s.client.Disconnect(disconnectQuiesce)
		}
		s.setState(StateDisconnected)
		s.logger.Info().Msg("Broker connection closed.")
	})
}

// setState swaps the connection state, logging and notifying on change.
func (s *Source) setState(next ConnState) {
	prev := ConnState(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	s.logger.Info().Str("from", prev.String()).Str("to", next.String()).Msg("Broker connection state changed.")
	if s.onState != nil {
		s.onState(prev, next)
	}
}

// createMqttOptions assembles the paho client options. Auto-reconnect and
// connect-retry stay off: the manager loop owns reconnection so that the
// subscription is always re-issued and state transitions stay observable.
func (s *Source) createMqttOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.brokerURL())
	opts.SetClientID(s.cfg.ClientID)
	opts.SetUsername(s.cfg.Username)
	opts.SetPassword(s.cfg.Password)
	opts.SetKeepAlive(s.cfg.KeepAlive)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	// A persistent session (with a stable client ID) makes the broker hold
	// unacked QoS>0 messages for redelivery.
	opts.SetCleanSession(false)
	// Serialized handler calls preserve arrival order into the queue.
	opts.SetOrderMatters(true)
	// Acks are issued manually, only after a message is durably queued.
	opts.SetAutoAckDisabled(true)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case s.connLost <- err:
		default:
		}
	})
	return opts
}
