package mqttsource

import (
	"fmt"
	"time"
)

// QoS is the MQTT delivery guarantee requested for the subscription.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// ParseQoS validates a configured QoS level.
func ParseQoS(v int) (QoS, error) {
	if v < 0 || v > 2 {
		return 0, fmt.Errorf("invalid QoS %d (want 0, 1 or 2)", v)
	}
	return QoS(v), nil
}

// Subscription is the single long-lived broker subscription the source
// maintains: a topic filter (wildcards allowed) and the delivery QoS.
type Subscription struct {
	TopicFilter string
	QoS         QoS
}

// Config holds all configuration for the broker connection.
type Config struct {
	BrokerHost string
	BrokerPort int
	// Username and Password are optional; when empty the broker is assumed
	// to run without access control.
	Username string
	Password string
	// ClientID should be stable across restarts so the broker can hold a
	// persistent session and redeliver unacked messages. When empty a random
	// ID is generated and cross-restart redelivery is lost.
	ClientID string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// ReconnectMin and ReconnectMax bound the exponential backoff between
	// reconnect attempts. Reconnects are attempted until shutdown.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Subscription Subscription
}

// brokerURL builds the paho broker address.
func (c *Config) brokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.BrokerHost, c.BrokerPort)
}
