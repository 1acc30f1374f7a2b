package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTConfig configures the stats publisher.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
	Interval time.Duration
	Encoding Encoding
}

// Publisher periodically publishes snapshots to an MQTT topic.
type Publisher struct {
	cfg       MQTTConfig
	sessionID string
	src       Source
	client    mqtt.Client
	log       *logrus.Entry

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithClient uses c instead of a client built from the config.
func WithClient(c mqtt.Client) PublisherOption {
	return func(p *Publisher) { p.client = c }
}

// NewPublisher builds a publisher for src. The client id defaults to
// "capturevpedisplay-" and a random suffix.
func NewPublisher(cfg MQTTConfig, sessionID string, src Source, opts ...PublisherOption) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "capturevpedisplay-" + uuid.NewString()[:8]
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	p := &Publisher{
		cfg:       cfg,
		sessionID: sessionID,
		src:       src,
		log: logrus.WithFields(logrus.Fields{
			"component":  "mqtt-publisher",
			"session_id": sessionID,
		}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials the broker. Reconnection after a lost connection is left
// to the client.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(fmt.Sprintf("tcp://%s", p.cfg.Broker))
		opts.SetClientID(p.cfg.ClientID)
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetConnectRetryInterval(2 * time.Second)
		opts.SetMaxReconnectInterval(30 * time.Second)
		opts.OnConnect = func(mqtt.Client) {
			p.setConnected(true)
			p.log.WithField("broker", p.cfg.Broker).Info("mqtt connection established")
		}
		opts.OnConnectionLost = func(_ mqtt.Client, err error) {
			p.setConnected(false)
			p.log.WithError(err).Warn("mqtt connection lost, will auto-reconnect")
		}
		p.client = mqtt.NewClient(opts)
	}

	p.log.WithField("broker", p.cfg.Broker).Info("connecting to mqtt broker")
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return nil
}

// Run publishes a snapshot every interval until ctx ends. Failed publishes
// are counted and logged.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Publish(); err != nil {
				p.log.WithError(err).Debug("stats not published")
			}
		}
	}
}

// Publish sends one snapshot now.
func (p *Publisher) Publish() error {
	if !p.isConnected() {
		p.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := p.cfg.Encoding.Encode(Take(p.sessionID, p.src))
	if err != nil {
		p.countError()
		return err
	}

	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	p.log.WithFields(logrus.Fields{"topic": p.cfg.Topic, "size": len(payload)}).Trace("stats published")
	return nil
}

// Disconnect closes the connection with a short grace period.
func (p *Publisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.log.Info("mqtt disconnected")
	}
	p.setConnected(false)
}

// Connected reports the last known connection state.
func (p *Publisher) Connected() bool { return p.isConnected() }

// PublisherStats counts publish outcomes.
type PublisherStats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

func (p *Publisher) Stats() PublisherStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PublisherStats{Connected: p.connected, Published: p.published, Errors: p.errors}
}

func (p *Publisher) setConnected(on bool) {
	p.mu.Lock()
	p.connected = on
	p.mu.Unlock()
}

func (p *Publisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *Publisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
