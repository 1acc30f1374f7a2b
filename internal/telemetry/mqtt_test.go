package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error, complete bool) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements the calls the publisher makes; the embedded
// interface panics on anything else.
type fakeClient struct {
	mqtt.Client

	connectErr  error
	connectHang bool
	publishErr  error

	mu        sync.Mutex
	connected bool
	sent      []published
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectHang {
		return newToken(nil, false)
	}
	c.mu.Lock()
	c.connected = c.connectErr == nil
	c.mu.Unlock()
	return newToken(c.connectErr, true)
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload any) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr == nil {
		c.sent = append(c.sent, published{topic, qos, payload.([]byte)})
	}
	return newToken(c.publishErr, true)
}

func (c *fakeClient) messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.sent...)
}

func newTestPublisher(c *fakeClient, interval time.Duration) *Publisher {
	return NewPublisher(MQTTConfig{
		Broker:   "localhost:1883",
		Topic:    "care/capture/stats",
		QoS:      1,
		Interval: interval,
	}, "session-1", SourceFunc(fixedStats), WithClient(c))
}

func TestNewPublisherDefaults(t *testing.T) {
	p := NewPublisher(MQTTConfig{Topic: "t"}, "s", SourceFunc(fixedStats))
	assert.Contains(t, p.cfg.ClientID, "capturevpedisplay-")
	assert.Equal(t, 5*time.Second, p.cfg.Interval)
}

func TestPublishRequiresConnection(t *testing.T) {
	c := &fakeClient{}
	p := newTestPublisher(c, time.Second)

	assert.Error(t, p.Publish())
	assert.Equal(t, PublisherStats{Errors: 1}, p.Stats())
	assert.Empty(t, c.messages())
}

func TestPublishSendsSnapshot(t *testing.T) {
	c := &fakeClient{}
	p := newTestPublisher(c, time.Second)
	require.NoError(t, p.Connect(context.Background()))
	require.True(t, p.Connected())

	require.NoError(t, p.Publish())

	msgs := c.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "care/capture/stats", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	assert.Contains(t, string(msgs[0].payload), `"session_id":"session-1"`)
	assert.Equal(t, PublisherStats{Connected: true, Published: 1}, p.Stats())
}

func TestPublishFailureIsCounted(t *testing.T) {
	c := &fakeClient{publishErr: errors.New("broker gone")}
	p := newTestPublisher(c, time.Second)
	require.NoError(t, p.Connect(context.Background()))

	err := p.Publish()
	assert.ErrorContains(t, err, "broker gone")
	assert.Equal(t, uint64(1), p.Stats().Errors)
}

func TestConnectFailure(t *testing.T) {
	c := &fakeClient{connectErr: errors.New("refused")}
	p := newTestPublisher(c, time.Second)

	err := p.Connect(context.Background())
	assert.ErrorContains(t, err, "refused")
	assert.False(t, p.Connected())
}

func TestConnectHonorsContext(t *testing.T) {
	c := &fakeClient{connectHang: true}
	p := newTestPublisher(c, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Connect(ctx), context.Canceled)
}

func TestRunPublishesEveryInterval(t *testing.T) {
	c := &fakeClient{}
	p := newTestPublisher(c, 10*time.Millisecond)
	require.NoError(t, p.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(c.messages()) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	p.Disconnect()
	assert.False(t, p.Connected())
	assert.False(t, c.IsConnected())
}
