package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// DefaultBufferSize is the number of publishes kept while disconnected.
const DefaultBufferSize = 1000

// Options configures a RealClient.
type Options struct {
	Broker     string
	ClientID   string
	BufferSize int
	Logger     *slog.Logger
	// OnReconnect is called after the connection is restored.
	OnReconnect func()
}

// RealClient is a connection to an actual MQTT broker. Publishes made while
// the connection is down are buffered and sent once it comes back.
type RealClient struct {
	client paho.Client
	log    *slog.Logger

	mu        sync.Mutex
	buf       *ringBuffer
	subs      map[string]Handler
	connected bool
	everUp    bool
	onReconn  func()
}

// NewRealClient connects to the broker. A last will marks the service as
// disconnected on TopicSystem.
func NewRealClient(o Options) (*RealClient, error) {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	c := &RealClient{
		log:      o.Logger.With("component", "mqtt"),
		buf:      newRingBuffer(o.BufferSize, o.Logger),
		subs:     make(map[string]Handler),
		onReconn: o.OnReconnect,
	}

	will, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "SHUTDOWN", Reason: "MQTT_DISCONNECT"})
	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

func (c *RealClient) onConnect(client paho.Client) {
	c.mu.Lock()
	reconnect := c.everUp
	c.connected = true
	c.everUp = true
	subs := make(map[string]Handler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	pending := c.buf.drainAll()
	c.mu.Unlock()

	for topic, h := range subs {
		if err := c.subscribe(topic, h); err != nil {
			c.log.Error("resubscribe failed", "topic", topic, "error", err)
		}
	}
	for _, m := range pending {
		client.Publish(m.topic, m.qos, m.retained, m.payload)
	}
	if len(pending) > 0 {
		c.log.Info("flushed buffered messages", "count", len(pending))
	}
	if reconnect {
		c.log.Info("reconnected to broker")
		if c.onReconn != nil {
			c.onReconn()
		}
	}
}

func (c *RealClient) onConnectionLost(_ paho.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.log.Warn("connection lost", "error", err)
}

// Publish sends payload with QoS 0, or buffers it while disconnected.
func (c *RealClient) Publish(topic string, payload []byte, retained bool) error {
	c.mu.Lock()
	if !c.connected {
		c.buf.push(bufferedMsg{topic: topic, payload: payload, retained: retained})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	token := c.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe registers h for topic with QoS 0.
func (c *RealClient) Subscribe(topic string, h Handler) error {
	c.mu.Lock()
	c.subs[topic] = h
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.subscribe(topic, h)
}

func (c *RealClient) subscribe(topic string, h Handler) error {
	token := c.client.Subscribe(topic, 0, func(_ paho.Client, m paho.Message) {
		h(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *RealClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Buffered returns the number of messages waiting for a connection.
func (c *RealClient) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.len()
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}
