// Package mqtt republishes bridge data on an MQTT broker. Publishing is
// fire-and-forget: messages are queued in a drop-oldest ring buffer and
// delivered by a single drain goroutine, so callers on the notification
// path never block on the network. Retained messages that cannot be sent
// while the broker is unreachable are held, latest per topic, and go out
// once the connection is up.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/fireble/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Publisher is the publish capability offered to sessions and hosts.
type Publisher interface {
	// Publish queues a message. It never blocks.
	Publish(topic string, payload []byte, retain bool) error

	// Available reports whether published messages can currently reach the broker.
	Available() bool
}

// Subscriber delivers messages matching a topic filter.
type Subscriber interface {
	Subscribe(filter string, handler func(topic string, payload []byte)) (unsubscribe func(), err error)
}

var (
	ErrClosed       = errors.New("mqtt client closed")
	ErrNotConnected = errors.New("mqtt client not connected")
)

const (
	// DefaultQueueSize bounds the publish queue; the oldest messages are dropped beyond it.
	DefaultQueueSize uint32 = 256

	// BridgeAvailabilityTopic carries the retained online/offline state of the bridge.
	BridgeAvailabilityTopic = "fireble/bridge/availability"

	PayloadOnline  = "online"
	PayloadOffline = "offline"

	disconnectQuiesce = 250 // milliseconds
)

// Options configures a Client
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	QueueSize      uint32
}

// Metrics counts queue activity
type Metrics struct {
	Published   int64
	Overwritten int64
	Errors      int64
	Held        int64
}

type message struct {
	topic   string
	payload []byte
	retain  bool
}

// NewPahoClient creates the underlying paho client (can be overridden in tests)
var NewPahoClient = func(opts *paho.ClientOptions) paho.Client {
	return paho.NewClient(opts)
}

// Client is a queued MQTT publisher backed by paho.
type Client struct {
	opts   Options
	client paho.Client
	logger *logrus.Logger

	queue mpmc.RichOverlappedRingBuffer[message]
	wake  chan struct{}

	heldMu sync.Mutex
	held   *orderedmap.OrderedMap[string, []byte]

	hooksMu  sync.Mutex
	hooks    []func()
	connects atomic.Int32

	metrics Metrics
	closed  atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// NewClient creates a client; call Connect to start it.
func NewClient(opts Options, logger *logrus.Logger) (*Client, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is empty")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("fireble-%d", time.Now().UnixNano())
	}

	c := &Client{
		opts:   opts,
		logger: logger,
		queue:  mpmc.NewOverlappedRingBuffer[message](opts.QueueSize),
		wake:   make(chan struct{}, 1),
		held:   orderedmap.New[string, []byte](),
		done:   make(chan struct{}),
	}

	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(opts.ConnectTimeout).
		SetWill(BridgeAvailabilityTopic, PayloadOffline, 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	c.client = NewPahoClient(po)
	return c, nil
}

// Connect dials the broker and starts the drain goroutine. With connect
// retry enabled paho keeps trying in the background, so a timeout here
// is logged and not returned.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.cancel != nil {
		return nil
	}

	c.logger.WithFields(logrus.Fields{
		"broker":    c.opts.Broker,
		"client_id": c.opts.ClientID,
	}).Info("Connecting to MQTT broker...")

	token := c.client.Connect()
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		c.logger.WithField("broker", c.opts.Broker).Warn("MQTT connect still pending, continuing in background")
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker %q: %w", c.opts.Broker, err)
	}

	drainCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	groutine.Go(drainCtx, "mqtt-drain", c.drain)
	return nil
}

// Publish queues a message, dropping the oldest queued one if the queue is full.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	if c.closed.Load() {
		return ErrClosed
	}

	overwrites, err := c.queue.EnqueueM(message{topic: topic, payload: payload, retain: retain})
	if err != nil {
		atomic.AddInt64(&c.metrics.Errors, 1)
		return fmt.Errorf("mqtt queue: %w", err)
	}
	if overwrites > 0 {
		atomic.AddInt64(&c.metrics.Overwritten, int64(overwrites))
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Available reports whether the broker connection is open
func (c *Client) Available() bool {
	return !c.closed.Load() && c.client.IsConnectionOpen()
}

// OnReconnect registers fn to run every time the connection comes back
// after the first one. fn runs on the paho callback goroutine.
func (c *Client) OnReconnect(fn func()) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Subscribe registers handler for messages matching filter
func (c *Client) Subscribe(filter string, handler func(topic string, payload []byte)) (func(), error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !c.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}

	token := c.client.Subscribe(filter, 1, func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return nil, fmt.Errorf("subscribe %q: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", filter, err)
	}

	return func() {
		c.client.Unsubscribe(filter)
	}, nil
}

// GetMetrics returns a snapshot of queue metrics
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		Published:   atomic.LoadInt64(&c.metrics.Published),
		Overwritten: atomic.LoadInt64(&c.metrics.Overwritten),
		Errors:      atomic.LoadInt64(&c.metrics.Errors),
		Held:        int64(c.heldLen()),
	}
}

// Close flushes what can be flushed, marks the bridge offline and disconnects.
// Safe to call multiple times.
func (c *Client) Close() {
	c.once.Do(func() {
		c.closed.Store(true)
		if c.cancel != nil {
			c.cancel()
			<-c.done
		} else {
			close(c.done)
		}

		if c.client.IsConnectionOpen() {
			c.flush()
			c.client.Publish(BridgeAvailabilityTopic, 1, true, PayloadOffline).WaitTimeout(time.Second)
		}
		c.client.Disconnect(disconnectQuiesce)
		c.logger.WithField("broker", c.opts.Broker).Info("MQTT client disconnected")
	})
}

func (c *Client) drain(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			c.flush()
		}
	}
}

func (c *Client) flush() {
	if c.client.IsConnectionOpen() {
		for _, m := range c.releaseHeld() {
			c.send(m)
		}
	}
	for !c.queue.IsEmpty() {
		m, err := c.queue.Dequeue()
		if err != nil {
			return
		}
		c.send(m)
	}
}

func (c *Client) send(m message) {
	if !c.client.IsConnectionOpen() {
		if m.retain {
			c.hold(m)
			c.logger.WithField("topic", m.topic).Debug("MQTT not connected, holding retained message")
			return
		}
		atomic.AddInt64(&c.metrics.Errors, 1)
		c.logger.WithField("topic", m.topic).Debug("MQTT not connected, dropping message")
		return
	}

	// Readings go out at most once; retained state is worth a delivery guarantee.
	var qos byte
	if m.retain {
		qos = 1
	}

	token := c.client.Publish(m.topic, qos, m.retain, m.payload)
	if !token.WaitTimeout(c.opts.ConnectTimeout) || token.Error() != nil {
		atomic.AddInt64(&c.metrics.Errors, 1)
		c.logger.WithFields(logrus.Fields{
			"topic": m.topic,
			"error": token.Error(),
		}).Debug("MQTT publish failed")
		if m.retain {
			c.hold(m)
		}
		return
	}
	atomic.AddInt64(&c.metrics.Published, 1)
}

// hold keeps the latest retained payload of a topic until the next flush.
// Beyond the queue size the least recently held topic is dropped.
func (c *Client) hold(m message) {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()

	c.held.Delete(m.topic)
	c.held.Set(m.topic, m.payload)
	for uint32(c.held.Len()) > c.opts.QueueSize {
		c.held.Delete(c.held.Oldest().Key)
		atomic.AddInt64(&c.metrics.Overwritten, 1)
	}
}

func (c *Client) releaseHeld() []message {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()

	if c.held.Len() == 0 {
		return nil
	}
	out := make([]message, 0, c.held.Len())
	for pair := c.held.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, message{topic: pair.Key, payload: pair.Value, retain: true})
	}
	c.held = orderedmap.New[string, []byte]()
	return out
}

func (c *Client) heldLen() int {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	return c.held.Len()
}

func (c *Client) onConnect(client paho.Client) {
	c.logger.WithField("broker", c.opts.Broker).Info("MQTT connected")
	client.Publish(BridgeAvailabilityTopic, 1, true, PayloadOnline)

	if c.connects.Add(1) > 1 {
		c.hooksMu.Lock()
		hooks := append([]func(){}, c.hooks...)
		c.hooksMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.logger.WithError(err).Warn("MQTT connection lost")
}
