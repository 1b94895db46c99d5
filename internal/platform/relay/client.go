package relay

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/openumbra/umbra-bridge/pkg/logger"
)

const (
	defaultKeepalive    = 30 * time.Second
	defaultMaxReconnect = 60 * time.Second
	reconnectBase       = 1 * time.Second
	dialTimeout         = 15 * time.Second
)

// Handlers receive client events. All callbacks run on the client's internal
// goroutines; handlers must not block for long.
type Handlers struct {
	// OnMessage delivers the opaque payload of an inbound message frame.
	// Consumers parse it speculatively (community envelopes, metadata sync,
	// calls are multiplexed over the same connection).
	OnMessage func(fromDID, payload string, timestamp int64)
	// OnRegistered fires after the relay confirms registration.
	OnRegistered func()
	// OnDisconnected fires when the socket drops; reconnection is already
	// scheduled when it runs (unless Disconnect was called).
	OnDisconnected func()
}

// Client is a persistent, reconnecting connection to one relay server.
//
// Until the relay confirms registration, SendToDID returns false and callers
// fall back on the relay's offline-queue path. Reconnection backs off
// exponentially with jitter from a 1s base up to the configured ceiling and
// resets on every successful registration. Disconnect is terminal.
type Client struct {
	url       string
	did       string
	keepalive time.Duration
	handlers  Handlers
	log       logger.Logger

	mu         sync.Mutex
	writeMu    sync.Mutex
	conn       *websocket.Conn
	registered bool
	stopped    bool
	// generation invalidates timers and loops started for older sockets.
	generation uint64
	retry      *backoff.ExponentialBackOff
	reconnect  *time.Timer
}

// NewClient builds a relay client for one DID. Zero durations pick defaults.
func NewClient(url, did string, keepalive, maxReconnectDelay time.Duration, log logger.Logger) *Client {
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	if maxReconnectDelay <= 0 {
		maxReconnectDelay = defaultMaxReconnect
	}
	if log == nil {
		log = logger.Noop()
	}
	return &Client{
		url:       url,
		did:       did,
		keepalive: keepalive,
		retry:     newRetrySchedule(maxReconnectDelay),
		log:       log,
	}
}

func newRetrySchedule(maxDelay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectBase
	b.Multiplier = 2
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0 // retry forever
	b.Reset()
	return b
}

// SetHandlers installs event callbacks. Call before Connect.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

// DID returns the identity this client registers as.
func (c *Client) DID() string { return c.did }

// Registered reports whether the relay has confirmed this connection.
func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Connect dials the relay and sends the register frame. Failures schedule a
// reconnect; Connect itself never blocks on retries.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.stopped || c.conn != nil {
		c.mu.Unlock()
		return
	}
	gen := c.generation
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		c.log.Warnf("relay dial failed url=%s err=%v", c.url, err)
		c.scheduleReconnect(gen)
		return
	}

	c.mu.Lock()
	if c.stopped || gen != c.generation || c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.writeFrame(RegisterFrame(c.did)); err != nil {
		c.log.Warnf("relay register write failed: %v", err)
		c.dropConnection(gen)
		return
	}

	go c.readLoop(gen, conn)
}

// Disconnect closes the connection permanently: no further reconnect will be
// scheduled and no stale timer will fire.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.generation++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.registered = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// SendToDID sends an opaque payload to one DID. Returns false when the
// connection is not registered or the write fails; the caller decides
// whether to retry or rely on the relay's offline queue.
func (c *Client) SendToDID(toDID, payload string) bool {
	c.mu.Lock()
	ok := c.registered && c.conn != nil
	c.mu.Unlock()
	if !ok {
		return false
	}
	if err := c.writeFrame(SendFrame(toDID, payload)); err != nil {
		c.log.Warnf("relay send failed to=%s err=%v", toDID, err)
		return false
	}
	return true
}

func (c *Client) writeFrame(frame ClientFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	defer c.dropConnection(gen)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := gen != c.generation
			c.mu.Unlock()
			if !stale {
				c.log.Infof("relay connection closed: %v", err)
			}
			return
		}

		frame, err := DecodeServerFrame(data)
		if err != nil {
			// Malformed frames are dropped; the connection stays up.
			c.log.Warnf("dropping malformed relay frame: %v", err)
			continue
		}

		switch frame.Type {
		case TypeRegistered:
			c.handleRegistered(gen)
		case TypeMessage:
			c.mu.Lock()
			h := c.handlers.OnMessage
			c.mu.Unlock()
			if h != nil {
				h(frame.FromDID, frame.Payload, frame.Timestamp)
			}
		case TypePong, TypeAck:
			// Keepalive and delivery acks carry no client-side state.
		case TypeError:
			c.log.Warnf("relay error frame: %s", frame.Message)
		default:
			c.log.Debugf("ignoring relay frame type=%s", frame.Type)
		}
	}
}

func (c *Client) handleRegistered(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.stopped {
		c.mu.Unlock()
		return
	}
	c.registered = true
	c.retry.Reset()
	h := c.handlers.OnRegistered
	c.mu.Unlock()

	c.log.Infof("registered with relay as %s", c.did)
	go c.keepaliveLoop(gen)
	if h != nil {
		h()
	}
}

func (c *Client) keepaliveLoop(gen uint64) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		live := gen == c.generation && c.registered && !c.stopped
		c.mu.Unlock()
		if !live {
			return
		}
		if err := c.writeFrame(PingFrame()); err != nil {
			return
		}
	}
}

// dropConnection tears down the socket for a generation and schedules a
// reconnect, unless a newer generation already exists or the client stopped.
func (c *Client) dropConnection(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.generation++
	newGen := c.generation
	conn := c.conn
	c.conn = nil
	wasRegistered := c.registered
	c.registered = false
	stopped := c.stopped
	h := c.handlers.OnDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if stopped {
		return
	}
	if wasRegistered && h != nil {
		h()
	}
	c.scheduleReconnect(newGen)
}

func (c *Client) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || gen != c.generation {
		return
	}
	delay := c.retry.NextBackOff()
	c.log.Infof("reconnecting to relay in %s", delay.Round(time.Millisecond))
	c.reconnect = time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := c.stopped || gen != c.generation
		c.mu.Unlock()
		if stale {
			return
		}
		c.Connect()
	})
}
