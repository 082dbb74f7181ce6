package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lanesim/internal/net/proto"
	"lanesim/internal/telemetry"
	"lanesim/logging"
	"lanesim/logging/network"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	outputBuffer   = 256
	eventBuffer    = 64
)

var (
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("transport not connected")
	// ErrSendQueueFull is returned by Send when the writer cannot keep up.
	ErrSendQueueFull = errors.New("transport send queue full")
)

type ClientConfig struct {
	URL       string
	Dialer    *websocket.Dialer
	Logger    telemetry.Logger
	Publisher logging.Publisher
	// EventBuffer sizes the inbound event queue. Readers block when it is
	// full; frames are never dropped by the transport.
	EventBuffer int
}

// Client is a duplex websocket connection to one simulation server. Dialing
// happens in the background; connection changes and decoded frames are
// delivered in order on Events, each tagged with the number of the
// connection it belongs to.
type Client struct {
	url       string
	dialer    *websocket.Dialer
	logger    telemetry.Logger
	publisher logging.Publisher

	events chan proto.Delivery
	stop   chan struct{}

	mu         sync.Mutex
	gen        uint64
	conn       *websocket.Conn
	output     chan []byte
	done       chan struct{}
	dialing    bool
	cancelDial context.CancelFunc
	shutdown   bool
	stopOnce   sync.Once
}

func NewClient(cfg ClientConfig) *Client {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = eventBuffer
	}
	return &Client{
		url:       cfg.URL,
		dialer:    dialer,
		logger:    logger,
		publisher: publisher,
		events:    make(chan proto.Delivery, buffer),
		stop:      make(chan struct{}),
	}
}

// Events delivers Connected, Disconnected and decoded server messages in the
// order they happened. A connection that was closed locally may still have
// deliveries queued; callers compare Conn with the number Open returned.
func (c *Client) Events() <-chan proto.Delivery {
	return c.events
}

// URL reports the server endpoint.
func (c *Client) URL() string {
	return c.url
}

// Open starts dialing unless a dial is in flight or a connection is open,
// and returns the number of the connection whose outcome will arrive on
// Events as Connected or Disconnected. It returns 0 after Shutdown.
func (c *Client) Open(ctx context.Context) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return 0
	}
	if c.dialing || c.conn != nil {
		return c.gen
	}
	c.gen++
	c.dialing = true
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	go c.dial(dialCtx, c.gen)
	return c.gen
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	abandoned := c.shutdown || !c.dialing || c.gen != gen
	if !abandoned {
		c.dialing = false
		c.cancelDial()
		c.cancelDial = nil
	}
	if err != nil {
		c.mu.Unlock()
		if abandoned {
			return
		}
		c.logger.Printf("dial %s failed: %v", c.url, err)
		network.DialFailed(ctx, c.publisher, logging.EntityRef{Kind: logging.EntityKindServer, ID: c.url}, network.FailurePayload{URL: c.url, Error: err.Error()}, nil)
		c.emit(gen, proto.Disconnected{Err: err})
		return
	}
	if abandoned {
		c.mu.Unlock()
		conn.Close()
		return
	}
	output := make(chan []byte, outputBuffer)
	done := make(chan struct{})
	c.conn = conn
	c.output = output
	c.done = done
	c.mu.Unlock()

	c.emit(gen, proto.Connected{})
	go c.writer(conn, output, done)
	go c.reader(conn, gen)
}

// Send encodes msg and queues it for the writer. It never waits on the
// network.
func (c *Client) Send(msg proto.Outbound) error {
	payload, err := proto.EncodeOutbound(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	select {
	case c.output <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close drops the current connection, or abandons a dial in flight, without
// reporting Disconnected; the caller already knows. The client can be opened
// again.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.dialing {
		c.dialing = false
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.detachLocked()
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return conn.Close()
}

// Shutdown closes the connection and releases any goroutine blocked on
// delivering events. The client cannot be reopened.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
	err := c.Close()
	c.stopOnce.Do(func() { close(c.stop) })
	return err
}

func (c *Client) detachLocked() *websocket.Conn {
	conn := c.conn
	if conn == nil {
		return nil
	}
	c.conn = nil
	c.output = nil
	close(c.done)
	c.done = nil
	return conn
}

func (c *Client) emit(gen uint64, msg proto.Inbound) {
	select {
	case c.events <- proto.Delivery{Conn: gen, Msg: msg}:
	case <-c.stop:
	}
}

func (c *Client) current(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

func (c *Client) reader(conn *websocket.Conn, gen uint64) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.lost(conn, gen, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := proto.DecodeInbound(payload)
		switch {
		case errors.Is(err, proto.ErrUnknownEvent):
			// Passed through as Unknown; the session decides what to do with it.
		case err != nil:
			c.logger.Printf("discarding frame from %s: %v", c.url, err)
			network.DecodeFailed(context.Background(), c.publisher, logging.EntityRef{Kind: logging.EntityKindServer, ID: c.url}, network.FailurePayload{URL: c.url, Error: err.Error()}, nil)
			continue
		}
		if !c.current(conn) {
			return
		}
		c.emit(gen, msg)
	}
}

func (c *Client) writer(conn *websocket.Conn, output <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case payload := <-output:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Printf("write to %s failed: %v", c.url, err)
				network.SendFailed(context.Background(), c.publisher, logging.EntityRef{Kind: logging.EntityKindServer, ID: c.url}, network.FailurePayload{URL: c.url, Error: err.Error()}, nil)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// lost tears down a connection that failed underneath us. Only the current
// connection reports Disconnected.
func (c *Client) lost(conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.detachLocked()
	}
	c.mu.Unlock()
	conn.Close()
	if current {
		c.emit(gen, proto.Disconnected{Err: err})
	}
}
