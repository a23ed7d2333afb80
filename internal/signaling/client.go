package signaling

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/terminalchat/callcore/internal/signalwire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // SDP offers with many candidates get large

	// reconnectDelay between dial attempts once a connection drops.
	reconnectDelay = 5 * time.Second
)

// Client is the websocket Transport implementation. It dials the relay with a
// bearer token, keeps the connection alive with pings, and redials forever
// with a fixed delay when the connection drops, resubscribing all topics.
type Client struct {
	url   string
	token string

	onConnect    func()
	onDisconnect func(error)

	mu    sync.RWMutex
	conn  *websocket.Conn
	ready bool
	subs  map[string]*subscription // id → subscription

	// outgoing belongs to the current connection and is replaced on every
	// dial. A stale write pump must never drain frames meant for its
	// successor, so pumps only ever read the queue they were started with.
	outgoing chan signalwire.Frame

	done chan struct{}
	once sync.Once
}

type subscription struct {
	id      string
	topic   string
	handler Handler
}

// Option configures a Client.
type Option func(*Client)

// WithConnectionCallbacks registers callbacks fired when the connection is
// (re-)established and when it drops. Either may be nil.
func WithConnectionCallbacks(onConnect func(), onDisconnect func(error)) Option {
	return func(c *Client) {
		c.onConnect = onConnect
		c.onDisconnect = onDisconnect
	}
}

// NewClient creates a Client for the given relay websocket URL and bearer
// token. The connection is not opened until Connect.
func NewClient(url, token string, opts ...Option) *Client {
	c := &Client{
		url:      url,
		token:    token,
		subs:     make(map[string]*subscription),
		outgoing: make(chan signalwire.Frame, 64),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials the relay and starts the read/write pumps plus the reconnect
// loop. It returns once the first connection attempt has completed; if that
// attempt failed, reconnection continues in the background and the error is
// returned for the caller to surface.
func (c *Client) Connect() error {
	err := c.dial()
	go c.reconnectLoop()
	return err
}

func (c *Client) dial() error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, header)
	if err != nil {
		return fmt.Errorf("signaling: dial %s: %w", c.url, err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	outgoing := make(chan signalwire.Frame, 64)
	stop := make(chan struct{})

	c.mu.Lock()
	old := c.outgoing
	c.conn = conn
	c.ready = true
	c.outgoing = outgoing
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	// Carry over frames the previous pump never flushed.
carry:
	for old != nil {
		select {
		case f := <-old:
			select {
			case outgoing <- f:
			default:
				log.Printf("SIGNAL: outgoing queue full, dropping %s to %s", f.Op, f.Destination)
			}
		default:
			break carry
		}
	}

	go c.writePump(conn, outgoing, stop)
	go c.readPump(conn, stop)

	// Replay subscriptions so topic routing survives the reconnect.
	for _, s := range subs {
		c.enqueue(signalwire.Frame{Op: signalwire.OpSubscribe, ID: s.id, Destination: s.topic})
	}

	log.Printf("SIGNAL: connected to %s (%d subscriptions)", c.url, len(subs))
	if c.onConnect != nil {
		c.onConnect()
	}
	return nil
}

// reconnectLoop redials with a fixed delay whenever the connection drops.
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-time.After(reconnectDelay):
		}
		if c.IsReady() {
			continue
		}
		if err := c.dial(); err != nil {
			log.Printf("SIGNAL: reconnect failed: %v", err)
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn, stop chan struct{}) {
	defer c.dropConn(conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.disconnected(conn, err)
			return
		}

		var f signalwire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("SIGNAL: malformed frame dropped: %v", err)
			continue
		}

		switch f.Op {
		case signalwire.OpMessage:
			c.dispatch(f.Destination, f.Body)
		case signalwire.OpError:
			log.Printf("SIGNAL: relay error: %s", f.Body)
		default:
			log.Printf("SIGNAL: unexpected op %q dropped", f.Op)
		}
	}
}

// writePump drains its own connection's queue only. stop is closed by
// dropConn when the connection dies, so a stale pump exits instead of
// stealing frames enqueued for the replacement connection.
func (c *Client) writePump(conn *websocket.Conn, outgoing chan signalwire.Frame, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case f := <-outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				// Push the frame back so the next dial carries it over.
				select {
				case outgoing <- f:
				default:
				}
				c.disconnected(conn, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.disconnected(conn, err)
				return
			}
		case <-stop:
			return
		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// dispatch delivers a message to every handler subscribed to its topic,
// synchronously, preserving arrival order per connection.
func (c *Client) dispatch(topic string, body []byte) {
	c.mu.RLock()
	handlers := make([]Handler, 0, 2)
	for _, s := range c.subs {
		if s.topic == topic {
			handlers = append(handlers, s.handler)
		}
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(topic, body)
	}
}

// disconnected marks the connection dead exactly once per connection and
// fires the status callback. A pump reporting a conn that has already been
// replaced is late-arriving noise and must not flip the live connection's
// ready flag.
func (c *Client) disconnected(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	wasReady := c.ready
	c.ready = false
	c.mu.Unlock()

	if wasReady {
		log.Printf("SIGNAL: connection lost: %v", err)
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
	}
}

// dropConn retires a dead connection. Closing stop is what terminates the
// connection's write pump; only the read pump calls dropConn, so the close
// happens exactly once per connection.
func (c *Client) dropConn(conn *websocket.Conn, stop chan struct{}) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ready = false
	}
	c.mu.Unlock()
	close(stop)
}

// IsReady reports whether a live connection exists.
func (c *Client) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Subscribe registers a topic handler and tells the relay about it.
// The subscription is kept across reconnects.
func (c *Client) Subscribe(topic string, h Handler) (string, error) {
	if !c.IsReady() {
		return "", ErrNotConnected
	}

	sub := &subscription{id: uuid.NewString(), topic: topic, handler: h}
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	c.enqueue(signalwire.Frame{Op: signalwire.OpSubscribe, ID: sub.id, Destination: topic})
	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown IDs are a no-op.
func (c *Client) Unsubscribe(id string) {
	c.mu.Lock()
	_, known := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if known && c.IsReady() {
		c.enqueue(signalwire.Frame{Op: signalwire.OpUnsubscribe, ID: id})
	}
}

// Send publishes body to a destination. Fails fast with ErrNotConnected when
// the transport is down — callers decide whether to surface or abandon.
func (c *Client) Send(destination string, body any) error {
	if !c.IsReady() {
		return ErrNotConnected
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("signaling: encode body for %s: %w", destination, err)
	}
	c.enqueue(signalwire.Frame{Op: signalwire.OpSend, Destination: destination, Body: raw})
	return nil
}

func (c *Client) enqueue(f signalwire.Frame) {
	c.mu.RLock()
	out := c.outgoing
	c.mu.RUnlock()
	if out == nil {
		log.Printf("SIGNAL: no connection, dropping %s to %s", f.Op, f.Destination)
		return
	}
	select {
	case out <- f:
	default:
		log.Printf("SIGNAL: outgoing queue full, dropping %s to %s", f.Op, f.Destination)
	}
}

// Close shuts the client down permanently. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}
