package socketio

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultReconnectBase = 1 * time.Second
	defaultReconnectMax  = 30 * time.Second
	writeTimeout         = 10 * time.Second
	handshakeTimeout     = 20 * time.Second

	// Used until the server's open packet says otherwise.
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second

	eventBuffer = 64
)

// Lifecycle event names pushed onto the event channel alongside server
// events.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// ErrNotConnected is returned by Emit while no session is established.
var ErrNotConnected = errors.New("socket.io: not connected")

// Security selects how the websocket is secured.
type Security string

const (
	// SecurityAuto follows the URL scheme.
	SecurityAuto Security = ""
	// SecuritySecure forces TLS with certificate verification.
	SecuritySecure Security = "secure"
	// SecurityInsecure forces TLS but skips certificate verification.
	SecurityInsecure Security = "insecure"
	// SecurityPlain forces an unencrypted connection.
	SecurityPlain Security = "plain"
)

// ParseSecurity validates a configured security mode.
func ParseSecurity(s string) (Security, error) {
	switch Security(strings.ToLower(strings.TrimSpace(s))) {
	case SecurityAuto:
		return SecurityAuto, nil
	case SecuritySecure:
		return SecuritySecure, nil
	case SecurityInsecure:
		return SecurityInsecure, nil
	case SecurityPlain:
		return SecurityPlain, nil
	}
	return "", fmt.Errorf("unknown security mode %q (want secure, insecure or plain)", s)
}

// AckFunc receives the arguments the server acknowledged an event with.
type AckFunc func(args []json.RawMessage)

// Options tunes a Client. Zero values pick the defaults.
type Options struct {
	Security      Security
	Header        http.Header
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Logger        *slog.Logger
}

// Client keeps one Socket.IO session alive, reconnecting with
// exponential backoff. Server events and the connect/disconnect
// transitions are delivered in order on Events.
type Client struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	base   time.Duration
	max    time.Duration
	logger *slog.Logger

	events chan Event

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (pong, emit, close)
	conn    *websocket.Conn
	acks    map[int]AckFunc
	nextID  int
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool
}

// NewClient prepares a client for the feed at rawURL. http(s) URLs are
// mapped to ws(s) and the Socket.IO endpoint path is appended.
func NewClient(rawURL string, opts Options) (*Client, error) {
	endpoint, err := EndpointURL(rawURL, opts.Security)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	if opts.Security == SecurityInsecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed feeds
	}

	c := &Client{
		url:    endpoint,
		dialer: dialer,
		header: opts.Header,
		base:   opts.ReconnectBase,
		max:    opts.ReconnectMax,
		logger: opts.Logger,
		events: make(chan Event, eventBuffer),
		acks:   make(map[int]AckFunc),
		done:   make(chan struct{}),
	}
	if c.base <= 0 {
		c.base = defaultReconnectBase
	}
	if c.max <= 0 {
		c.max = defaultReconnectMax
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// EndpointURL turns a feed base URL into the Socket.IO websocket endpoint.
func EndpointURL(rawURL string, sec Security) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parsing feed url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("feed url %q has no host", rawURL)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported feed url scheme %q", u.Scheme)
	}
	switch sec {
	case SecuritySecure, SecurityInsecure:
		u.Scheme = "wss"
	case SecurityPlain:
		u.Scheme = "ws"
	}

	if !strings.HasSuffix(u.Path, "/socket.io/") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// URL returns the websocket endpoint the client dials.
func (c *Client) URL() string { return c.url }

// Events returns the channel of server events. It is closed once the
// client has stopped.
func (c *Client) Events() <-chan Event { return c.events }

// Start begins connecting in the background. It may be called once.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("socket.io: client closed")
	}
	if c.started {
		return errors.New("socket.io: client already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Connected reports whether a namespace session is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Emit sends an event. If ack is non-nil the server's acknowledgement is
// delivered to it from the read goroutine.
func (c *Client) Emit(name string, payload any, ack AckFunc) error {
	c.mu.Lock()
	conn := c.conn
	id := -1
	if conn != nil && ack != nil {
		id = c.nextID
		c.nextID++
		c.acks[id] = ack
	}
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	var args []any
	if payload != nil {
		args = append(args, payload)
	}
	pkt, err := EventPacket(id, name, args...)
	if err != nil {
		c.dropAck(id)
		return err
	}
	if err := c.write(conn, pkt.Encode()); err != nil {
		c.dropAck(id)
		return fmt.Errorf("emit %s: %w", name, err)
	}
	return nil
}

// Close stops reconnecting and tears down the connection. Calling Close
// more than once, or before Start, is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = c.write(conn, string([]byte{EngineMessage, PacketDisconnect}))
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if started {
		<-c.done
	} else {
		close(c.events)
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	delay := c.base
	for {
		if ctx.Err() != nil {
			return
		}

		conn, hs, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("socket.io dial failed", "url", c.url, "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, c.max)
			continue
		}
		delay = c.base

		c.serve(ctx, conn, hs)
	}
}

// dial opens the websocket and completes the Engine.IO and namespace
// handshakes.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, Handshake, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return nil, Handshake{}, err
	}

	// The connection isn't visible to Close until serve stores it, so a
	// cancel during the handshake has to close it here.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	hs, err := c.handshake(conn)
	if !stop() {
		conn.Close()
		return nil, Handshake{}, context.Cause(ctx)
	}
	if err != nil {
		conn.Close()
		return nil, Handshake{}, err
	}
	return conn, hs, nil
}

func (c *Client) handshake(conn *websocket.Conn) (Handshake, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	frame, err := readFrame(conn)
	if err != nil {
		return Handshake{}, fmt.Errorf("reading open packet: %w", err)
	}
	if frame.Engine != EngineOpen {
		return Handshake{}, fmt.Errorf("expected open packet, got %q", frame.Engine)
	}
	var hs Handshake
	if err := json.Unmarshal([]byte(frame.Body), &hs); err != nil {
		return Handshake{}, fmt.Errorf("decoding open packet: %w", err)
	}

	// No write mutex needed: the connection isn't shared yet.
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte{EngineMessage, PacketConnect}); err != nil {
		return Handshake{}, fmt.Errorf("namespace connect: %w", err)
	}

	for {
		frame, err := readFrame(conn)
		if err != nil {
			return Handshake{}, fmt.Errorf("awaiting namespace connect: %w", err)
		}
		switch frame.Engine {
		case EnginePing:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte{EnginePong}); err != nil {
				return Handshake{}, err
			}
			continue
		case EngineMessage:
		default:
			continue
		}
		switch frame.Packet.Type {
		case PacketConnect:
			return hs, nil
		case PacketConnectError:
			return Handshake{}, fmt.Errorf("namespace refused: %s", string(frame.Packet.Data))
		}
	}
}

// serve runs the read loop for one established connection and returns
// when it drops.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, hs Handshake) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("socket.io connected", "url", c.url, "sid", hs.SID)
	c.push(ctx, Event{Name: EventConnect})

	err := c.readLoop(ctx, conn, hs)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := len(c.acks)
	c.acks = make(map[int]AckFunc)
	c.mu.Unlock()
	conn.Close()

	if pending > 0 {
		c.logger.Debug("dropping unanswered acks", "count", pending)
	}
	if ctx.Err() == nil {
		c.logger.Warn("socket.io disconnected", "url", c.url, "error", err)
	}
	c.push(ctx, Event{Name: EventDisconnect})
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, hs Handshake) error {
	interval := time.Duration(hs.PingInterval) * time.Millisecond
	timeout := time.Duration(hs.PingTimeout) * time.Millisecond
	if interval <= 0 {
		interval = defaultPingInterval
	}
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	deadline := interval + timeout

	conn.SetReadDeadline(time.Now().Add(deadline))
	for {
		frame, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, errEmptyFrame) {
				continue
			}
			return err
		}

		switch frame.Engine {
		case EnginePing:
			conn.SetReadDeadline(time.Now().Add(deadline))
			if err := c.write(conn, string(EnginePong)); err != nil {
				return err
			}
		case EngineClose:
			return errors.New("server closed the session")
		case EngineMessage:
			if done := c.handlePacket(ctx, conn, frame.Packet); done {
				return errors.New("server disconnected the namespace")
			}
		}
	}
}

// handlePacket reports true when the server ended the namespace session.
func (c *Client) handlePacket(ctx context.Context, conn *websocket.Conn, p Packet) bool {
	if p.Namespace != "/" {
		return false
	}
	switch p.Type {
	case PacketDisconnect:
		return true
	case PacketEvent:
		ev, err := DecodeEvent(p.Data)
		if err != nil {
			c.logger.Warn("dropping malformed event", "error", err)
			return false
		}
		if p.ID >= 0 {
			// The feed never expects a reply; acknowledge empty so the
			// server does not hold the callback.
			if ack, err := AckPacket(p.ID); err == nil {
				_ = c.write(conn, ack.Encode())
			}
		}
		c.push(ctx, ev)
	case PacketAck:
		c.mu.Lock()
		fn, ok := c.acks[p.ID]
		delete(c.acks, p.ID)
		c.mu.Unlock()
		if !ok {
			return false
		}
		args, err := decodeArgs(p.Data)
		if err != nil {
			c.logger.Warn("dropping malformed ack", "id", p.ID, "error", err)
			return false
		}
		fn(args)
	}
	return false
}

// push delivers ev unless ctx is done first.
func (c *Client) push(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) write(conn *websocket.Conn, frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *Client) dropAck(id int) {
	if id < 0 {
		return
	}
	c.mu.Lock()
	delete(c.acks, id)
	c.mu.Unlock()
}

func readFrame(conn *websocket.Conn) (Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return ParseFrame(string(data))
}
