package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nsfeed/nsfeed/internal/feed"
	"github.com/nsfeed/nsfeed/internal/state"
)

// ErrTooManyConnections is returned by AddClient at the connection limit.
var ErrTooManyConnections = errors.New("too many websocket connections")

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

// HealthSource reports feed health. *feed.Health satisfies it.
type HealthSource interface {
	Snapshot() feed.HealthSnapshot
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans state changes out to websocket observers. Facts are
// batched for throttle before being sent; a full snapshot goes out every
// snapshot interval.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int

	store    *state.Store
	health   HealthSource
	throttle time.Duration
	logger   *slog.Logger
	seq      atomic.Uint64

	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once

	flushMu      sync.Mutex
	pendingFacts map[string]state.Record
	flushTimer   *time.Timer
}

// NewBroadcaster starts the snapshot loop. maxConns <= 0 means unlimited.
func NewBroadcaster(store *state.Store, health HealthSource, throttle, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		maxConns:       maxConns,
		store:          store,
		health:         health,
		throttle:       throttle,
		logger:         slog.Default(),
		snapshotTicker: time.NewTicker(snapshotInterval),
		stop:           make(chan struct{}),
		pendingFacts:   make(map[string]state.Record),
	}
	go b.snapshotLoop()
	return b
}

// SetLogger replaces the default logger.
func (b *Broadcaster) SetLogger(l *slog.Logger) { b.logger = l }

// Stop ends the snapshot loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.stop)

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			c.close()
		}
		b.mu.Unlock()
	})
}

// AddClient registers conn and queues the current snapshot for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{conn: conn, b: b, send: make(chan []byte, sendBuffer)}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	// Queued before the write pump starts, so it is always the first
	// message the client sees.
	if data, err := b.encode(MsgSnapshot, b.snapshot()); err == nil {
		c.send <- data
	}
	b.mu.Unlock()
	go c.writePump()

	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// QueueFact batches a state change. It has the state.Listener signature
// so it can be passed to Store.Subscribe.
func (b *Broadcaster) QueueFact(key string, rec state.Record) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingFacts[key] = rec
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// QueueStatus sends a connection transition immediately.
func (b *Broadcaster) QueueStatus(connected bool) {
	payload := StatusPayload{Connected: connected}
	if b.health != nil {
		payload.Health = b.health.Snapshot()
	}
	b.broadcast(MsgStatus, payload)
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	pending := b.pendingFacts
	b.pendingFacts = make(map[string]state.Record)
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(pending) == 0 {
		return
	}
	facts := make([]Fact, 0, len(pending))
	for key, rec := range pending {
		facts = append(facts, newFact(key, rec))
	}
	sortFacts(facts)
	b.broadcast(MsgFact, FactPayload{Facts: facts})
}

func (b *Broadcaster) snapshot() SnapshotPayload {
	var payload SnapshotPayload
	if b.health != nil {
		payload.Health = b.health.Snapshot()
	}
	if b.store == nil {
		return payload
	}
	all := b.store.All()
	payload.Facts = make([]Fact, 0, len(all))
	for key, rec := range all {
		payload.Facts = append(payload.Facts, newFact(key, rec))
	}
	sortFacts(payload.Facts)
	return payload
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			if b.ClientCount() > 0 {
				b.broadcast(MsgSnapshot, b.snapshot())
			}
		}
	}
}

func (b *Broadcaster) encode(t MessageType, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(WSMessage{Type: t, Seq: b.seq.Add(1), Payload: payload})
	if err != nil {
		b.logger.Error("broadcast marshal error", "type", t, "error", err)
	}
	return data, err
}

func (b *Broadcaster) broadcast(t MessageType, payload interface{}) {
	data, err := b.encode(t, payload)
	if err != nil {
		return
	}

	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		// Client can't keep up, disconnect it
		b.logger.Warn("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
