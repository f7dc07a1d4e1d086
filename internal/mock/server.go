package mock

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nsfeed/nsfeed/internal/feed"
	"github.com/nsfeed/nsfeed/internal/socketio"
)

const (
	defaultInterval     = 5 * time.Second
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
	writeWait           = 10 * time.Second
	maxPayload          = 1000000
)

// ServerOptions configures a Server. Zero values pick the defaults.
type ServerOptions struct {
	// SecretHash is the credential granting read access. Empty grants
	// read access to every client.
	SecretHash string
	// Interval between pushed dataUpdates.
	Interval     time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration
	Pattern      string
	Seed         int64
	// RejectConnect answers namespace connects with connect_error.
	RejectConnect bool
	Logger        *slog.Logger
}

// Server is a fake feed speaking Socket.IO over websocket. Authorized
// clients receive a full dataUpdate on authorize and a generated one
// every Interval while Run is active.
type Server struct {
	opts     ServerOptions
	logger   *slog.Logger
	upgrader websocket.Upgrader

	genMu sync.Mutex
	gen   *Generator

	mu    sync.Mutex
	peers map[*peer]struct{}
}

type peer struct {
	id         string
	conn       *websocket.Conn
	writeMu    sync.Mutex
	joined     bool
	authorized bool
}

func (p *peer) write(frame string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// NewServer creates a mock feed.
func NewServer(opts ServerOptions) *Server {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		gen:   NewGenerator(opts.Seed, opts.Pattern),
		peers: make(map[*peer]struct{}),
	}
}

// Handler serves the Socket.IO endpoint at /socket.io/.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s)
	return mux
}

// ServeHTTP upgrades one client and serves it until it goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "only the websocket transport is supported", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("mock upgrade failed", "error", err)
		return
	}

	p := &peer{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		conn.Close()
	}()

	open, _ := json.Marshal(socketio.Handshake{
		SID:          p.id,
		Upgrades:     []string{},
		PingInterval: int(s.opts.PingInterval / time.Millisecond),
		PingTimeout:  int(s.opts.PingTimeout / time.Millisecond),
		MaxPayload:   maxPayload,
	})
	if err := p.write(string(socketio.EngineOpen) + string(open)); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.pingLoop(ctx, p)

	s.readLoop(p)
}

func (s *Server) pingLoop(ctx context.Context, p *peer) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.write(string(socketio.EnginePing)); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(p *peer) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := socketio.ParseFrame(string(data))
		if err != nil {
			s.logger.Debug("mock dropping frame", "peer", p.id, "error", err)
			continue
		}
		switch frame.Engine {
		case socketio.EngineClose:
			return
		case socketio.EngineMessage:
			if done := s.handlePacket(p, frame.Packet); done {
				return
			}
		}
	}
}

func (s *Server) handlePacket(p *peer, pkt socketio.Packet) bool {
	switch pkt.Type {
	case socketio.PacketConnect:
		if s.opts.RejectConnect {
			body, _ := json.Marshal(map[string]string{"message": "not allowed"})
			p.write(socketio.Packet{Type: socketio.PacketConnectError, ID: -1, Data: body}.Encode())
			return false
		}
		body, _ := json.Marshal(map[string]string{"sid": uuid.NewString()})
		s.mu.Lock()
		p.joined = true
		s.mu.Unlock()
		p.write(socketio.Packet{Type: socketio.PacketConnect, ID: -1, Data: body}.Encode())
	case socketio.PacketDisconnect:
		return true
	case socketio.PacketEvent:
		ev, err := socketio.DecodeEvent(pkt.Data)
		if err != nil {
			s.logger.Debug("mock dropping event", "peer", p.id, "error", err)
			return false
		}
		s.handleEvent(p, pkt.ID, ev)
	}
	return false
}

func (s *Server) handleEvent(p *peer, id int, ev socketio.Event) {
	if ev.Name != "authorize" {
		if id >= 0 {
			if ack, err := socketio.AckPacket(id); err == nil {
				p.write(ack.Encode())
			}
		}
		return
	}

	var req struct {
		Client  string `json:"client"`
		Secret  string `json:"secret"`
		History int    `json:"history"`
	}
	if data := ev.Data(); data != nil {
		json.Unmarshal(data, &req)
	}
	granted := s.opts.SecretHash == "" || req.Secret == s.opts.SecretHash

	s.mu.Lock()
	p.authorized = granted
	s.mu.Unlock()
	s.logger.Info("mock authorize", "peer", p.id, "client", req.Client, "granted", granted)

	if id >= 0 {
		ack, err := socketio.AckPacket(id, map[string]bool{
			"read":            granted,
			"write":           false,
			"write_treatment": false,
		})
		if err == nil {
			p.write(ack.Encode())
		}
	}
	if granted {
		s.genMu.Lock()
		upd := s.gen.Next()
		upd.Treatments = s.gen.Treatments()
		s.genMu.Unlock()
		s.send(p, feed.EventDataUpdate, upd)
	}
}

// Run pushes generated updates to authorized clients until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.genMu.Lock()
			upd := s.gen.Next()
			note, alert := s.gen.Notification()
			s.genMu.Unlock()

			s.Broadcast(feed.EventDataUpdate, upd)
			if alert {
				s.Broadcast(feed.EventNotification, note)
			}
		}
	}
}

// Broadcast sends an event to every authorized client and returns how
// many were reached.
func (s *Server) Broadcast(name string, payload any) int {
	sent := 0
	for _, p := range s.authorizedPeers() {
		if s.send(p, name, payload) {
			sent++
		}
	}
	return sent
}

func (s *Server) send(p *peer, name string, payload any) bool {
	pkt, err := socketio.EventPacket(-1, name, payload)
	if err != nil {
		s.logger.Error("mock encode failed", "event", name, "error", err)
		return false
	}
	if err := p.write(pkt.Encode()); err != nil {
		s.logger.Debug("mock write failed", "peer", p.id, "error", err)
		return false
	}
	return true
}

func (s *Server) authorizedPeers() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		if p.joined && p.authorized {
			out = append(out, p)
		}
	}
	return out
}

// Clients returns the number of connected and authorized clients.
func (s *Server) Clients() (connected, authorized int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		connected++
		if p.authorized {
			authorized++
		}
	}
	return connected, authorized
}

// DisconnectAll drops every client connection, as a network failure
// would.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
}
