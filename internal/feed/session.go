package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nsfeed/nsfeed/internal/socketio"
	"github.com/nsfeed/nsfeed/internal/state"
)

const (
	eventAuthorize = "authorize"
	authClient     = "web"
	authHistory    = 48
)

// Transport is a push connection to the feed. *socketio.Client
// satisfies it.
type Transport interface {
	Start(ctx context.Context) error
	Events() <-chan socketio.Event
	Emit(name string, payload any, ack socketio.AckFunc) error
	Close() error
}

// Dialer creates a transport for a feed URL.
type Dialer func(rawURL string, opts socketio.Options) (Transport, error)

// DialSocketIO is the default Dialer.
func DialSocketIO(rawURL string, opts socketio.Options) (Transport, error) {
	c, err := socketio.NewClient(rawURL, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SessionConfig describes the feed a Session connects to.
type SessionConfig struct {
	URL           string
	Security      socketio.Security
	Secret        string
	SecretHash    string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Option customises a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithDialer replaces the transport constructor.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// WithClock replaces time.Now for fact timestamps and age arithmetic.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithHealth shares a health tracker with the session.
func WithHealth(h *Health) Option {
	return func(s *Session) { s.health = h }
}

// Session owns one feed connection and projects its events into a Sink.
// Events are handled one at a time by Run.
type Session struct {
	id     string
	cfg    SessionConfig
	cred   Credential
	sink   Sink
	dedup  *Deduplicator
	router *Router
	health *Health
	dial   Dialer
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	transport Transport
	connected bool
	observers []func(bool)
	runCancel context.CancelFunc
}

// NewSession prepares a session. The credential is derived here, once.
func NewSession(cfg SessionConfig, sink Sink, opts ...Option) *Session {
	s := &Session{
		id:    uuid.NewString(),
		cfg:   cfg,
		cred:  DeriveCredential(cfg.Secret, cfg.SecretHash),
		sink:  sink,
		dedup: &Deduplicator{},
		dial:  DialSocketIO,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.health == nil {
		s.health = NewHealth(DefaultDecodeFailureThreshold)
	}
	s.logger = s.logger.With("session", s.id)
	s.router = newRouter(sink, s.dedup, s.health, s.logger, s.now)
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Credential returns the derived credential.
func (s *Session) Credential() Credential { return s.cred }

// Health returns the session's health tracker.
func (s *Session) Health() *Health { return s.health }

// Router returns the event router, for feeding events from other sources.
func (s *Session) Router() *Router { return s.router }

// OnStatus registers fn to be called with every connection transition.
// Observers run on the Run goroutine.
func (s *Session) OnStatus(fn func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Connected reports whether the transport currently has a live session.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect creates and starts the transport. It fails if a transport is
// already live or the URL is invalid.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != nil {
		return ErrAlreadyConnected
	}

	t, err := s.dial(s.cfg.URL, socketio.Options{
		Security:      s.cfg.Security,
		ReconnectBase: s.cfg.ReconnectBase,
		ReconnectMax:  s.cfg.ReconnectMax,
		Logger:        s.logger,
	})
	if err != nil {
		return err
	}
	if err := t.Start(ctx); err != nil {
		t.Close()
		return err
	}
	s.transport = t
	s.logger.Info("feed connecting", "url", s.cfg.URL, "credential", s.cred)
	return nil
}

// Run handles transport events until ctx is cancelled, the session is
// closed, or the transport stops.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	t := s.transport
	if t == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.mu.Unlock()
	defer cancel()

	events := t.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(ctx, t, ev)
		}
	}
}

func (s *Session) handle(ctx context.Context, t Transport, ev socketio.Event) {
	switch ev.Name {
	case socketio.EventConnect:
		s.onConnect(ctx, t)
	case socketio.EventDisconnect:
		s.onDisconnect(ctx)
	default:
		_ = s.router.Route(ctx, ev)
	}
}

func (s *Session) onConnect(ctx context.Context, t Transport) {
	s.dedup.Reset()
	s.health.recordConnection(true)

	req := authRequest{Client: authClient, Secret: string(s.cred), History: authHistory}
	if err := t.Emit(eventAuthorize, req, s.onAuthorize); err != nil {
		s.logger.Warn("authorize not sent", "error", err)
	}

	s.setConnected(ctx, true)
}

func (s *Session) onDisconnect(ctx context.Context) {
	s.health.recordConnection(false)
	s.setConnected(ctx, false)
}

// onAuthorize runs on the transport's read goroutine. It only touches
// health and the logger.
func (s *Session) onAuthorize(args []json.RawMessage) {
	var resp authResponse
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &resp); err != nil {
			s.logger.Warn("malformed authorize response", "error", err)
		}
	}
	s.health.recordAuth(resp.Read)
	if !resp.Read {
		s.logger.Error("feed authentication failed", "error", ErrUnauthorized, "credential", s.cred)
		return
	}
	s.logger.Info("feed authorized", "write", resp.Write, "write_treatment", resp.WriteTreatment)
}

func (s *Session) setConnected(ctx context.Context, connected bool) {
	s.mu.Lock()
	s.connected = connected
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(connected)
	}
	if err := s.sink.Set(ctx, KeyConnection, state.Record{
		TS:  s.now().UnixMilli(),
		Ack: true,
		Val: connected,
	}); err != nil {
		s.logger.Warn("recording connection state failed", "error", err)
	}
}

// Close tears the transport down. It is safe to call before Connect,
// more than once, and while Run is handling an event.
func (s *Session) Close() error {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	cancel := s.runCancel
	s.runCancel = nil
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t == nil {
		return nil
	}
	if wasConnected {
		s.health.recordConnection(false)
	}
	s.logger.Info("feed closed")
	return t.Close()
}

// Transport returns the live transport, or nil once closed.
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}
