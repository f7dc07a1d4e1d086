package feed

import (
	"sync"
	"time"
)

// HealthStatus summarises the feed's condition for observers.
type HealthStatus string

const (
	StatusHealthy      HealthStatus = "healthy"
	StatusDegraded     HealthStatus = "degraded"
	StatusUnauthorized HealthStatus = "unauthorized"
	StatusDisconnected HealthStatus = "disconnected"
)

// AuthState is the outcome of the last authorize handshake.
type AuthState string

const (
	AuthPending AuthState = "pending"
	AuthGranted AuthState = "granted"
	AuthDenied  AuthState = "denied"
)

// DefaultDecodeFailureThreshold is the number of consecutive dataUpdate
// decode failures after which the feed reports degraded.
const DefaultDecodeFailureThreshold = 3

// Health tracks connection, authorization and decode outcomes. Fields
// are protected by mu because the authorize ack lands on the transport's
// read goroutine while the event loop and HTTP handlers read snapshots.
type Health struct {
	mu             sync.Mutex
	threshold      int
	connected      bool
	auth           AuthState
	events         uint64
	lastEvent      string
	lastEventAt    time.Time
	decodeFailures int
	lastDecodeErr  string
	lastDecodeFail time.Time
	connects       int
}

// NewHealth returns a tracker that reports degraded after threshold
// consecutive decode failures. A threshold <= 0 uses the default.
func NewHealth(threshold int) *Health {
	if threshold <= 0 {
		threshold = DefaultDecodeFailureThreshold
	}
	return &Health{threshold: threshold, auth: AuthPending}
}

func (h *Health) recordConnection(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = connected
	if connected {
		h.connects++
		h.auth = AuthPending
	}
}

func (h *Health) recordAuth(granted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if granted {
		h.auth = AuthGranted
	} else {
		h.auth = AuthDenied
	}
}

func (h *Health) recordEvent(name string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events++
	h.lastEvent = name
	h.lastEventAt = at
}

func (h *Health) recordDecodeSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decodeFailures = 0
}

func (h *Health) recordDecodeFailure(err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decodeFailures++
	h.lastDecodeErr = err.Error()
	h.lastDecodeFail = at
}

// HealthSnapshot is a consistent copy of the tracked fields.
type HealthSnapshot struct {
	Status         HealthStatus `json:"status"`
	Connected      bool         `json:"connected"`
	Auth           AuthState    `json:"auth"`
	Connects       int          `json:"connects"`
	Events         uint64       `json:"events"`
	LastEvent      string       `json:"lastEvent,omitempty"`
	LastEventAt    time.Time    `json:"lastEventAt,omitempty"`
	DecodeFailures int          `json:"decodeFailures"`
	LastError      string       `json:"lastError,omitempty"`
	LastErrorAt    time.Time    `json:"lastErrorAt,omitempty"`
}

// Snapshot returns the current state under the lock.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		Status:         h.statusLocked(),
		Connected:      h.connected,
		Auth:           h.auth,
		Connects:       h.connects,
		Events:         h.events,
		LastEvent:      h.lastEvent,
		LastEventAt:    h.lastEventAt,
		DecodeFailures: h.decodeFailures,
		LastError:      h.lastDecodeErr,
		LastErrorAt:    h.lastDecodeFail,
	}
}

// statusLocked computes the status. Caller must hold h.mu.
func (h *Health) statusLocked() HealthStatus {
	switch {
	case !h.connected:
		return StatusDisconnected
	case h.auth == AuthDenied:
		return StatusUnauthorized
	case h.decodeFailures >= h.threshold:
		return StatusDegraded
	}
	return StatusHealthy
}
