// Package ranging wraps the device's sensing capability behind a session
// that produces distance/direction updates for one remote discovery token.
//
// A Backend is the platform capability for a single session instance. The
// Session wrapper caches the local token, remembers the last configuration so
// it can be re-run after a timeout, and suppresses every event once
// invalidated.
package ranging

import (
	"errors"
	"fmt"
	"math"

	"github.com/petervdpas/nearby/internal/token"
)

var (
	ErrUnsupported = errors.New("ranging: sensing capability unsupported on this device")
	ErrInvalidated = errors.New("ranging: session invalidated")
)

// RemovalReason says why a ranging target was dropped.
type RemovalReason int

const (
	// ReasonPeerEnded means the remote side ended its session (app closed).
	ReasonPeerEnded RemovalReason = iota + 1
	// ReasonTimeout means the signal was lost; the session is still valid.
	ReasonTimeout
)

func (r RemovalReason) String() string {
	switch r {
	case ReasonPeerEnded:
		return "peer-ended"
	case ReasonTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Vector is a unit direction in the device's frame (x right, y up, z toward the viewer).
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Sub returns v - o.
func (v Vector) Sub(o Vector) Vector {
	return Vector{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Len returns the Euclidean length of v.
func (v Vector) Len() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Unit returns v scaled to length 1, or false for a zero vector.
func (v Vector) Unit() (Vector, bool) {
	l := v.Len()
	if l < 1e-9 {
		return Vector{}, false
	}
	return Vector{X: v.X / l, Y: v.Y / l, Z: v.Z / l}, true
}

// Config is the peer configuration a session runs with.
type Config struct {
	PeerToken token.DiscoveryToken
}

type EventKind int

const (
	EventUpdated EventKind = iota + 1
	EventRemoved
	EventInvalidated
)

func (k EventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	case EventInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one item of the unordered stream a Backend produces.
// Token names the remote object the event concerns; Distance and Direction
// are nil when the sensor cannot resolve them.
type Event struct {
	Kind      EventKind
	Token     token.DiscoveryToken
	Distance  *float64
	Direction *Vector
	Reason    RemovalReason
	Err       error
}

// Update is what observers get for a tracked peer.
type Update struct {
	Session   string   `json:"session"`
	Token     string   `json:"token"`
	Distance  *float64 `json:"distance,omitempty"`
	Direction *Vector  `json:"direction,omitempty"`
}

// Backend is the sensing capability for one session instance.
type Backend interface {
	// LocalToken returns this instance's capability token, or ErrUnsupported.
	LocalToken() (token.DiscoveryToken, error)
	// Run starts (or restarts) ranging against cfg.PeerToken.
	Run(cfg Config) error
	// Invalidate ends the instance. It must be idempotent.
	Invalidate()
	// Events streams updates, removals and invalidation.
	Events() <-chan Event
}

// Provider creates a fresh Backend per session instance.
type Provider func() (Backend, error)
