package ranging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/nearby/internal/token"
)

type fakeBackend struct {
	tok         token.DiscoveryToken
	tokErr      error
	runs        []Config
	invalidated int
	events      chan Event
}

func newFakeBackend(tok string) *fakeBackend {
	return &fakeBackend{tok: token.New([]byte(tok)), events: make(chan Event, 8)}
}

func (f *fakeBackend) LocalToken() (token.DiscoveryToken, error) { return f.tok, f.tokErr }
func (f *fakeBackend) Run(cfg Config) error                      { f.runs = append(f.runs, cfg); return nil }
func (f *fakeBackend) Invalidate()                               { f.invalidated++ }
func (f *fakeBackend) Events() <-chan Event                      { return f.events }

func provide(b *fakeBackend) Provider {
	return func() (Backend, error) { return b, nil }
}

func TestNewSessionUnsupported(t *testing.T) {
	b := newFakeBackend("x")
	b.tokErr = ErrUnsupported

	_, err := NewSession(provide(b))
	require.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, 1, b.invalidated)

	_, err = NewSession(func() (Backend, error) { return nil, errors.New("no radio") })
	require.Error(t, err)
}

func TestNewSessionEmptyToken(t *testing.T) {
	b := newFakeBackend("")
	_, err := NewSession(provide(b))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestRunAndRerun(t *testing.T) {
	b := newFakeBackend("local")
	s, err := NewSession(provide(b))
	require.NoError(t, err)
	defer s.Invalidate()

	assert.NotEmpty(t, s.ID())
	assert.True(t, s.LocalToken().Equal(token.New([]byte("local"))))

	ran, err := s.Rerun()
	require.NoError(t, err)
	assert.False(t, ran, "rerun without configuration")

	remote := token.New([]byte("remote"))
	require.NoError(t, s.Run(remote))
	ran, err = s.Rerun()
	require.NoError(t, err)
	assert.True(t, ran)

	require.Len(t, b.runs, 2)
	assert.True(t, b.runs[1].PeerToken.Equal(remote), "rerun uses current configuration")

	cfg, ok := s.Configuration()
	require.True(t, ok)
	assert.True(t, cfg.PeerToken.Equal(remote))
}

func TestEventsForwardedUntilInvalidated(t *testing.T) {
	b := newFakeBackend("local")
	s, err := NewSession(provide(b))
	require.NoError(t, err)

	b.events <- Event{Kind: EventRemoved, Reason: ReasonTimeout}
	select {
	case ev := <-s.Events():
		assert.Equal(t, EventRemoved, ev.Kind)
		assert.Equal(t, ReasonTimeout, ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("event not forwarded")
	}

	s.Invalidate()
	s.Invalidate()
	assert.Equal(t, 1, b.invalidated)
	assert.ErrorIs(t, s.Run(token.New([]byte("r"))), ErrInvalidated)

	b.events <- Event{Kind: EventUpdated}
	select {
	case ev := <-s.Events():
		t.Fatalf("event after invalidation: %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemovalReasonString(t *testing.T) {
	assert.Equal(t, "peer-ended", ReasonPeerEnded.String())
	assert.Equal(t, "timeout", ReasonTimeout.String())
	assert.Equal(t, "unknown(7)", RemovalReason(7).String())
}

func TestVector(t *testing.T) {
	v := Vector{X: 3, Y: 4}
	assert.InDelta(t, 5, v.Len(), 1e-9)
	u, ok := v.Unit()
	require.True(t, ok)
	assert.InDelta(t, 1, u.Len(), 1e-9)
	_, ok = Vector{}.Unit()
	assert.False(t, ok)
}
