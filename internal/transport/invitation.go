package transport

import (
	"context"
	"sync"
)

// Invitation is an incoming request to join. Exactly one of Accept or
// Reject takes effect; later calls are ignored.
type Invitation struct {
	ID      string
	From    Peer
	Context string

	once  sync.Once
	reply chan bool
	done  chan struct{}
}

func NewInvitation(id string, from Peer, context string) *Invitation {
	return &Invitation{
		ID:      id,
		From:    from,
		Context: context,
		reply:   make(chan bool, 1),
		done:    make(chan struct{}),
	}
}

func (i *Invitation) Accept() { i.resolve(true) }

func (i *Invitation) Reject() { i.resolve(false) }

// Done is closed once the invitation is resolved either way.
func (i *Invitation) Done() <-chan struct{} { return i.done }

func (i *Invitation) resolve(accepted bool) {
	i.once.Do(func() {
		i.reply <- accepted
		close(i.done)
	})
}

// Wait blocks until the invitation is resolved. When ctx ends first the
// invitation is rejected and ErrInviteTimeout is returned.
func (i *Invitation) Wait(ctx context.Context) (bool, error) {
	select {
	case ok := <-i.reply:
		return ok, nil
	case <-ctx.Done():
		i.Reject()
		return false, ErrInviteTimeout
	}
}
