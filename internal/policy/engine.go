// Package policy runs an optional Lua script that decides pairing on the
// user's behalf: which discovered peers to invite (and with what share
// text) and which invitations to accept. The controller never invites on
// its own, so this is the only automatic path.
//
// A script defines any of:
//
//	function on_discovered(name, id)   -- return share text to invite, or nil
//	function on_invitation(name, text) -- return true to accept, false to refuse
//	function on_connected(name)        -- name is nil when the peer left
//
// A missing on_invitation leaves the invitation to the other collaborators.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/petervdpas/nearby/internal/ranging"
	"github.com/petervdpas/nearby/internal/transport"
)

var log = logging.Logger("policy")

const maxShareBytes = 1024

// Inviter sends invitations; the session controller satisfies it.
type Inviter interface {
	InviteWithShare(p transport.Peer, text string)
}

// InviterFunc adapts a plain function to the Inviter interface.
type InviterFunc func(p transport.Peer, text string)

func (f InviterFunc) InviteWithShare(p transport.Peer, text string) { f(p, text) }

type Options struct {
	Script           string
	SelfName         string
	Timeout          time.Duration
	InvitesPerMinute int
}

// Engine holds the compiled script and reloads it when the file changes.
type Engine struct {
	mu    sync.RWMutex
	proto *lua.FunctionProto

	path    string
	opts    Options
	inviter Inviter
	limiter *rateLimiter
	watcher *fsnotify.Watcher
	closed  chan struct{}
	once    sync.Once
}

// NewEngine compiles the script and starts watching it for edits.
func NewEngine(opts Options, inviter Inviter) (*Engine, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	path, err := filepath.Abs(opts.Script)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		path:    path,
		opts:    opts,
		inviter: inviter,
		limiter: newRateLimiter(opts.InvitesPerMinute),
		closed:  make(chan struct{}),
	}
	if err := e.compile(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch script dir: %w", err)
	}
	e.watcher = watcher
	go e.watchLoop()

	log.Infof("policy %s loaded", filepath.Base(path))
	return e, nil
}

func (e *Engine) Close() error {
	var err error
	e.once.Do(func() {
		close(e.closed)
		if e.watcher != nil {
			err = e.watcher.Close()
		}
	})
	return err
}

func (e *Engine) compile() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return err
	}
	name := filepath.Base(e.path)
	chunk, err := parse.Parse(strings.NewReader(string(data)), name)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	e.mu.Lock()
	e.proto = proto
	e.mu.Unlock()
	return nil
}

func (e *Engine) watchLoop() {
	for {
		select {
		case <-e.closed:
			return
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(e.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if err := e.compile(); err != nil {
				log.Warnf("hot reload failed, keeping previous script: %v", err)
				continue
			}
			log.Infof("policy reloaded")
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}

// call runs the global function fn of a fresh VM. found is false when the
// script does not define fn.
func (e *Engine) call(fn string, args ...lua.LValue) (ret lua.LValue, found bool, err error) {
	e.mu.RLock()
	proto := e.proto
	e.mu.RUnlock()

	L := newSandboxedVM(e.opts.SelfName)
	defer L.Close()

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.Timeout)
	defer cancel()
	L.SetContext(ctx)

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return lua.LNil, false, fmt.Errorf("load script: %w", err)
	}
	f, ok := L.GetGlobal(fn).(*lua.LFunction)
	if !ok {
		return lua.LNil, false, nil
	}
	if err := L.CallByParam(lua.P{Fn: f, NRet: 1, Protect: true}, args...); err != nil {
		if ctx.Err() != nil {
			return lua.LNil, true, fmt.Errorf("%s timed out", fn)
		}
		return lua.LNil, true, fmt.Errorf("%s: %w", fn, err)
	}
	ret = L.Get(-1)
	L.Pop(1)
	return ret, true, nil
}

// ShareFor asks on_discovered whether to invite p. ok is false when the
// script declines.
func (e *Engine) ShareFor(p transport.Peer) (share string, ok bool, err error) {
	ret, found, err := e.call("on_discovered", lua.LString(p.Name), lua.LString(p.ID))
	if err != nil || !found {
		return "", false, err
	}
	s, isStr := ret.(lua.LString)
	if !isStr {
		return "", false, nil
	}
	share = string(s)
	if !utf8.ValidString(share) {
		return "", false, fmt.Errorf("on_discovered: share text is not valid UTF-8")
	}
	if len(share) > maxShareBytes {
		return "", false, fmt.Errorf("on_discovered: share text longer than %d bytes", maxShareBytes)
	}
	return share, true, nil
}

// Decide asks on_invitation about inv. decided is false when the script has
// no opinion.
func (e *Engine) Decide(inv *transport.Invitation) (accept, decided bool, err error) {
	ret, found, err := e.call("on_invitation", lua.LString(inv.From.Name), lua.LString(inv.Context))
	if err != nil || !found {
		return false, false, err
	}
	if ret == lua.LNil {
		return false, false, nil
	}
	return lua.LVAsBool(ret), true, nil
}

// PeerCandidateDiscovered invites p when the script returns share text.
func (e *Engine) PeerCandidateDiscovered(p transport.Peer) {
	go func() {
		share, ok, err := e.ShareFor(p)
		if err != nil {
			log.Warnf("on_discovered(%s): %v", p, err)
			return
		}
		if !ok {
			return
		}
		if !e.limiter.Allow(p.ID) {
			log.Infof("not inviting %s again: rate limited", p)
			return
		}
		log.Infof("inviting %s", p)
		e.inviter.InviteWithShare(p, share)
	}()
}

// IncomingInvitation resolves inv when the script decides.
func (e *Engine) IncomingInvitation(inv *transport.Invitation) {
	go func() {
		accept, decided, err := e.Decide(inv)
		if err != nil {
			log.Warnf("on_invitation(%s): %v", inv.From, err)
			return
		}
		if !decided {
			return
		}
		if accept {
			log.Infof("accepting invitation from %s", inv.From)
			inv.Accept()
			return
		}
		log.Infof("refusing invitation from %s", inv.From)
		inv.Reject()
	}()
}

func (e *Engine) ConnectedPeerChanged(p *transport.Peer) {
	arg := lua.LValue(lua.LNil)
	if p != nil {
		arg = lua.LString(p.Name)
	}
	go func() {
		if _, _, err := e.call("on_connected", arg); err != nil {
			log.Warnf("on_connected: %v", err)
		}
	}()
}

func (e *Engine) RangingUpdated(ranging.Update) {}
