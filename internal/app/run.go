// Package app wires the transport, the ranging provider, the session
// controller and its observers into a running peer.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/nearby/internal/bridge"
	"github.com/petervdpas/nearby/internal/config"
	"github.com/petervdpas/nearby/internal/metrics"
	"github.com/petervdpas/nearby/internal/p2p"
	"github.com/petervdpas/nearby/internal/policy"
	"github.com/petervdpas/nearby/internal/ranging/sim"
	"github.com/petervdpas/nearby/internal/session"
	"github.com/petervdpas/nearby/internal/state"
	"github.com/petervdpas/nearby/internal/transport"
	"github.com/petervdpas/nearby/internal/util"
)

var log = logging.Logger("app")

// ConfigFile is the config file name inside a peer directory.
const ConfigFile = "nearby.json"

// subsystems whose level follows log.level. libp2p's own loggers keep the
// levels p2p sets for them.
var subsystems = []string{
	"app", "bridge", "config", "p2p", "policy",
	"ranging", "ranging/sim", "session", "transport",
}

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run runs one peer until ctx ends.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	applyLogLevel(cfg.Log.Level)
	logBanner(opt.PeerDir, opt.CfgPath)

	m := metrics.New()
	peers := state.NewPeerTable()

	node, err := p2p.New(ctx, p2p.Options{
		ListenPort:    cfg.P2P.ListenPort,
		MdnsTag:       cfg.P2P.MdnsTag,
		PresenceTopic: cfg.P2P.PresenceTopic,
		DisplayName:   cfg.Profile.DisplayName,
		InviteTimeout: cfg.Transport.InviteTimeout(),
		SendTimeout:   cfg.Transport.SendTimeout(),
		PresenceTTL:   cfg.P2P.PresenceTTLDuration(),
		Metrics:       m,
	}, peers)
	if err != nil {
		return fmt.Errorf("p2p: %w", err)
	}
	defer node.Close()
	log.Infof("peer %s (%s)", util.Short(node.ID(), 12), cfg.Profile.DisplayName)

	field := newField(cfg.Ranging)
	br := bridge.New(cfg.Bridge.Replay, bridge.WithMetrics(m), bridge.WithPeers(peers))
	uis := session.MultiUI{br}

	// The policy engine invites through the controller, which is built
	// after it. Nothing reaches the engine before ctrl.Run.
	var ctrl *session.Controller
	if cfg.Policy.Enabled {
		eng, err := startPolicy(opt.PeerDir, cfg, policy.InviterFunc(func(p transport.Peer, text string) {
			ctrl.InviteWithShare(p, text)
		}))
		if err != nil {
			return fmt.Errorf("policy: %w", err)
		}
		defer eng.Close()
		uis = append(uis, eng)
	}

	ctrl, err = session.New(node, field.Provider(), uis, session.WithMetrics(m))
	if err != nil {
		return err
	}
	br.Attach(ctrl)

	if err := config.Watch(ctx, opt.CfgPath, func(c config.Config) {
		applyLogLevel(c.Log.Level)
		log.Infof("config reloaded (log level %s)", c.Log.Level)
	}); err != nil {
		log.Warnf("config watch: %v", err)
	}

	if cfg.Bridge.HTTPAddr != "" {
		addr := NormalizeLocalAddr(cfg.Bridge.HTTPAddr)
		go func() {
			if err := br.ListenAndServe(ctx, addr); err != nil {
				log.Errorf("bridge: %v", err)
			}
		}()
	}
	go forgetLoop(ctx, field)

	err = ctrl.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newField(rc config.Ranging) *sim.Field {
	return sim.NewField(
		sim.WithInterval(rc.UpdateInterval()),
		sim.WithMaxRange(rc.MaxRangeM),
		sim.WithSupported(rc.Supported),
	)
}

// startPolicy loads the pairing script, writing the default one first when
// the peer directory has none.
func startPolicy(peerDir string, cfg config.Config, inviter policy.Inviter) (*policy.Engine, error) {
	path := util.ResolvePath(peerDir, cfg.Policy.Script)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(DefaultPolicy), 0o644); err != nil {
			return nil, fmt.Errorf("write default policy: %w", err)
		}
		log.Infof("wrote default policy to %s", path)
	}
	return policy.NewEngine(policy.Options{
		Script:           path,
		SelfName:         cfg.Profile.DisplayName,
		Timeout:          time.Duration(cfg.Policy.TimeoutSeconds) * time.Second,
		InvitesPerMinute: cfg.Policy.InvitesPerMinute,
	}, inviter)
}

// forgetLoop drops ended ranging instances from the field.
func forgetLoop(ctx context.Context, field *sim.Field) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := field.Forget(); n > 0 {
				log.Debugf("forgot %d ended ranging sessions", n)
			}
		}
	}
}

func applyLogLevel(level string) {
	for _, s := range subsystems {
		if err := logging.SetLogLevel(s, level); err != nil {
			log.Warnf("log level %q for %s: %v", level, s, err)
		}
	}
}
