package app

import (
	"strings"
)

// NormalizeLocalAddr keeps the bridge on localhost. A bare ":port" or a
// wildcard host is rewritten to 127.0.0.1.
func NormalizeLocalAddr(cfgAddr string) string {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a
}

func logBanner(peerDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("nearby peer")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info("")
	log.Info(" This process is ONE device.")
	log.Info(" Different folder = different device.")
	log.Info("────────────────────────────────────────")
}
