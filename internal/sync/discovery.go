package sync

import (
	"context"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// Watcher discovers the already-paired sync server on the LAN by
// service tag and reconnects to it whenever mDNS resolves its
// address, adapted from the teacher's mDNS wiring in its Start/
// HandlePeerFound. Unlike the teacher, this never treats a newly
// found peer as a sync partner on its own: a peer only becomes usable
// once it is both found here and present on the allowlist.
type Watcher struct {
	host      host.Host
	allowlist *Allowlist
	mdns      mdns.Service
	logger    Logger
	onFound   func(peer.AddrInfo)
}

// NewWatcher starts LAN discovery for ServiceName on h. onFound is
// called once per resolved address, including repeats after a server
// restart; it is the caller's job to dedupe by peer.ID if desired.
func NewWatcher(h host.Host, allowlist *Allowlist, logger Logger, onFound func(peer.AddrInfo)) *Watcher {
	if logger == nil {
		logger = noopLogger{}
	}
	w := &Watcher{host: h, allowlist: allowlist, logger: logger, onFound: onFound}
	w.mdns = mdns.NewMdnsService(h, ServiceName, w)
	return w
}

// Start begins advertising and listening for ServiceName peers.
func (w *Watcher) Start() error {
	return w.mdns.Start()
}

// Stop ends discovery.
func (w *Watcher) Stop() error {
	return w.mdns.Close()
}

// HandlePeerFound implements mdns.Notifee. A peer the configured
// allowlist does not allow is logged and ignored: it is neither
// connected nor handed to onFound. An allowed peer is connected and
// then handed to onFound.
func (w *Watcher) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == w.host.ID() {
		return
	}
	if w.allowlist != nil && !w.allowlist.IsAllowed(pi.ID) {
		w.logger.Printf("discovered untrusted peer %s, ignoring", pi.ID)
		return
	}
	if err := w.host.Connect(context.Background(), pi); err != nil {
		w.logger.Printf("connect to discovered peer %s: %v", pi.ID, err)
		return
	}
	w.logger.Printf("discovered and connected to sync server %s", pi.ID)
	if w.onFound != nil {
		w.onFound(pi)
	}
}
