// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpeer/wire"
)

// A PeerListener is notified of events concerning a peer to which it
// is subscribed. Listeners are never called with registry locks held,
// and so may call back into the registry.
type PeerListener interface {
	// PeerStateChanged is called when a handshake with the peer
	// reports a state different from the one last recorded.
	PeerStateChanged(addr wire.Addr, state wire.State)
	// PeerConnectionFailed is called when the peer could not be
	// reached, or failed in the middle of an exchange.
	PeerConnectionFailed(addr wire.Addr, err error)
}

// Peer is a snapshot of a peer's registry entry.
type Peer struct {
	Addr wire.Addr
	// State is the state last reported by the peer itself.
	State wire.State
	// LastSeen is the time of the last completed handshake with the
	// peer, or the zero time if there was none.
	LastSeen time.Time
	// Listeners is the number of subscribed listeners.
	Listeners int
}

type peer struct {
	state     wire.State
	lastSeen  time.Time
	listeners map[PeerListener]bool
}

// PeerRegistry keeps track of the peers known to a node: their last
// reported state and the listeners subscribed to them. A single lock
// covers the map and every entry. PeerRegistry implements
// wire.Observer so that it may track the outcome of every exchange.
//
// Listeners are held only while subscribed; a listener that wishes
// to stop receiving events must unsubscribe.
type PeerRegistry struct {
	mu    sync.Mutex
	peers map[wire.Addr]*peer
}

// NewPeerRegistry returns a new, empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[wire.Addr]*peer)}
}

// Ensure creates an entry for the peer at addr if there is none. It
// returns true if an entry was created.
func (r *PeerRegistry) Ensure(addr wire.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[addr] != nil {
		return false
	}
	r.peers[addr] = &peer{listeners: make(map[PeerListener]bool)}
	return true
}

// Get returns the entry for the peer at addr.
func (r *PeerRegistry) Get(addr wire.Addr) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peers[addr]
	if p == nil {
		return Peer{}, false
	}
	return p.snapshot(addr), true
}

// Remove removes the entry for the peer at addr, together with its
// subscriptions. It returns false if there was no such entry.
func (r *PeerRegistry) Remove(addr wire.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[addr] == nil {
		return false
	}
	delete(r.peers, addr)
	return true
}

// Subscribe subscribes l to events concerning the peer at addr,
// creating an entry for the peer if necessary.
func (r *PeerRegistry) Subscribe(addr wire.Addr, l PeerListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peers[addr]
	if p == nil {
		p = &peer{listeners: make(map[PeerListener]bool)}
		r.peers[addr] = p
	}
	p.listeners[l] = true
}

// Unsubscribe removes l's subscription to the peer at addr, if any.
func (r *PeerRegistry) Unsubscribe(addr wire.Addr, l PeerListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.peers[addr]; p != nil {
		delete(p.listeners, l)
	}
}

// Peers returns a snapshot of every entry, ordered by address.
func (r *PeerRegistry) Peers() []Peer {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.peers))
	for addr, p := range r.peers {
		peers = append(peers, p.snapshot(addr))
	}
	r.mu.Unlock()
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Addr.String() < peers[j].Addr.String()
	})
	return peers
}

// Observe implements wire.Observer. Exchanges that determined the
// peer's state update it, notifying listeners if it changed;
// exchanges that failed on the network notify listeners of a
// connection failure. Peers without an entry are ignored.
func (r *PeerRegistry) Observe(addr wire.Addr, state wire.State, err error) {
	if wire.IsUnreachable(err) {
		r.ConnectionFailed(addr, err)
		return
	}
	if err != nil && !wire.IsShuttingDown(err) && !wire.IsStateUnknown(err) && state == wire.Unknown {
		// Failures that did not complete a handshake carry no state.
		return
	}
	r.mu.Lock()
	p := r.peers[addr]
	if p == nil {
		r.mu.Unlock()
		return
	}
	p.lastSeen = time.Now()
	changed := p.state != state
	p.state = state
	listeners := p.listenerList()
	r.mu.Unlock()
	if !changed {
		return
	}
	if log.At(log.Debug) {
		log.Debug.Printf("peer %s: state %s", addr, state)
	}
	for _, l := range listeners {
		l.PeerStateChanged(addr, state)
	}
}

// ConnectionFailed notifies the listeners subscribed to the peer at
// addr of a connection failure. The peer's recorded state does not
// change.
func (r *PeerRegistry) ConnectionFailed(addr wire.Addr, err error) {
	r.mu.Lock()
	p := r.peers[addr]
	if p == nil {
		r.mu.Unlock()
		return
	}
	listeners := p.listenerList()
	r.mu.Unlock()
	for _, l := range listeners {
		l.PeerConnectionFailed(addr, err)
	}
}

func (p *peer) snapshot(addr wire.Addr) Peer {
	return Peer{Addr: addr, State: p.state, LastSeen: p.lastSeen, Listeners: len(p.listeners)}
}

// listenerList returns a snapshot of p's listeners. It must be
// called with the registry's lock held.
func (p *peer) listenerList() []PeerListener {
	listeners := make([]PeerListener, 0, len(p.listeners))
	for l := range p.listeners {
		listeners = append(listeners, l)
	}
	return listeners
}
