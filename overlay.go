// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpeer/wire"
	"golang.org/x/sync/errgroup"
)

// OverlayState is the state of the overlay manager.
type OverlayState int32

const (
	// Bootstrapping indicates that the overlay is querying its seeds.
	Bootstrapping OverlayState = iota
	// Active indicates that bootstrapping has completed.
	Active
)

// String returns an OverlayState's string.
func (s OverlayState) String() string {
	switch s {
	case Bootstrapping:
		return "BOOTSTRAPPING"
	case Active:
		return "ACTIVE"
	default:
		panic(fmt.Sprintf("invalid overlay state %d", s))
	}
}

// OverlayClient is the subset of the wire client used by the
// overlay.
type OverlayClient interface {
	Discover(ctx context.Context, addr wire.Addr) ([]wire.Addr, error)
	Beacon(ctx context.Context, addr wire.Addr) error
	Introduce(ctx context.Context, addr, met wire.Addr) error
}

// OverlayConfig configures an Overlay.
type OverlayConfig struct {
	// AnnounceInterval is the interval between announcement sweeps.
	AnnounceInterval time.Duration
	// SweepParallelism bounds the number of concurrent beacons in a
	// sweep.
	SweepParallelism int
	// RelayIntroductions, when set, causes the overlay to introduce
	// peers that announce themselves for the first time to up to
	// RelayFanout other peers.
	RelayIntroductions bool
	RelayFanout        int
}

// OverlayEvents receives the overlay's membership events. Events are
// delivered without overlay locks held.
type OverlayEvents interface {
	// PeerFound is called once for each peer added to the overlay.
	PeerFound(addr wire.Addr)
	// PeerFailed is called when the overlay drops a peer that could
	// not be reached.
	PeerFailed(addr wire.Addr)
}

// Overlay maintains the node's view of the network: an ordered list
// of peers believed to be alive. The overlay bootstraps from a set of
// seeds, and then periodically announces the node's presence to every
// peer, dropping those that are gone. It subscribes to each of its
// peers in the registry, dropping peers that announce they are
// shutting down or that fail an exchange.
type Overlay struct {
	self     wire.Addr
	client   OverlayClient
	registry *PeerRegistry
	events   OverlayEvents
	config   OverlayConfig

	// sweepMu serializes sweeps.
	sweepMu sync.Mutex

	mu    sync.Mutex
	state OverlayState
	peers []wire.Addr
	known map[wire.Addr]bool
	rand  *rand.Rand

	announce chan struct{}
	cancel   func()
	wg       sync.WaitGroup
	relays   sync.WaitGroup
}

// NewOverlay returns a new overlay for the node at self.
func NewOverlay(self wire.Addr, client OverlayClient, registry *PeerRegistry, events OverlayEvents, config OverlayConfig) *Overlay {
	if config.SweepParallelism <= 0 {
		config.SweepParallelism = 1
	}
	return &Overlay{
		self:     self,
		client:   client,
		registry: registry,
		events:   events,
		config:   config,
		known:    make(map[wire.Addr]bool),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		announce: make(chan struct{}, 1),
	}
}

// State returns the overlay's current state.
func (o *Overlay) State() OverlayState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Bootstrap queries each seed in turn for the peers it knows,
// building the overlay's initial view of the network. Seeds that
// cannot be reached or that are shutting down are skipped; seeds
// whose state could not be determined are kept. Bootstrap leaves the
// overlay active, even if no seed could be reached.
func (o *Overlay) Bootstrap(ctx context.Context, seeds []wire.Addr) error {
	log.Printf("%s: bootstrapping from %d seeds", o.self, len(seeds))
	for _, seed := range seeds {
		if seed == o.self {
			continue
		}
		// The entry must exist before the exchange so that the
		// client's observer records the seed's state.
		created := o.registry.Ensure(seed)
		peers, err := o.client.Discover(ctx, seed)
		switch {
		case err == nil:
			log.Printf("%s: seed %s: success (%d peers)", o.self, seed, len(peers))
			o.AddDiscovered(seed)
			for _, addr := range peers {
				o.AddDiscovered(addr)
			}
		case wire.IsStateUnknown(err):
			log.Printf("%s: seed %s: partial success: %v", o.self, seed, err)
			o.AddDiscovered(seed)
		case ctx.Err() != nil:
			if created {
				o.registry.Remove(seed)
			}
			return ctx.Err()
		default:
			log.Printf("%s: seed %s: failed: %v", o.self, seed, err)
			if created {
				o.registry.Remove(seed)
			}
		}
	}
	o.mu.Lock()
	o.state = Active
	n := len(o.peers)
	o.mu.Unlock()
	if n == 0 {
		log.Printf("%s: no active peers found; starting as lone node", o.self)
	}
	return nil
}

// AddDiscovered adds the peer at addr to the overlay, returning true
// if it was not already present. The node itself is never added.
func (o *Overlay) AddDiscovered(addr wire.Addr) bool {
	if addr == o.self || addr.IsZero() {
		return false
	}
	o.mu.Lock()
	if o.known[addr] {
		o.mu.Unlock()
		return false
	}
	o.known[addr] = true
	o.peers = append(o.peers, addr)
	o.registry.Subscribe(addr, o)
	o.mu.Unlock()
	log.Printf("%s: found peer %s", o.self, addr)
	if o.events != nil {
		o.events.PeerFound(addr)
	}
	return true
}

// Announced adds a peer that announced its presence to the node. If
// the peer is new and introductions are relayed, it is introduced to
// other peers in the background.
func (o *Overlay) Announced(addr wire.Addr) bool {
	if !o.AddDiscovered(addr) {
		return false
	}
	if o.config.RelayIntroductions && o.config.RelayFanout > 0 {
		o.relay(addr)
	}
	return true
}

func (o *Overlay) relay(met wire.Addr) {
	o.mu.Lock()
	pool := make([]wire.Addr, 0, len(o.peers))
	for _, addr := range o.peers {
		if addr != met {
			pool = append(pool, addr)
		}
	}
	o.rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	o.mu.Unlock()
	if len(pool) > o.config.RelayFanout {
		pool = pool[:o.config.RelayFanout]
	}
	for _, addr := range pool {
		addr := addr
		o.relays.Add(1)
		go func() {
			defer o.relays.Done()
			if err := o.client.Introduce(context.Background(), addr, met); err != nil {
				log.Debug.Printf("%s: introduce %s to %s: %v", o.self, met, addr, err)
			}
		}()
	}
}

// Remove drops the peer at addr from the overlay and from the
// registry. It returns false if the peer was not present.
func (o *Overlay) Remove(addr wire.Addr) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.known[addr] {
		return false
	}
	delete(o.known, addr)
	for i := range o.peers {
		if o.peers[i] == addr {
			o.peers = append(o.peers[:i], o.peers[i+1:]...)
			break
		}
	}
	o.registry.Unsubscribe(addr, o)
	o.registry.Remove(addr)
	return true
}

// Active returns a snapshot of the overlay's peers, in the order in
// which they were added.
func (o *Overlay) Active() []wire.Addr {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]wire.Addr(nil), o.peers...)
}

// Len returns the number of peers in the overlay.
func (o *Overlay) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.peers)
}

// Replacement returns a peer chosen uniformly at random from the
// overlay's peers, excluding the provided one. It returns false if
// there is no other peer.
func (o *Overlay) Replacement(excluding wire.Addr) (wire.Addr, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pool := make([]wire.Addr, 0, len(o.peers))
	for _, addr := range o.peers {
		if addr != excluding {
			pool = append(pool, addr)
		}
	}
	if len(pool) == 0 {
		return wire.Addr{}, false
	}
	return pool[o.rand.Intn(len(pool))], true
}

// Nodes returns count addresses on which to place work. If count is
// negative, every peer is returned. Otherwise the peers are returned
// in order, starting over from the first peer when they are
// exhausted, so that exactly count addresses are returned. If there
// are no peers, every entry is the node's own address.
func (o *Overlay) Nodes(count int) []wire.Addr {
	peers := o.Active()
	if count < 0 {
		return peers
	}
	nodes := make([]wire.Addr, count)
	for i := range nodes {
		if len(peers) == 0 {
			nodes[i] = o.self
		} else {
			nodes[i] = peers[i%len(peers)]
		}
	}
	return nodes
}

// Announce triggers an announcement sweep. If the overlay is not
// running, the sweep is performed synchronously.
func (o *Overlay) Announce(ctx context.Context) {
	o.mu.Lock()
	running := o.cancel != nil
	o.mu.Unlock()
	if !running {
		o.sweep(ctx)
		return
	}
	select {
	case o.announce <- struct{}{}:
	default:
	}
}

// Sweep beacons every peer in the overlay. Peers that cannot be
// reached are dropped and reported as failed; peers that are
// shutting down are dropped silently.
func (o *Overlay) sweep(ctx context.Context) {
	o.sweepMu.Lock()
	defer o.sweepMu.Unlock()
	peers := o.Active()
	if len(peers) == 0 {
		return
	}
	log.Debug.Printf("%s: announcing presence to %d peers", o.self, len(peers))
	var g errgroup.Group
	g.SetLimit(o.config.SweepParallelism)
	for _, addr := range peers {
		addr := addr
		g.Go(func() error {
			err := o.client.Beacon(ctx, addr)
			switch {
			case err == nil:
			case ctx.Err() != nil:
			case wire.IsShuttingDown(err):
				o.Remove(addr)
			case wire.IsUnreachable(err):
				log.Error.Printf("%s: unable to reach %s: %v", o.self, addr, err)
				o.Remove(addr)
				if o.events != nil {
					o.events.PeerFailed(addr)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Start starts the overlay's periodic announcement sweeps. The first
// sweep is performed immediately.
func (o *Overlay) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.config.AnnounceInterval)
		defer ticker.Stop()
		for {
			o.sweep(ctx)
			select {
			case <-ticker.C:
			case <-o.announce:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the overlay's sweeps, waiting for an ongoing sweep and
// any relayed introductions to complete.
func (o *Overlay) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.wg.Wait()
	}
	o.relays.Wait()
}

// PeerStateChanged implements PeerListener. Peers that are shutting
// down are dropped.
func (o *Overlay) PeerStateChanged(addr wire.Addr, state wire.State) {
	if state == wire.ShuttingDown && o.Remove(addr) {
		log.Printf("%s: peer %s is shutting down", o.self, addr)
	}
}

// PeerConnectionFailed implements PeerListener. Unreachable peers are
// dropped.
func (o *Overlay) PeerConnectionFailed(addr wire.Addr, err error) {
	if o.Remove(addr) {
		log.Error.Printf("%s: removing unreliable peer %s: %v", o.self, addr, err)
	}
}
