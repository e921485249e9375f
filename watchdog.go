// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpeer/wire"
	"golang.org/x/sync/errgroup"
)

// A Beaconer announces the local node's presence to a peer.
// *wire.Client is a Beaconer.
type Beaconer interface {
	Beacon(ctx context.Context, addr wire.Addr) error
}

// WatchdogConfig configures a Watchdog. Intervals are expressed in
// ticks.
type WatchdogConfig struct {
	Tick time.Duration
	// BeaconInterval is the number of ticks between beacons.
	BeaconInterval int
	// ReceiveWindow is the number of ticks after which a peer from
	// which no beacon was received is declared failed.
	ReceiveWindow int
	// WarnAt is the remaining number of ticks at which a silent peer
	// is reported as potentially unresponsive.
	WarnAt int
	// BeaconTimeout bounds each beacon.
	BeaconTimeout time.Duration
}

// WatchEntry is a snapshot of a row in one of the watchdog's tables.
type WatchEntry struct {
	Addr wire.Addr
	// Countdown is the number of ticks until the row is due.
	Countdown int
	// Retain is the number of outstanding registrations.
	Retain int
}

type watch struct {
	countdown, retain int
	// gen identifies the row among the rows ever created for its peer.
	gen uint64
}

// A Receipt identifies a registration made by RegisterReceiver. A
// receipt outlives the row it was issued for: once the peer is
// declared failed, releasing the receipt has no effect, even if the
// peer has since been registered anew.
type Receipt struct {
	Addr wire.Addr
	gen  uint64
}

// Watchdog is the node's failure detector. It maintains two
// retain-counted tables: peers to which the node sends periodic
// beacons (because they expect to hear from it), and peers from
// which the node expects periodic beacons. A peer that stays silent
// for a full receive window is declared failed: the watchdog's
// failure func is called and the peer is no longer watched.
//
// Beacons that fail are retried on every tick until they succeed;
// the beaconing side never declares failures.
type Watchdog struct {
	config   WatchdogConfig
	beaconer Beaconer
	failed   func(wire.Addr)

	// tickMu serializes ticks.
	tickMu sync.Mutex

	mu        sync.Mutex
	beacons   map[wire.Addr]*watch
	receivers map[wire.Addr]*watch
	gen       uint64

	cancel func()
	wg     sync.WaitGroup
}

// NewWatchdog returns a new watchdog that beacons through the
// provided beaconer and reports failed peers to the failed func.
// The watchdog does not tick until it is started.
func NewWatchdog(beaconer Beaconer, config WatchdogConfig, failed func(wire.Addr)) *Watchdog {
	return &Watchdog{
		config:    config,
		beaconer:  beaconer,
		failed:    failed,
		beacons:   make(map[wire.Addr]*watch),
		receivers: make(map[wire.Addr]*watch),
	}
}

// RegisterBeacon registers the intent to beacon the peer at addr.
// Beacons are sent until every registration has been released.
func (w *Watchdog) RegisterBeacon(addr wire.Addr) {
	w.mu.Lock()
	defer w.mu.Unlock()
	register(w.beacons, addr, w.config.BeaconInterval)
}

// ReleaseBeacon releases a registration made by RegisterBeacon.
// Releasing a peer that is not registered has no effect.
func (w *Watchdog) ReleaseBeacon(addr wire.Addr) {
	w.mu.Lock()
	defer w.mu.Unlock()
	release(w.beacons, addr)
}

// RegisterReceiver registers the expectation of beacons from the peer
// at addr. The peer is watched until every registration has been
// released, or until it is declared failed. The returned receipt
// releases the registration.
func (w *Watchdog) RegisterReceiver(addr wire.Addr) Receipt {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.receivers[addr]; !ok {
		w.gen++
	}
	register(w.receivers, addr, w.config.ReceiveWindow)
	r := w.receivers[addr]
	if r.gen == 0 {
		r.gen = w.gen
	}
	return Receipt{addr, r.gen}
}

// ReleaseReceiver releases a registration made by RegisterReceiver.
// Releasing a receipt whose peer is no longer registered, or was
// declared failed after the receipt was issued, has no effect.
func (w *Watchdog) ReleaseReceiver(receipt Receipt) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r := w.receivers[receipt.Addr]; r != nil && r.gen == receipt.gen {
		release(w.receivers, receipt.Addr)
	}
}

// Beaconed records the receipt of a beacon from the peer at addr,
// restarting its receive window. It has no effect on peers that are
// not watched.
func (w *Watchdog) Beaconed(addr wire.Addr) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r := w.receivers[addr]; r != nil {
		r.countdown = w.config.ReceiveWindow
	}
}

// Beacons returns a snapshot of the beacon table.
func (w *Watchdog) Beacons() []WatchEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return entries(w.beacons)
}

// Receivers returns a snapshot of the receiver table.
func (w *Watchdog) Receivers() []WatchEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return entries(w.receivers)
}

// Tick performs a single round of the watchdog: due beacons are
// sent, silent peers are declared failed, and every other row counts
// down. Tick returns after the round's beacons have completed.
func (w *Watchdog) Tick(ctx context.Context) {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	w.mu.Lock()
	var due []wire.Addr
	for addr, b := range w.beacons {
		if b.countdown == 0 {
			due = append(due, addr)
		} else {
			b.countdown--
		}
	}
	var failed []wire.Addr
	for addr, r := range w.receivers {
		if r.countdown == 0 {
			failed = append(failed, addr)
			delete(w.receivers, addr)
		}
	}
	for addr, r := range w.receivers {
		if r.countdown == w.config.WarnAt {
			log.Printf("potentially unresponsive peer %s: no beacon in %d ticks",
				addr, w.config.ReceiveWindow-r.countdown)
		}
		r.countdown--
	}
	w.mu.Unlock()

	for _, addr := range failed {
		log.Error.Printf("peer %s failed: no beacon in %d ticks", addr, w.config.ReceiveWindow)
		if w.failed != nil {
			w.failed(addr)
		}
	}

	if len(due) == 0 {
		return
	}
	var g errgroup.Group
	for _, addr := range due {
		addr := addr
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(ctx, w.config.BeaconTimeout)
			err := w.beaconer.Beacon(bctx, addr)
			cancel()
			if err != nil {
				// Leave the row due; it is retried on the next tick.
				log.Debug.Printf("beacon %s: %v", addr, err)
				return nil
			}
			w.mu.Lock()
			if b := w.beacons[addr]; b != nil {
				b.countdown = w.config.BeaconInterval
			}
			w.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// Start starts ticking in the background, once per configured tick
// interval. Start has no effect on a running watchdog.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.config.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the watchdog and waits for an ongoing tick to complete.
// The watchdog's tables are retained.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	w.wg.Wait()
}

func register(table map[wire.Addr]*watch, addr wire.Addr, countdown int) {
	if e := table[addr]; e != nil {
		e.retain++
		return
	}
	table[addr] = &watch{countdown: countdown, retain: 1}
}

func release(table map[wire.Addr]*watch, addr wire.Addr) {
	e := table[addr]
	if e == nil {
		return
	}
	e.retain--
	if e.retain <= 0 {
		delete(table, addr)
	}
}

func entries(table map[wire.Addr]*watch) []WatchEntry {
	list := make([]WatchEntry, 0, len(table))
	for addr, e := range table {
		list = append(list, WatchEntry{addr, e.countdown, e.retain})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Addr.String() < list[j].Addr.String()
	})
	return list
}
