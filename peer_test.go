// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpeer/wire"
	"github.com/grailbio/testutil/expect"
)

type peerEvent struct {
	addr  wire.Addr
	state wire.State
	err   error
}

type recordingListener struct {
	events []peerEvent
	// onEvent, if set, is called from within each callback.
	onEvent func()
}

func (l *recordingListener) PeerStateChanged(addr wire.Addr, state wire.State) {
	l.events = append(l.events, peerEvent{addr: addr, state: state})
	if l.onEvent != nil {
		l.onEvent()
	}
}

func (l *recordingListener) PeerConnectionFailed(addr wire.Addr, err error) {
	l.events = append(l.events, peerEvent{addr: addr, err: err})
	if l.onEvent != nil {
		l.onEvent()
	}
}

func TestPeerRegistryObserve(t *testing.T) {
	r := NewPeerRegistry()
	var l recordingListener
	// Unknown peers are ignored.
	r.Observe(peerB, wire.Running, nil)
	if _, ok := r.Get(peerB); ok {
		t.Fatal("observed peer without an entry")
	}

	r.Subscribe(peerB, &l)
	r.Observe(peerB, wire.Running, nil)
	r.Observe(peerB, wire.Running, nil)
	p, ok := r.Get(peerB)
	expect.True(t, ok)
	expect.EQ(t, p.State, wire.Running)
	expect.False(t, p.LastSeen.IsZero())
	expect.EQ(t, len(l.events), 1)

	// Failures that carry no handshake state leave the entry alone.
	r.Observe(peerB, wire.Unknown, errors.E(errors.Canceled, "ping"))
	expect.EQ(t, len(l.events), 1)
	p, _ = r.Get(peerB)
	expect.EQ(t, p.State, wire.Running)

	r.Observe(peerB, wire.Unknown, unreachable(peerB))
	expect.EQ(t, len(l.events), 2)
	expect.True(t, wire.IsUnreachable(l.events[1].err))
	p, _ = r.Get(peerB)
	expect.EQ(t, p.State, wire.Running)

	r.Observe(peerB, wire.ShuttingDown, shuttingDown(peerB))
	expect.EQ(t, l.events[2], peerEvent{addr: peerB, state: wire.ShuttingDown})
}

func TestPeerRegistrySubscriptions(t *testing.T) {
	r := NewPeerRegistry()
	expect.True(t, r.Ensure(peerC))
	expect.False(t, r.Ensure(peerC))
	var l1, l2 recordingListener
	r.Subscribe(peerB, &l1)
	r.Subscribe(peerB, &l2)
	r.Subscribe(peerB, &l2)
	p, _ := r.Get(peerB)
	expect.EQ(t, p.Listeners, 2)

	r.ConnectionFailed(peerB, unreachable(peerB))
	expect.EQ(t, len(l1.events), 1)
	expect.EQ(t, len(l2.events), 1)

	r.Unsubscribe(peerB, &l1)
	r.ConnectionFailed(peerB, unreachable(peerB))
	expect.EQ(t, len(l1.events), 1)
	expect.EQ(t, len(l2.events), 2)

	peers := r.Peers()
	expect.EQ(t, len(peers), 2)
	expect.EQ(t, peers[0].Addr, peerB)
	expect.EQ(t, peers[1].Addr, peerC)

	expect.True(t, r.Remove(peerB))
	expect.False(t, r.Remove(peerB))
	r.ConnectionFailed(peerB, unreachable(peerB))
	expect.EQ(t, len(l2.events), 2)
}

func TestPeerRegistryReentrant(t *testing.T) {
	r := NewPeerRegistry()
	var l1, l2 recordingListener
	// A listener may unsubscribe others from within a callback; the
	// in-flight notification is unaffected.
	l1.onEvent = func() {
		r.Unsubscribe(peerB, &l2)
		r.Remove(peerB)
	}
	l2.onEvent = func() {
		r.Unsubscribe(peerB, &l1)
	}
	r.Subscribe(peerB, &l1)
	r.Subscribe(peerB, &l2)
	r.ConnectionFailed(peerB, unreachable(peerB))
	expect.EQ(t, len(l1.events), 1)
	expect.EQ(t, len(l2.events), 1)
	_, ok := r.Get(peerB)
	expect.False(t, ok)
}
