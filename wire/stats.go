// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"expvar"
	"sync"
	"time"
)

var serverstats, clientstats sessionstats

func init() {
	expvar.Publish("bigpeer.server", &serverstats)
	expvar.Publish("bigpeer.client", &clientstats)
}

// A treestats represents a tree of expvars.
type treestats struct {
	expvar.Map
	mu sync.Mutex
}

// Path returns the treestats with the provided path.
func (t *treestats) Path(names ...string) *treestats {
	child := t
	for _, name := range names {
		child = child.Child(name)
	}
	return child
}

// Child returns the treestat's child with the given name, creating
// one if it does not yet exist.
func (t *treestats) Child(name string) *treestats {
	child, ok := t.Map.Get(name).(*treestats)
	if child != nil && ok {
		return child
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	child, ok = t.Map.Get(name).(*treestats)
	if child != nil && ok {
		return child
	}
	child = new(treestats)
	t.Map.Set(name, child)
	return child
}

// Sessionstats maintains simple exchange statistics, aggregated by
// command and by peer.
type sessionstats struct {
	treestats
}

// Start starts a stat for an exchange of the provided command with
// the provided peer. It returns a function that records the outcome
// and latency of the exchange, which the caller must run when the
// exchange is done. Arguments sent and received report the number
// of bytes transferred.
func (s *sessionstats) Start(peer, command string) (done func(sent, received int64, err error)) {
	s.Path("command", command).Add("count", 1)
	if peer != "" {
		s.Path("peer", peer, "command", command).Add("count", 1)
	}
	now := time.Now()
	return func(sent, received int64, err error) {
		elapsed := time.Since(now).Nanoseconds() / 1e6
		cmd := s.Path("command", command)
		cmd.Add("time", elapsed)
		if sent > 0 {
			cmd.Add("sentbytes", sent)
		}
		if received > 0 {
			cmd.Add("receivedbytes", received)
		}
		if err != nil {
			cmd.Add("errors", 1)
		}
		s.max(elapsed, "command", command, "maxtime")
		if peer != "" {
			s.Path("peer", peer, "command", command).Add("time", elapsed)
			if err != nil {
				s.Path("peer", peer, "command", command).Add("errors", 1)
			}
		}
	}
}

func (s *sessionstats) max(val int64, path ...string) {
	path, name := path[:len(path)-1], path[len(path)-1]
	s.Path(path...).Add(name, 0)
	if iv, ok := s.Path(path...).Get(name).(*expvar.Int); ok {
		if val > iv.Value() {
			iv.Set(val)
		}
	}
}
