// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package testcluster implements a cluster of bigpeer nodes that's
// useful for testing. Nodes are started inside of the same process,
// listening on ephemeral loopback ports, with short watchdog ticks so
// that failures are detected quickly.
package testcluster

import (
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpeer"
	"github.com/grailbio/bigpeer/wire"
)

type node struct {
	*bigpeer.Node
	listener net.Listener
}

// Kill takes the node off the network without a graceful shutdown:
// its listener is closed first, so that peers find it unreachable
// rather than shutting down.
func (n *node) Kill() {
	if err := n.listener.Close(); err != nil {
		log.Debug.Printf("testcluster: close %s: %v", n.Addr(), err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The node's server reports the closed listener, and the
	// canceled context; neither is of interest.
	_ = n.Shutdown(ctx)
}

// Cluster is a set of nodes running in the current process.
// Clusters should be instantiated with New().
type Cluster struct {
	// Config is the template configuration of the cluster's nodes.
	// Each node is given its own working directory.
	Config bigpeer.Config

	// Loader instantiates the nodes' work units.
	Loader bigpeer.Loader

	dir string

	mu    sync.Mutex
	cond  *sync.Cond
	nodes []*node
	n     int
}

// New creates a new Cluster that is ready for use. Its nodes load
// work units from the provided loader.
func New(loader bigpeer.Loader) *Cluster {
	dir, err := ioutil.TempDir("", "testcluster")
	if err != nil {
		panic(err)
	}
	c := &Cluster{
		Config: bigpeer.Config{
			Host:             "127.0.0.1",
			Tick:             10 * time.Millisecond,
			BeaconInterval:   2,
			ReceiveWindow:    20,
			WarnAt:           10,
			BeaconTimeout:    time.Second,
			AnnounceInterval: time.Hour,
			DialTimeout:      time.Second,
			IOTimeout:        5 * time.Second,
		},
		Loader: loader,
		dir:    dir,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start starts a new node seeded with the provided nodes.
func (c *Cluster) Start(ctx context.Context, seeds ...*bigpeer.Node) (*bigpeer.Node, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.n++
	config := c.Config
	config.WorkDir = filepath.Join(c.dir, fmt.Sprintf("node%d", c.n))
	c.mu.Unlock()
	config.Seeds = nil
	for _, seed := range seeds {
		config.Seeds = append(config.Seeds, seed.Addr().String())
	}
	n, err := bigpeer.Start(ctx, config, bigpeer.WithListener(l), bigpeer.WithLoader(c.Loader))
	if err != nil {
		l.Close()
		return nil, err
	}
	c.mu.Lock()
	c.nodes = append(c.nodes, &node{n, l})
	c.cond.Broadcast()
	c.mu.Unlock()
	return n, nil
}

// Wait waits until the cluster has at least n live nodes.
func (c *Cluster) Wait(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.nodes) < n {
		c.cond.Wait()
	}
	return n
}

// N returns the number of live nodes in the cluster.
func (c *Cluster) N() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Nodes returns the cluster's live nodes, in the order in which they
// were started.
func (c *Cluster) Nodes() []*bigpeer.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	nodes := make([]*bigpeer.Node, len(c.nodes))
	for i, n := range c.nodes {
		nodes[i] = n.Node
	}
	return nodes
}

// Lookup returns the live node at the provided address.
func (c *Cluster) Lookup(addr wire.Addr) (*bigpeer.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		if n.Addr() == addr {
			return n.Node, true
		}
	}
	return nil, false
}

// KillRandom kills a random node, returning true if it was successful.
func (c *Cluster) KillRandom() bool {
	c.mu.Lock()
	if len(c.nodes) == 0 {
		c.mu.Unlock()
		return false
	}
	i := rand.Intn(len(c.nodes))
	n := c.nodes[i]
	c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
	c.mu.Unlock()
	n.Kill()
	return true
}

// Kill kills the node n that is under management of this cluster,
// returning true if successful.
func (c *Cluster) Kill(n *bigpeer.Node) bool {
	c.mu.Lock()
	for i, cn := range c.nodes {
		if cn.Node == n {
			c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
			c.mu.Unlock()
			cn.Kill()
			return true
		}
	}
	c.mu.Unlock()
	return false
}

// Shutdown gracefully shuts down every live node, waits for their
// jobs, and removes the cluster's working directories.
func (c *Cluster) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = nil
	c.mu.Unlock()
	var first error
	for _, n := range nodes {
		if err := n.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
		if err := n.WaitJobs(ctx); err != nil && first == nil {
			first = err
		}
	}
	if err := os.RemoveAll(c.dir); err != nil && first == nil {
		first = err
	}
	return first
}
