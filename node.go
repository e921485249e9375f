// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpeer/internal/workspace"
	"github.com/grailbio/bigpeer/wire"
)

// A SeedProvider supplies addresses of peers from which a node
// bootstraps its view of the network.
type SeedProvider interface {
	Seeds(ctx context.Context) ([]wire.Addr, error)
}

// A SeedRegistrar is a SeedProvider with which nodes register
// themselves, so that they are in turn given as seeds to other nodes.
// A node registers once it is running, and deregisters when it shuts
// down.
type SeedRegistrar interface {
	SeedProvider
	Register(ctx context.Context, self wire.Addr) error
	Deregister(ctx context.Context) error
}

// Option is an option that can be provided when starting a new
// node. It is a function that can modify the node that will be
// returned by Start.
type Option func(n *Node)

// WithSeedProvider adds a source of seeds to those in the node's
// configuration.
func WithSeedProvider(p SeedProvider) Option {
	return func(n *Node) {
		n.seeds = p
	}
}

// WithLoader sets the loader used to instantiate jobs' work units.
func WithLoader(l Loader) Option {
	return func(n *Node) {
		n.loader = l
	}
}

// WithDialer overrides the dialer used to connect to peers.
func WithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) Option {
	return func(n *Node) {
		n.dial = dial
	}
}

// WithStdout sets the writer to which jobs' output is written.
func WithStdout(w io.Writer) Option {
	return func(n *Node) {
		n.stdout = w
	}
}

// WithListener makes the node accept sessions on the provided
// listener instead of binding its own. The node's port is taken from
// the listener's address.
func WithListener(l net.Listener) Option {
	return func(n *Node) {
		n.listener = l
	}
}

type stateWaiter struct {
	c     chan struct{}
	state wire.State
}

// Node is a bigpeer node: a member of an overlay network of equal
// peers that runs jobs on behalf of its peers and dispatches jobs to
// them. Nodes are created by Start and torn down by Shutdown.
type Node struct {
	config Config
	addr   wire.Addr

	seeds  SeedProvider
	loader Loader
	dial   func(ctx context.Context, network, address string) (net.Conn, error)
	stdout io.Writer

	registry  *PeerRegistry
	watchdog  *Watchdog
	overlay   *Overlay
	jobs      *JobRunner
	client    *wire.Client
	server    *wire.Server
	listener  net.Listener
	workspace *workspace.Workspace
	metrics   *metrics

	served chan error

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error

	mu      sync.Mutex
	state   int32
	waiters []stateWaiter
}

// Start starts a new node with the provided configuration: it binds
// the node's listener and begins serving sessions, bootstraps the
// node's overlay from its seeds, and then starts the node's failure
// detector and periodic announcements. The node is in Running state
// when Start returns.
//
// Start returns an error if the configuration is invalid or the node
// cannot listen; unreachable seeds are not an error.
func Start(ctx context.Context, config Config, opts ...Option) (*Node, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		config: config,
		served:       make(chan error, 1),
		shutdownDone: make(chan struct{}),
		state:        int32(wire.Unknown),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.loader == nil {
		n.loader = NewRegistry()
	}
	if n.stdout == nil {
		n.stdout = os.Stdout
	}
	var err error
	if n.workspace, err = workspace.New(config.WorkDir); err != nil {
		return nil, err
	}
	if n.listener == nil {
		if n.listener, err = listen(config); err != nil {
			return nil, err
		}
	}
	port := n.listener.Addr().(*net.TCPAddr).Port
	n.addr = wire.Addr{Host: config.Host, Port: port}

	n.registry = NewPeerRegistry()
	n.client = &wire.Client{
		Port:        port,
		DialTimeout: config.DialTimeout,
		Timeout:     config.IOTimeout,
		Observer:    observer{n},
		Dial:        n.dial,
	}
	n.watchdog = NewWatchdog(n.client, WatchdogConfig{
		Tick:           config.Tick,
		BeaconInterval: config.BeaconInterval,
		ReceiveWindow:  config.ReceiveWindow,
		WarnAt:         config.WarnAt,
		BeaconTimeout:  config.BeaconTimeout,
	}, n.peerFailed)
	n.overlay = NewOverlay(n.addr, n.client, n.registry, overlayEvents{n}, OverlayConfig{
		AnnounceInterval:   config.AnnounceInterval,
		SweepParallelism:   config.SweepParallelism,
		RelayIntroductions: config.RelayIntroductions,
		RelayFanout:        config.RelayFanout,
	})
	n.jobs = NewJobRunner(n.loader, n.client, n.watchdog, n.overlay, jobEvents{n}, JobRunnerConfig{
		Self:        n.addr,
		SendRetries: config.SendRetries,
		Stdout:      n.stdout,
	})
	n.metrics = newMetrics(n)

	n.server = wire.NewServer(session{n})
	n.server.Timeout = config.IOTimeout
	n.server.MaxSessions = config.MaxSessions
	go func() {
		n.served <- n.server.Serve(n.listener)
	}()
	log.Printf("%s: listening on %s", n.addr, n.listener.Addr())

	n.watchdog.Start()
	seeds := config.seedAddrs()
	if n.seeds != nil {
		more, err := n.seeds.Seeds(ctx)
		if err != nil {
			log.Error.Printf("%s: seed provider: %v", n.addr, err)
		}
		seeds = append(seeds, more...)
	}
	if err := n.overlay.Bootstrap(ctx, seeds); err != nil {
		n.abort()
		return nil, err
	}
	n.setState(wire.Running)
	n.overlay.Start()
	if r, ok := n.seeds.(SeedRegistrar); ok {
		if err := r.Register(ctx, n.addr); err != nil {
			log.Error.Printf("%s: seed registration: %v", n.addr, err)
		}
	}
	log.Printf("%s: running with %d peers", n.addr, n.overlay.Len())
	return n, nil
}

// Listen binds the node's listener. The configured port is tried
// first; if it is unavailable, the configured port range is tried in
// order.
func listen(config Config) (net.Listener, error) {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(config.ListenPort)))
	if err == nil {
		return l, nil
	}
	first := err
	if config.MinListenPort > 0 {
		for port := config.MinListenPort; port <= config.MaxListenPort; port += config.ListenPortIncrement {
			if port == config.ListenPort {
				continue
			}
			if l, err = net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port))); err == nil {
				return l, nil
			}
		}
	}
	return nil, errors.E(errors.Unavailable, fmt.Sprintf("unable to listen on port %d or range %d-%d",
		config.ListenPort, config.MinListenPort, config.MaxListenPort), first)
}

// abort tears down a node that failed to start.
func (n *Node) abort() {
	n.watchdog.Stop()
	if err := n.server.Shutdown(context.Background()); err != nil {
		log.Error.Printf("%s: shutdown: %v", n.addr, err)
	}
	<-n.served
}

// Shutdown takes the node out of the network. The node first reports
// that it is shutting down to peers that contact it; it then stops
// its announcements and failure detector, closes its listener, and
// waits for ongoing sessions to complete, or until the context is
// done. Running jobs are not interrupted; see WaitJobs.
//
// Only the first call performs the shutdown. Other calls wait for it
// to complete, or for their own context to be done, and return its
// error.
func (n *Node) Shutdown(ctx context.Context) error {
	first := false
	n.shutdownOnce.Do(func() { first = true })
	if !first {
		select {
		case <-n.shutdownDone:
			return n.shutdownErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.shutdownErr = n.shutdown(ctx)
	close(n.shutdownDone)
	return n.shutdownErr
}

func (n *Node) shutdown(ctx context.Context) error {
	n.setState(wire.ShuttingDown)
	log.Printf("%s: shutting down", n.addr)
	if r, ok := n.seeds.(SeedRegistrar); ok {
		if err := r.Deregister(ctx); err != nil {
			log.Error.Printf("%s: seed deregistration: %v", n.addr, err)
		}
	}
	n.overlay.Stop()
	n.watchdog.Stop()
	err := n.server.Shutdown(ctx)
	if serr := <-n.served; serr != nil && err == nil {
		err = serr
	}
	return err
}

// Addr returns the address on which the node is reachable.
func (n *Node) Addr() wire.Addr { return n.addr }

// Config returns the node's configuration, with defaults applied.
func (n *Node) Config() Config { return n.config }

// State returns the node's current state.
func (n *Node) State() wire.State {
	return wire.State(atomic.LoadInt32(&n.state))
}

// Wait returns a channel that is closed once the node reaches the
// provided state or greater.
func (n *Node) Wait(state wire.State) <-chan struct{} {
	c := make(chan struct{})
	n.mu.Lock()
	if state <= n.State() {
		close(c)
	} else {
		n.waiters = append(n.waiters, stateWaiter{c, state})
	}
	n.mu.Unlock()
	return c
}

func (n *Node) setState(s wire.State) {
	n.mu.Lock()
	var triggered []chan struct{}
	ws := n.waiters
	n.waiters = nil
	for _, w := range ws {
		if w.state <= s {
			triggered = append(triggered, w.c)
		} else {
			n.waiters = append(n.waiters, w)
		}
	}
	atomic.StoreInt32(&n.state, int32(s))
	n.mu.Unlock()
	for _, c := range triggered {
		close(c)
	}
}

// Registry returns the node's peer registry.
func (n *Node) Registry() *PeerRegistry { return n.registry }

// Overlay returns the node's overlay.
func (n *Node) Overlay() *Overlay { return n.overlay }

// Watchdog returns the node's failure detector.
func (n *Node) Watchdog() *Watchdog { return n.watchdog }

// Jobs returns the node's job runner.
func (n *Node) Jobs() *JobRunner { return n.jobs }

// Client returns the client with which the node contacts its peers.
func (n *Node) Client() *wire.Client { return n.client }

// WaitJobs waits for every running job to finish, or until the
// context is done.
func (n *Node) WaitJobs(ctx context.Context) error {
	return n.jobs.Wait(ctx)
}

// StartLocal starts a job on the local node. The job's params and
// payload are persisted in a new working directory, which is removed
// when the job finishes if cleanup is set. The job has no parent.
func (n *Node) StartLocal(ctx context.Context, workUnit string, params []byte, payload io.Reader, payloadLen int64, cleanup bool) (*Job, error) {
	area, err := n.workspace.Create(bytes.NewReader(params), int64(len(params)), payload, payloadLen)
	if err != nil {
		return nil, err
	}
	job, err := n.jobs.Start(ctx, StartRequest{WorkUnit: workUnit, Dir: area.Dir, Cleanup: cleanup})
	if err != nil {
		if rerr := area.Remove(); rerr != nil {
			log.Error.Printf("%s: remove %s: %v", n.addr, area.Dir, rerr)
		}
		return nil, err
	}
	n.metrics.jobs.WithLabelValues("local").Inc()
	return job, nil
}

// Dispatch starts a job on the node at addr that is not owned by any
// local job. Data sent by the job to its parent is dropped.
func (n *Node) Dispatch(ctx context.Context, addr wire.Addr, workUnit string, params []byte, payload io.Reader, payloadLen int64) (RemoteJob, error) {
	id, err := n.client.SendJob(ctx, addr, wire.JobRequest{
		WorkUnit:   workUnit,
		Params:     params,
		Payload:    payload,
		PayloadLen: payloadLen,
	})
	if err != nil {
		return RemoteJob{}, err
	}
	return RemoteJob{addr, id}, nil
}

// HandleDebug registers diagnostic http endpoints on the provided
// ServeMux.
func (n *Node) HandleDebug(mux *http.ServeMux) {
	n.HandleDebugPrefix("/debug/bigpeer/", mux)
}

// HandleDebugPrefix registers diagnostic http endpoints on the
// provided ServeMux under the provided prefix.
func (n *Node) HandleDebugPrefix(prefix string, mux *http.ServeMux) {
	mux.Handle(prefix+"status", &statusHandler{n})
	mux.Handle(prefix+"metrics", n.metrics.handler())
	mux.Handle(prefix+"vars", &varsHandler{n})
}

// peerFailed is called when a peer is declared failed, either by the
// watchdog or by an announcement sweep.
func (n *Node) peerFailed(addr wire.Addr) {
	n.metrics.failures.Inc()
	n.registry.ConnectionFailed(addr, errors.E(errors.Net, fmt.Sprintf("peer %s failed", addr)))
	n.jobs.PeerFailed(addr)
}

type observer struct{ *Node }

func (o observer) Observe(addr wire.Addr, state wire.State, err error) {
	o.metrics.exchange(err)
	o.registry.Observe(addr, state, err)
}

type overlayEvents struct{ *Node }

func (e overlayEvents) PeerFound(addr wire.Addr) {
	e.metrics.discoveries.Inc()
	e.jobs.PeerFound(addr)
}

func (e overlayEvents) PeerFailed(addr wire.Addr) {
	e.peerFailed(addr)
}

type jobEvents struct{ *Node }

func (e jobEvents) JobLoaded(job *Job) {
	e.metrics.jobs.WithLabelValues("loaded").Inc()
}

func (e jobEvents) JobFailed(job *Job, err error) {
	if IsJobLoadFailure(err) {
		e.metrics.jobs.WithLabelValues("load_failed").Inc()
	} else {
		e.metrics.jobs.WithLabelValues("failed").Inc()
	}
}

func (e jobEvents) JobFinished(job *Job) {
	e.metrics.jobFinished(job)
	if log.At(log.Debug) {
		log.Debug.Printf("%s: job %d (%s) finished", e.addr, job.ID, job.WorkUnit)
	}
}
