// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpeer"
	"github.com/grailbio/bigpeer/wire"
)

// builtins returns a registry of the work units that every node
// started by this command can run.
func builtins() *bigpeer.Registry {
	r := bigpeer.NewRegistry()
	r.Register("echo", func(dir string) (bigpeer.WorkUnit, error) {
		return echo{}, nil
	})
	r.Register("wordcount", func(dir string) (bigpeer.WorkUnit, error) {
		return wordcount{}, nil
	})
	r.Register("pi", func(dir string) (bigpeer.WorkUnit, error) {
		return circlePI{}, nil
	})
	return r
}

// Echo writes its params to the job's output, and sends them back to
// its parent.
type echo struct{}

func (echo) Run(ctx context.Context, env *bigpeer.Env) error {
	params, err := env.Params()
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout(), "%s\n", params)
	if _, ok := env.Parent(); !ok {
		return nil
	}
	return env.SendData(ctx, params)
}

// Wordcount counts the words in its payload and sends the count to
// its parent.
type wordcount struct{}

func (wordcount) Run(ctx context.Context, env *bigpeer.Env) error {
	f, err := env.Payload()
	if err != nil {
		return err
	}
	defer f.Close()
	scan := bufio.NewScanner(f)
	scan.Split(bufio.ScanWords)
	var n int
	for scan.Scan() {
		n++
	}
	if err := scan.Err(); err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout(), "%d words\n", n)
	if _, ok := env.Parent(); !ok {
		return nil
	}
	return env.SendData(ctx, []byte(strconv.Itoa(n)))
}

// CirclePI generates the number of points given by its params inside
// the unit square and reports to its parent how many of these fall
// inside the unit circle.
type circlePI struct{}

func (circlePI) Run(ctx context.Context, env *bigpeer.Env) error {
	params, err := env.Params()
	if err != nil {
		return err
	}
	n, err := strconv.ParseUint(string(params), 10, 64)
	if err != nil {
		return errors.E(errors.Invalid, "pi: bad sample count", err)
	}
	r := rand.New(rand.NewSource(rand.Int63()))
	var m uint64
	for i := uint64(0); i < n; i++ {
		if i%1e7 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			fmt.Fprintf(env.Stdout(), "%d/%d\n", i, n)
		}
		x, y := r.Float64(), r.Float64()
		if (x-0.5)*(x-0.5)+(y-0.5)*(y-0.5) < 0.25 {
			m++
		}
	}
	return env.SendData(ctx, []byte(strconv.FormatUint(m, 10)))
}

// Collector dispatches a single work unit to a peer and copies the
// data that the dispatched job sends back to its output writer. It
// runs until the first data is received, the peer fails, or the
// timeout elapses.
type collector struct {
	to       wire.Addr
	workUnit string
	params   []byte
	payload  string
	timeout  time.Duration
	out      io.Writer

	once sync.Once
	done chan error
}

func newCollector(to wire.Addr, workUnit string, params []byte, payload string, timeout time.Duration, out io.Writer) *collector {
	return &collector{
		to:       to,
		workUnit: workUnit,
		params:   params,
		payload:  payload,
		timeout:  timeout,
		out:      out,
		done:     make(chan error, 1),
	}
}

func (c *collector) Run(ctx context.Context, env *bigpeer.Env) error {
	var (
		payload    io.Reader
		payloadLen int64
	)
	if c.payload != "" {
		f, err := os.Open(c.payload)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		payload, payloadLen = f, info.Size()
	}
	child, err := env.Dispatch(ctx, c.to, c.workUnit, c.params, payload, payloadLen)
	if err != nil {
		return err
	}
	defer env.Release(child)
	log.Printf("dispatched %s as %s", c.workUnit, child)
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case err := <-c.done:
		return err
	case <-timer.C:
		return errors.E(errors.Timeout, fmt.Sprintf("no data from %s after %s", child, c.timeout))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *collector) DataReceived(ctx context.Context, from bigpeer.RemoteJob, r io.Reader) error {
	_, err := io.Copy(c.out, r)
	if err == nil {
		_, err = fmt.Fprintln(c.out)
	}
	c.finish(err)
	return err
}

func (c *collector) PeerFound(addr wire.Addr) {}

func (c *collector) PeerFailed(addr wire.Addr) {
	if addr == c.to {
		c.finish(errors.E(errors.Net, fmt.Sprintf("peer %s failed", addr)))
	}
}

func (c *collector) finish(err error) {
	c.once.Do(func() { c.done <- err })
}

// Estimator estimates π by dispatching circlePI work units across
// the network and aggregating their counts. Work lost to a failed
// peer is dispatched again to a replacement peer.
type estimator struct {
	samples uint64
	jobs    int
	timeout time.Duration

	// Result receives the number of points that fell inside the
	// circle once every job has reported.
	result chan uint64

	failed chan wire.Addr
	counts chan count
}

type count struct {
	from bigpeer.RemoteJob
	n    uint64
	err  error
}

func newEstimator(samples uint64, jobs int, timeout time.Duration) *estimator {
	return &estimator{
		samples: samples,
		jobs:    jobs,
		timeout: timeout,
		result:  make(chan uint64, 1),
		failed:  make(chan wire.Addr, 16),
		counts:  make(chan count, 2*jobs),
	}
}

func (e *estimator) Run(ctx context.Context, env *bigpeer.Env) error {
	per := e.samples / uint64(e.jobs)
	params := []byte(strconv.FormatUint(per, 10))
	pending := make(map[bigpeer.RemoteJob]bool)
	dispatch := func(addr wire.Addr) error {
		child, err := env.Dispatch(ctx, addr, "pi", params, nil, 0)
		if err != nil {
			return err
		}
		pending[child] = true
		return nil
	}
	addrs := env.Nodes(e.jobs)
	for _, addr := range addrs {
		if err := dispatch(addr); err != nil {
			return err
		}
	}
	log.Printf("distributing %d samples among %d jobs", per*uint64(e.jobs), e.jobs)
	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	var (
		total    uint64
		received int
	)
	for received < e.jobs {
		select {
		case c := <-e.counts:
			if c.err != nil {
				return c.err
			}
			// Late counts from jobs on failed peers were replaced.
			if !pending[c.from] {
				continue
			}
			received++
			delete(pending, c.from)
			env.Release(c.from)
			total += c.n
		case addr := <-e.failed:
			for child := range pending {
				if child.Addr != addr {
					continue
				}
				delete(pending, child)
				env.Release(child)
				replacement, ok := env.Replacement(addr)
				if !ok {
					return errors.E(errors.Unavailable, fmt.Sprintf("no replacement for failed peer %s", addr))
				}
				log.Printf("peer %s failed; dispatching %s to %s", addr, child, replacement)
				if err := dispatch(replacement); err != nil {
					return err
				}
			}
		case <-timer.C:
			return errors.E(errors.Timeout, fmt.Sprintf("%d of %d jobs reported after %s", received, e.jobs, e.timeout))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.result <- total
	return nil
}

func (e *estimator) DataReceived(ctx context.Context, from bigpeer.RemoteJob, r io.Reader) error {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return err
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		err = errors.E(errors.Invalid, fmt.Sprintf("bad count %q from %s", b, from), err)
	}
	select {
	case e.counts <- count{from, n, err}:
	default:
		log.Error.Printf("dropped count from %s", from)
	}
	return err
}

func (e *estimator) PeerFound(addr wire.Addr) {}

func (e *estimator) PeerFailed(addr wire.Addr) {
	select {
	case e.failed <- addr:
	default:
		log.Error.Printf("dropped failure of %s", addr)
	}
}
