// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

type observation struct {
	addr  Addr
	state State
	err   error
}

type testObserver struct {
	mu  sync.Mutex
	obs []observation
}

func (o *testObserver) Observe(addr Addr, state State, err error) {
	o.mu.Lock()
	o.obs = append(o.obs, observation{addr, state, err})
	o.mu.Unlock()
}

func (o *testObserver) last(t *testing.T) observation {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.obs) == 0 {
		t.Fatal("no observations")
	}
	return o.obs[len(o.obs)-1]
}

func newTestClient(port int) (*Client, *testObserver) {
	obs := new(testObserver)
	return &Client{
		Port:        port,
		DialTimeout: time.Second,
		Timeout:     5 * time.Second,
		Observer:    obs,
	}, obs
}

func TestPing(t *testing.T) {
	h := newTestHandler()
	addr, _, shutdown := newTestServer(t, h)
	defer shutdown()
	c, obs := newTestClient(9999)
	ctx := context.Background()

	state, err := c.Ping(ctx, addr)
	assert.NoError(t, err)
	expect.EQ(t, state, Running)
	expect.EQ(t, obs.last(t).state, Running)

	h.setState(ShuttingDown)
	state, err = c.Ping(ctx, addr)
	expect.EQ(t, state, ShuttingDown)
	expect.True(t, IsShuttingDown(err))
	expect.False(t, IsUnreachable(err))

	h.setState(Unknown)
	state, err = c.Ping(ctx, addr)
	expect.EQ(t, state, Unknown)
	expect.True(t, IsStateUnknown(err))
	expect.False(t, IsUnreachable(err))
	expect.EQ(t, obs.last(t).state, Unknown)
}

func TestUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	addr := Addr{"127.0.0.1", l.Addr().(*net.TCPAddr).Port}
	l.Close()
	c, obs := newTestClient(9999)
	err = c.Beacon(context.Background(), addr)
	if !IsUnreachable(err) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
	o := obs.last(t)
	expect.EQ(t, o.addr, addr)
	expect.True(t, IsUnreachable(o.err))
}

func TestCanceledNotObserved(t *testing.T) {
	h := newTestHandler()
	addr, _, shutdown := newTestServer(t, h)
	defer shutdown()
	c, obs := newTestClient(9999)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Ping(ctx, addr)
	expect.True(t, errors.Is(errors.Canceled, err))
	expect.False(t, IsUnreachable(err))
	expect.EQ(t, len(obs.obs), 0)
}

func TestDiscover(t *testing.T) {
	h := newTestHandler()
	h.peers = []Addr{{"10.0.0.1", 1000}, {"10.0.0.2", 2000}}
	addr, _, shutdown := newTestServer(t, h)
	defer shutdown()
	c, _ := newTestClient(9999)
	peers, err := c.Discover(context.Background(), addr)
	assert.NoError(t, err)
	expect.EQ(t, peers, h.peers)
}

// TestDiscoverMalformed verifies that malformed and duplicate entries
// in a discovery reply are dropped without failing the exchange.
func TestDiscoverMalformed(t *testing.T) {
	addr, shutdown := rawServer(t, func(r *bufio.Reader, w net.Conn) {
		readLine(r)
		fmt.Fprintf(w, "%s\n", replyRunning)
		readLine(r)
		fmt.Fprintf(w, "bogus\n10.0.0.1:1000\n10.0.0.1:99999\n10.0.0.1:1000\n:5\n10.0.0.2:7\n\n")
		readLine(r)
	})
	defer shutdown()
	c, _ := newTestClient(9999)
	peers, err := c.Discover(context.Background(), addr)
	assert.NoError(t, err)
	expect.EQ(t, peers, []Addr{{"10.0.0.1", 1000}, {"10.0.0.2", 7}})
}

func TestBeaconIntroduce(t *testing.T) {
	h := newTestHandler()
	addr, _, shutdown := newTestServer(t, h)
	defer shutdown()
	c, _ := newTestClient(4567)
	ctx := context.Background()
	assert.NoError(t, c.Beacon(ctx, addr))
	assert.NoError(t, c.Beacon(ctx, addr))
	met := Addr{"10.1.1.1", 80}
	assert.NoError(t, c.Introduce(ctx, addr, met))
	h.mu.Lock()
	defer h.mu.Unlock()
	expect.EQ(t, h.announced, []Addr{{"127.0.0.1", 4567}, {"127.0.0.1", 4567}})
	expect.EQ(t, h.met, []Addr{met})
}

func TestSendJob(t *testing.T) {
	h := newTestHandler()
	addr, _, shutdown := newTestServer(t, h)
	defer shutdown()
	c, _ := newTestClient(4567)
	params := make([]byte, 10)
	payload := make([]byte, 100)
	rand.Read(params)
	rand.Read(payload)
	id, err := c.SendJob(context.Background(), addr, JobRequest{
		Owner:      3,
		WorkUnit:   "checksum",
		Params:     params,
		Payload:    bytes.NewReader(payload),
		PayloadLen: int64(len(payload)),
	})
	assert.NoError(t, err)
	expect.EQ(t, id, int64(42))
	h.mu.Lock()
	defer h.mu.Unlock()
	expect.EQ(t, h.from, Addr{"127.0.0.1", 4567})
	expect.EQ(t, h.header, JobHeader{Owner: 3, WorkUnit: "checksum", ParamsLen: 10, PayloadLen: 100})
	expect.EQ(t, h.params, params)
	expect.EQ(t, h.payload, payload)
}

func TestSendJobRejected(t *testing.T) {
	h := newTestHandler()
	h.jobErr = fmt.Errorf("no such work unit")
	addr, _, shutdown := newTestServer(t, h)
	defer shutdown()
	c, _ := newTestClient(4567)
	payload := []byte("payload")
	_, err := c.SendJob(context.Background(), addr, JobRequest{
		WorkUnit:   "missing",
		Payload:    bytes.NewReader(payload),
		PayloadLen: int64(len(payload)),
	})
	expect.True(t, errors.Is(errors.Remote, err))
	expect.False(t, IsUnreachable(err))

	_, err = c.SendJob(context.Background(), addr, JobRequest{WorkUnit: "bad\nunit"})
	expect.True(t, IsMalformed(err))
}

func TestSendData(t *testing.T) {
	h := newTestHandler()
	addr, _, shutdown := newTestServer(t, h)
	defer shutdown()
	c, _ := newTestClient(4567)
	data := []byte("the answer is 42")
	err := c.SendData(context.Background(), addr, DataRequest{Dest: 7, Source: 9, Data: data})
	assert.NoError(t, err)
	// The data exchange has no reply, so the client may return
	// before the server has handed the data off.
	deadline := time.Now().Add(5 * time.Second)
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.data == nil && time.Now().Before(deadline) {
		h.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		h.mu.Lock()
	}
	expect.EQ(t, h.dataHeader, DataHeader{Dest: 7, Source: 9, Len: int64(len(data))})
	expect.EQ(t, h.data, data)
}

func TestAddr(t *testing.T) {
	for _, c := range []struct {
		in string
		ok bool
	}{
		{"127.0.0.1:80", true},
		{"example.com:65535", true},
		{"[::1]:8080", true},
		{"127.0.0.1", false},
		{"127.0.0.1:0", false},
		{"127.0.0.1:65536", false},
		{"127.0.0.1:http", false},
		{":80", false},
	} {
		addr, err := ParseAddr(c.in)
		if got, want := err == nil, c.ok; got != want {
			t.Errorf("%s: got %v, want %v (%v)", c.in, got, want, err)
			continue
		}
		if err != nil {
			expect.True(t, IsMalformed(err))
			continue
		}
		if got, want := addr.String(), c.in; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func rawServer(t *testing.T, fn func(r *bufio.Reader, w net.Conn)) (Addr, func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		nc, err := l.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		fn(bufio.NewReader(nc), nc)
	}()
	return Addr{"127.0.0.1", l.Addr().(*net.TCPAddr).Port}, func() {
		l.Close()
		<-done
	}
}

func readLine(r *bufio.Reader) string {
	line, _ := r.ReadString('\n')
	return line
}
