// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpeer/internal/workspace"
	"github.com/grailbio/bigpeer/wire"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeJobClient struct {
	mu       sync.Mutex
	nextID   int64
	jobs     []wire.JobRequest
	data     []wire.DataRequest
	dataErrs []error
}

func (c *fakeJobClient) SendJob(ctx context.Context, addr wire.Addr, req wire.JobRequest) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.HasPrefix(req.WorkUnit, "reject") {
		return 0, errors.E(errors.Remote, "rejected")
	}
	c.jobs = append(c.jobs, req)
	c.nextID++
	return c.nextID, nil
}

func (c *fakeJobClient) SendData(ctx context.Context, addr wire.Addr, req wire.DataRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, req)
	if len(c.dataErrs) > 0 {
		err := c.dataErrs[0]
		c.dataErrs = c.dataErrs[1:]
		return err
	}
	return nil
}

type recordingJobListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingJobListener) record(format string, args ...interface{}) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *recordingJobListener) JobLoaded(job *Job) { l.record("loaded %d", job.ID) }
func (l *recordingJobListener) JobFailed(job *Job, err error) {
	l.record("failed %d", job.ID)
}
func (l *recordingJobListener) JobFinished(job *Job) { l.record("finished %d", job.ID) }

func (l *recordingJobListener) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type jobTest struct {
	runner    *JobRunner
	registry  *Registry
	client    *fakeJobClient
	watchdog  *Watchdog
	overlay   *Overlay
	listener  *recordingJobListener
	stdout    *syncBuffer
	workspace *workspace.Workspace
}

func newJobTest(t *testing.T) (*jobTest, func()) {
	dir, cleanup := testutil.TempDir(t, "", "job")
	ws, err := workspace.New(filepath.Join(dir, "work"))
	assert.NoError(t, err)
	jt := &jobTest{
		registry:  NewRegistry(),
		client:    new(fakeJobClient),
		watchdog:  NewWatchdog(newFakeBeaconer(), testWatchdogConfig, nil),
		overlay:   NewOverlay(selfA, newFakeOverlayClient(), NewPeerRegistry(), nil, testOverlayConfig),
		listener:  new(recordingJobListener),
		stdout:    new(syncBuffer),
		workspace: ws,
	}
	jt.runner = NewJobRunner(jt.registry, jt.client, jt.watchdog, jt.overlay, jt.listener, JobRunnerConfig{
		Self:        selfA,
		SendRetries: 3,
		Stdout:      jt.stdout,
	})
	return jt, cleanup
}

func (jt *jobTest) start(t *testing.T, unit string, params, payload []byte, parent *RemoteJob) *Job {
	t.Helper()
	area, err := jt.workspace.Create(bytes.NewReader(params), int64(len(params)), bytes.NewReader(payload), int64(len(payload)))
	assert.NoError(t, err)
	job, err := jt.runner.Start(context.Background(), StartRequest{
		WorkUnit: unit,
		Dir:      area.Dir,
		Cleanup:  true,
		Parent:   parent,
	})
	assert.NoError(t, err)
	return job
}

func waitJob(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Wait(JobFinished):
	case <-time.After(10 * time.Second):
		t.Fatalf("job %d did not finish", job.ID)
	}
}

func TestJobLifecycle(t *testing.T) {
	jt, cleanup := newJobTest(t)
	defer cleanup()
	release := make(chan struct{})
	jt.registry.Register("echo", func(dir string) (WorkUnit, error) {
		return funcUnit(func(ctx context.Context, env *Env) error {
			params, err := env.Params()
			if err != nil {
				return err
			}
			f, err := env.Payload()
			if err != nil {
				return err
			}
			payload, err := ioutil.ReadAll(f)
			f.Close()
			if err != nil {
				return err
			}
			if got, want := env.Self(), selfA; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			parent, ok := env.Parent()
			if !ok || parent != (RemoteJob{peerB, 7}) {
				t.Errorf("bad parent %v", parent)
			}
			fmt.Fprintf(env.Stdout(), "%s %d\npartial", params, len(payload))
			<-release
			return nil
		}), nil
	})
	job := jt.start(t, "echo", []byte("hello"), make([]byte, 100), &RemoteJob{peerB, 7})
	expect.EQ(t, job.ID, int64(1))
	<-job.Wait(JobRunning)
	expect.EQ(t, jt.watchdog.Beacons(), []WatchEntry{{peerB, 10, 1}})
	j, ok := jt.runner.Lookup(job.ID)
	expect.True(t, ok)
	expect.True(t, j == job)
	expect.EQ(t, len(jt.runner.Jobs()), 1)
	dir := job.Dir()
	_, err := os.Stat(dir)
	expect.NoError(t, err)

	close(release)
	waitJob(t, job)
	expect.NoError(t, job.Err())
	expect.EQ(t, job.State(), JobFinished)
	expect.EQ(t, len(jt.watchdog.Beacons()), 0)
	expect.EQ(t, len(jt.runner.Jobs()), 0)
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("working directory %s not removed: %v", dir, err)
	}
	expect.EQ(t, jt.stdout.String(), "[job 1 echo] hello 100\n[job 1 echo] partial\n")
	expect.EQ(t, jt.listener.list(), []string{"loaded 1", "finished 1"})
	assert.NoError(t, jt.runner.Wait(context.Background()))
}

func TestJobSharedBeacon(t *testing.T) {
	jt, cleanup := newJobTest(t)
	defer cleanup()
	release := make(chan struct{})
	jt.registry.Register("wait", func(dir string) (WorkUnit, error) {
		return funcUnit(func(ctx context.Context, env *Env) error {
			<-release
			return nil
		}), nil
	})
	j1 := jt.start(t, "wait", nil, nil, &RemoteJob{peerB, 1})
	j2 := jt.start(t, "wait", nil, nil, &RemoteJob{peerB, 2})
	<-j1.Wait(JobRunning)
	<-j2.Wait(JobRunning)
	expect.EQ(t, jt.watchdog.Beacons(), []WatchEntry{{peerB, 10, 2}})
	close(release)
	waitJob(t, j1)
	waitJob(t, j2)
	expect.EQ(t, len(jt.watchdog.Beacons()), 0)
}

func TestJobLoadFailure(t *testing.T) {
	jt, cleanup := newJobTest(t)
	defer cleanup()
	job := jt.start(t, "missing", []byte("x"), nil, &RemoteJob{peerB, 1})
	waitJob(t, job)
	expect.True(t, IsJobLoadFailure(job.Err()))
	expect.EQ(t, jt.listener.list(), []string{"failed 1", "finished 1"})
	expect.EQ(t, len(jt.watchdog.Beacons()), 0)
	if _, err := os.Stat(job.Dir()); !os.IsNotExist(err) {
		t.Errorf("working directory not removed: %v", err)
	}
}

func TestJobRunFailure(t *testing.T) {
	jt, cleanup := newJobTest(t)
	defer cleanup()
	jt.registry.Register("fail", func(dir string) (WorkUnit, error) {
		return funcUnit(func(ctx context.Context, env *Env) error {
			return errors.E("out of luck")
		}), nil
	})
	jt.registry.Register("panic", func(dir string) (WorkUnit, error) {
		return funcUnit(func(ctx context.Context, env *Env) error {
			panic("oops")
		}), nil
	})
	failed := jt.start(t, "fail", nil, nil, nil)
	panicked := jt.start(t, "panic", nil, nil, nil)
	waitJob(t, failed)
	waitJob(t, panicked)
	expect.HasSubstr(t, failed.Err().Error(), "out of luck")
	expect.False(t, IsJobLoadFailure(failed.Err()))
	expect.HasSubstr(t, panicked.Err().Error(), "panic: oops")
}

func TestJobStartInvalid(t *testing.T) {
	jt, cleanup := newJobTest(t)
	defer cleanup()
	_, err := jt.runner.Start(context.Background(), StartRequest{Dir: "/tmp"})
	expect.True(t, errors.Is(errors.Invalid, err))
	_, err = jt.runner.Start(context.Background(), StartRequest{WorkUnit: "x"})
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestJobDispatch(t *testing.T) {
	jt, cleanup := newJobTest(t)
	defer cleanup()
	jt.overlay.AddDiscovered(peerC)
	release := make(chan struct{})
	dispatched := make(chan []RemoteJob, 1)
	jt.registry.Register("parent", func(dir string) (WorkUnit, error) {
		return funcUnit(func(ctx context.Context, env *Env) error {
			nodes := env.Nodes(2)
			var children []RemoteJob
			for _, addr := range nodes {
				child, err := env.Dispatch(ctx, addr, "child", []byte("0123456789"), bytes.NewReader(make([]byte, 100)), 100)
				if err != nil {
					return err
				}
				children = append(children, child)
			}
			if _, err := env.Dispatch(ctx, peerC, "rejected", nil, nil, 0); !errors.Is(errors.Remote, err) {
				t.Errorf("got %v, want remote error", err)
			}
			env.Release(children[0])
			dispatched <- children
			<-release
			return nil
		}), nil
	})
	job := jt.start(t, "parent", nil, nil, nil)
	children := <-dispatched
	expect.EQ(t, children, []RemoteJob{{peerC, 1}, {peerC, 2}})
	expect.EQ(t, job.Children(), []RemoteJob{{peerC, 2}})
	expect.EQ(t, jt.watchdog.Receivers(), []WatchEntry{{peerC, 20, 1}})
	jt.client.mu.Lock()
	assert.EQ(t, len(jt.client.jobs), 2)
	req := jt.client.jobs[0]
	jt.client.mu.Unlock()
	expect.EQ(t, req.Owner, job.ID)
	expect.EQ(t, req.WorkUnit, "child")
	expect.EQ(t, req.PayloadLen, int64(100))

	close(release)
	waitJob(t, job)
	expect.EQ(t, len(jt.watchdog.Receivers()), 0)
}

func TestJobChildReleaseAfterFailure(t *testing.T) {
	jt, cleanup := newJobTest(t)
	defer cleanup()
	var (
		dispatched = make(chan RemoteJob)
		holds      = map[string]chan struct{}{
			"a": make(chan struct{}),
			"c": make(chan struct{}),
		}
	)
	jt.registry.Register("hold", func(dir string) (WorkUnit, error) {
		return funcUnit(func(ctx context.Context, env *Env) error {
			child, err := env.Dispatch(ctx, peerB, "child", nil, nil, 0)
			if err != nil {
				return err
			}
			params, err := env.Params()
			if err != nil {
				return err
			}
			dispatched <- child
			<-holds[string(params)]
			return nil
		}), nil
	})
	jobA := jt.start(t, "hold", []byte("a"), nil, nil)
	<-dispatched
	expect.EQ(t, jt.watchdog.Receivers(), []WatchEntry{{peerB, 20, 1}})
	// peerB is declared failed; its row is dropped.
	tick(jt.watchdog, 21)
	expect.EQ(t, len(jt.watchdog.Receivers()), 0)

	jobC := jt.start(t, "hold", []byte("c"), nil, nil)
	<-dispatched
	expect.EQ(t, jt.watchdog.Receivers(), []WatchEntry{{peerB, 20, 1}})

	// Finishing A releases its child's registration, which predates
	// the failure, and so must leave C's watch in place.
	close(holds["a"])
	waitJob(t, jobA)
	expect.EQ(t, jt.watchdog.Receivers(), []WatchEntry{{peerB, 20, 1}})

	close(holds["c"])
	waitJob(t, jobC)
	expect.EQ(t, len(jt.watchdog.Receivers()), 0)
}

func TestJobSendData(t *testing.T) {
	jt, cleanup := newJobTest(t)
	defer cleanup()
	jt.client.dataErrs = []error{unreachable(peerB), unreachable(peerB)}
	jt.registry.Register("send", func(dir string) (WorkUnit, error) {
		return funcUnit(func(ctx context.Context, env *Env) error {
			return env.SendData(ctx, []byte("result"))
		}), nil
	})
	jt.registry.Register("orphan", func(dir string) (WorkUnit, error) {
		return funcUnit(func(ctx context.Context, env *Env) error {
			return env.SendData(ctx, []byte("result"))
		}), nil
	})
	job := jt.start(t, "send", nil, nil, &RemoteJob{peerB, 9})
	waitJob(t, job)
	expect.NoError(t, job.Err())
	jt.client.mu.Lock()
	data := jt.client.data
	jt.client.mu.Unlock()
	assert.EQ(t, len(data), 3)
	expect.EQ(t, data[2].Dest, int64(9))
	expect.EQ(t, data[2].Source, job.ID)
	expect.EQ(t, string(data[2].Data), "result")

	orphan := jt.start(t, "orphan", nil, nil, nil)
	waitJob(t, orphan)
	expect.True(t, errors.Is(errors.Precondition, orphan.Err()))
}

func TestJobSendDataGivesUp(t *testing.T) {
	jt, cleanup := newJobTest(t)
	defer cleanup()
	jt.runner.config.SendRetries = 1
	jt.client.dataErrs = []error{unreachable(peerB), unreachable(peerB), unreachable(peerB)}
	jt.registry.Register("send", func(dir string) (WorkUnit, error) {
		return funcUnit(func(ctx context.Context, env *Env) error {
			return env.SendData(ctx, []byte("result"))
		}), nil
	})
	job := jt.start(t, "send", nil, nil, &RemoteJob{peerB, 9})
	waitJob(t, job)
	expect.True(t, wire.IsUnreachable(job.Err()))
	jt.client.mu.Lock()
	expect.EQ(t, len(jt.client.data), 2)
	jt.client.mu.Unlock()
}

type receiverUnit struct {
	mu       sync.Mutex
	received []string
	found    []wire.Addr
	failed   []wire.Addr
	release  chan struct{}
}

func (r *receiverUnit) Run(ctx context.Context, env *Env) error {
	<-r.release
	return nil
}

func (r *receiverUnit) DataReceived(ctx context.Context, from RemoteJob, rd io.Reader) error {
	b, err := ioutil.ReadAll(rd)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.received = append(r.received, from.String()+":"+string(b))
	r.mu.Unlock()
	return nil
}

func (r *receiverUnit) PeerFound(addr wire.Addr) {
	r.mu.Lock()
	r.found = append(r.found, addr)
	r.mu.Unlock()
}

func (r *receiverUnit) PeerFailed(addr wire.Addr) {
	r.mu.Lock()
	r.failed = append(r.failed, addr)
	r.mu.Unlock()
}

func TestJobDeliverAndWatch(t *testing.T) {
	jt, cleanup := newJobTest(t)
	defer cleanup()
	unit := &receiverUnit{release: make(chan struct{})}
	jt.registry.Register("receiver", func(dir string) (WorkUnit, error) { return unit, nil })
	plainRelease := make(chan struct{})
	jt.registry.Register("plain", func(dir string) (WorkUnit, error) {
		return funcUnit(func(ctx context.Context, env *Env) error {
			<-plainRelease
			return nil
		}), nil
	})
	job := jt.start(t, "receiver", nil, nil, nil)
	plain := jt.start(t, "plain", nil, nil, nil)
	<-job.Wait(JobRunning)
	<-plain.Wait(JobRunning)

	ctx := context.Background()
	from := RemoteJob{peerC, 3}
	err := jt.runner.Deliver(ctx, 99, from, strings.NewReader("lost"))
	expect.True(t, errors.Is(errors.NotExist, err))
	err = jt.runner.Deliver(ctx, plain.ID, from, strings.NewReader("ignored"))
	expect.True(t, errors.Is(errors.NotSupported, err))
	assert.NoError(t, jt.runner.Deliver(ctx, job.ID, from, strings.NewReader("data")))

	jt.runner.PeerFound(peerD)
	jt.runner.PeerFailed(peerC)

	unit.mu.Lock()
	expect.EQ(t, unit.received, []string{"10.0.0.3:7000/3:data"})
	expect.EQ(t, unit.found, []wire.Addr{peerD})
	expect.EQ(t, unit.failed, []wire.Addr{peerC})
	unit.mu.Unlock()

	close(unit.release)
	close(plainRelease)
	waitJob(t, job)
	waitJob(t, plain)
	err = jt.runner.Deliver(ctx, job.ID, from, strings.NewReader("late"))
	expect.True(t, errors.Is(errors.NotExist, err))
}
