// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigpeer/internal/workspace"
	"github.com/grailbio/bigpeer/peerioutil"
	"github.com/grailbio/bigpeer/wire"
)

// SendPolicy is the retry policy used when jobs deliver data to their
// parents.
var sendPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5)

// JobState enumerates the possible states of a job. Job states
// proceed monotonically: they can only increase in value.
type JobState int32

const (
	// JobNew indicates that the job's work unit has yet to be loaded.
	JobNew JobState = iota
	// JobLoaded indicates that the job's work unit was instantiated.
	JobLoaded
	// JobRunning indicates that the job's work unit is running.
	JobRunning
	// JobFinished indicates that the job has completed, either
	// because its work unit returned or because it failed to load.
	JobFinished
)

// String returns a JobState's string.
func (s JobState) String() string {
	switch s {
	case JobNew:
		return "NEW"
	case JobLoaded:
		return "LOADED"
	case JobRunning:
		return "RUNNING"
	case JobFinished:
		return "FINISHED"
	default:
		panic(fmt.Sprintf("invalid job state %d", s))
	}
}

// RemoteJob is a reference to a job on another node.
type RemoteJob struct {
	Addr wire.Addr
	ID   int64
}

// String returns the job's reference in addr/id form.
func (r RemoteJob) String() string {
	return r.Addr.String() + "/" + strconv.FormatInt(r.ID, 10)
}

// JobClient is the subset of the wire client used by jobs.
type JobClient interface {
	SendJob(ctx context.Context, addr wire.Addr, req wire.JobRequest) (int64, error)
	SendData(ctx context.Context, addr wire.Addr, req wire.DataRequest) error
}

// A JobListener is notified of job lifecycle events.
type JobListener interface {
	JobLoaded(job *Job)
	// JobFailed is called when a job's work unit fails to load, or
	// when it returns an error.
	JobFailed(job *Job, err error)
	JobFinished(job *Job)
}

// StartRequest describes a job to be started.
type StartRequest struct {
	// WorkUnit is the identifier of the work unit to run.
	WorkUnit string
	// Dir is the job's working directory, in which its params and
	// payload have been persisted.
	Dir string
	// Cleanup indicates whether Dir should be removed once the job
	// has finished.
	Cleanup bool
	// Parent is the job on whose behalf this job runs, if any. Jobs
	// with a parent beacon the parent's node while they run.
	Parent *RemoteJob
}

type jobWaiter struct {
	c     chan struct{}
	state JobState
}

// Job is a single execution of a work unit on the local node. Each
// job runs in its own goroutine.
type Job struct {
	// ID is the job's node-unique identifier.
	ID int64
	// WorkUnit is the identifier of the job's work unit.
	WorkUnit string
	// Started is the time at which the job was started.
	Started time.Time

	dir     string
	cleanup bool
	parent  *RemoteJob
	runner  *JobRunner
	stdout  *peerioutil.PrefixWriter

	mu       sync.Mutex
	state    int32
	err      error
	waiters  []jobWaiter
	unit     WorkUnit
	children map[RemoteJob]Receipt
	// beaconing is set while the job holds a beacon registration for
	// its parent's node.
	beaconing bool
}

// State returns the job's current state.
func (j *Job) State() JobState {
	return JobState(atomic.LoadInt32(&j.state))
}

// Wait returns a channel that is closed once the job reaches the
// provided state or greater.
func (j *Job) Wait(state JobState) <-chan struct{} {
	c := make(chan struct{})
	j.mu.Lock()
	if state <= j.State() {
		close(c)
	} else {
		j.waiters = append(j.waiters, jobWaiter{c, state})
	}
	j.mu.Unlock()
	return c
}

// Err returns the job's error. Err is only well-defined once the job
// has finished.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Dir returns the job's working directory.
func (j *Job) Dir() string { return j.dir }

// Parent returns the job's parent, if it has one.
func (j *Job) Parent() (RemoteJob, bool) {
	if j.parent == nil {
		return RemoteJob{}, false
	}
	return *j.parent, true
}

// Children returns the remote jobs dispatched by this job that have
// not been released.
func (j *Job) Children() []RemoteJob {
	j.mu.Lock()
	children := make([]RemoteJob, 0, len(j.children))
	for child := range j.children {
		children = append(children, child)
	}
	j.mu.Unlock()
	sort.Slice(children, func(a, b int) bool {
		return children[a].String() < children[b].String()
	})
	return children
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	var triggered []chan struct{}
	ws := j.waiters
	j.waiters = nil
	for _, w := range ws {
		if w.state <= s {
			triggered = append(triggered, w.c)
		} else {
			j.waiters = append(j.waiters, w)
		}
	}
	atomic.StoreInt32(&j.state, int32(s))
	j.mu.Unlock()
	for _, c := range triggered {
		close(c)
	}
}

func (j *Job) setError(err error) {
	j.mu.Lock()
	j.err = err
	j.mu.Unlock()
}

func (j *Job) workUnit() WorkUnit {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.unit
}

func (j *Job) run(ctx context.Context) {
	r := j.runner
	defer r.finish(j)

	unit, err := r.loader.Load(j.WorkUnit, j.dir)
	if err != nil {
		log.Error.Printf("job %d: %v", j.ID, err)
		j.setError(err)
		if r.listener != nil {
			r.listener.JobFailed(j, err)
		}
		return
	}
	j.mu.Lock()
	j.unit = unit
	j.mu.Unlock()
	j.setState(JobLoaded)
	if r.listener != nil {
		r.listener.JobLoaded(j)
	}

	if j.parent != nil {
		r.watchdog.RegisterBeacon(j.parent.Addr)
		j.mu.Lock()
		j.beaconing = true
		j.mu.Unlock()
	}
	j.setState(JobRunning)
	if err := j.runUnit(ctx, unit); err != nil {
		log.Error.Printf("job %d (%s): %v", j.ID, j.WorkUnit, err)
		j.setError(err)
		if r.listener != nil {
			r.listener.JobFailed(j, err)
		}
	}
}

func (j *Job) runUnit(ctx context.Context, unit WorkUnit) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(fmt.Sprintf("panic: %v\n%s", e, debug.Stack()))
		}
	}()
	return unit.Run(ctx, &Env{j})
}

// JobRunnerConfig configures a JobRunner.
type JobRunnerConfig struct {
	// Self is the address of the local node.
	Self wire.Addr
	// SendRetries is the number of times data delivery to a parent is
	// retried when the parent cannot be reached.
	SendRetries int
	// Stdout is the writer to which jobs' standard output is
	// written, each line prefixed by the job's id.
	Stdout io.Writer
}

// JobRunner starts and tracks the jobs running on the local node.
type JobRunner struct {
	loader   Loader
	client   JobClient
	watchdog *Watchdog
	overlay  *Overlay
	listener JobListener
	config   JobRunnerConfig

	nextID int64

	mu   sync.Mutex
	jobs map[int64]*Job
	wg   sync.WaitGroup
}

// NewJobRunner returns a new job runner. Jobs' work units are
// instantiated by the provided loader; jobs communicate with other
// nodes through the provided client, watchdog, and overlay.
func NewJobRunner(loader Loader, client JobClient, watchdog *Watchdog, overlay *Overlay, listener JobListener, config JobRunnerConfig) *JobRunner {
	if config.Stdout == nil {
		config.Stdout = os.Stdout
	}
	return &JobRunner{
		loader:   loader,
		client:   client,
		watchdog: watchdog,
		overlay:  overlay,
		listener: listener,
		config:   config,
		jobs:     make(map[int64]*Job),
	}
}

// Start starts a new job. The job is assigned an id and registered
// before Start returns; its work unit is loaded and run in the job's
// own goroutine. The job does not observe the cancellation of ctx.
func (r *JobRunner) Start(ctx context.Context, req StartRequest) (*Job, error) {
	if req.WorkUnit == "" {
		return nil, errors.E(errors.Invalid, "no work unit")
	}
	if req.Dir == "" {
		return nil, errors.E(errors.Invalid, "no working directory")
	}
	j := &Job{
		ID:       atomic.AddInt64(&r.nextID, 1),
		WorkUnit: req.WorkUnit,
		Started:  time.Now(),
		dir:      req.Dir,
		cleanup:  req.Cleanup,
		runner:   r,
		children: make(map[RemoteJob]Receipt),
	}
	if req.Parent != nil {
		parent := *req.Parent
		j.parent = &parent
	}
	j.stdout = peerioutil.NewPrefixWriter(r.config.Stdout, fmt.Sprintf("[job %d %s] ", j.ID, j.WorkUnit))
	r.mu.Lock()
	r.jobs[j.ID] = j
	r.wg.Add(1)
	r.mu.Unlock()
	go j.run(context.WithoutCancel(ctx))
	return j, nil
}

func (r *JobRunner) finish(j *Job) {
	defer r.wg.Done()
	if err := j.stdout.Flush(); err != nil {
		log.Error.Printf("job %d: flush output: %v", j.ID, err)
	}
	if j.cleanup {
		if err := os.RemoveAll(j.dir); err != nil {
			log.Error.Printf("job %d: cleanup %s: %v", j.ID, j.dir, err)
		}
	}
	j.mu.Lock()
	beaconing := j.beaconing
	j.beaconing = false
	j.mu.Unlock()
	if beaconing {
		r.watchdog.ReleaseBeacon(j.parent.Addr)
	}
	for _, child := range j.Children() {
		j.release(child)
	}
	r.mu.Lock()
	delete(r.jobs, j.ID)
	r.mu.Unlock()
	j.setState(JobFinished)
	if r.listener != nil {
		r.listener.JobFinished(j)
	}
}

// Lookup returns the running job with the provided id.
func (r *JobRunner) Lookup(id int64) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Jobs returns a snapshot of the jobs that have not finished,
// ordered by id.
func (r *JobRunner) Jobs() []*Job {
	r.mu.Lock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID < jobs[b].ID })
	return jobs
}

// Wait waits for every job to finish, or until the context is done.
func (r *JobRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver delivers data sent by the remote job from to the local job
// with id dest, whose work unit must be a DataReceiver.
func (r *JobRunner) Deliver(ctx context.Context, dest int64, from RemoteJob, data io.Reader) error {
	j, ok := r.Lookup(dest)
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("no job %d", dest))
	}
	if j.State() < JobLoaded {
		return errors.E(errors.Precondition, fmt.Sprintf("job %d not loaded", dest))
	}
	receiver, ok := j.workUnit().(DataReceiver)
	if !ok {
		return errors.E(errors.NotSupported, fmt.Sprintf("job %d (%s) does not receive data", dest, j.WorkUnit))
	}
	return receiver.DataReceived(ctx, from, data)
}

// PeerFound notifies running jobs whose work units are PeerWatchers
// that a peer was found.
func (r *JobRunner) PeerFound(addr wire.Addr) {
	for _, w := range r.watchers() {
		w.PeerFound(addr)
	}
}

// PeerFailed notifies running jobs whose work units are PeerWatchers
// that a peer failed.
func (r *JobRunner) PeerFailed(addr wire.Addr) {
	for _, w := range r.watchers() {
		w.PeerFailed(addr)
	}
}

func (r *JobRunner) watchers() []PeerWatcher {
	var watchers []PeerWatcher
	for _, j := range r.Jobs() {
		if j.State() != JobRunning {
			continue
		}
		if w, ok := j.workUnit().(PeerWatcher); ok {
			watchers = append(watchers, w)
		}
	}
	return watchers
}

func (j *Job) addChild(child RemoteJob, receipt Receipt) {
	j.mu.Lock()
	j.children[child] = receipt
	j.mu.Unlock()
}

// Release releases the receiver registration held for child. It
// returns false if child is not an unreleased child of j.
func (j *Job) release(child RemoteJob) bool {
	j.mu.Lock()
	receipt, ok := j.children[child]
	delete(j.children, child)
	j.mu.Unlock()
	if ok {
		j.runner.watchdog.ReleaseReceiver(receipt)
	}
	return ok
}

// Env is the environment of a running job. It is handed to the job's
// work unit, and provides access to the job's data and to the rest
// of the network.
type Env struct {
	job *Job
}

// ID returns the job's id.
func (e *Env) ID() int64 { return e.job.ID }

// Self returns the address of the node running the job.
func (e *Env) Self() wire.Addr { return e.job.runner.config.Self }

// Parent returns the job's parent, if it has one.
func (e *Env) Parent() (RemoteJob, bool) { return e.job.Parent() }

// Dir returns the job's working directory.
func (e *Env) Dir() string { return e.job.dir }

// Params returns the job's params.
func (e *Env) Params() ([]byte, error) {
	return workspace.ReadParams(e.job.dir)
}

// Payload opens the job's payload.
func (e *Env) Payload() (*os.File, error) {
	return workspace.OpenPayload(e.job.dir)
}

// Stdout returns a writer for the job's output. Each line written is
// prefixed with the job's id.
func (e *Env) Stdout() io.Writer { return e.job.stdout }

// SendData sends data to the job's parent. Delivery is retried while
// the parent's node cannot be reached.
func (e *Env) SendData(ctx context.Context, data []byte) error {
	parent, ok := e.Parent()
	if !ok {
		return errors.E(errors.Precondition, fmt.Sprintf("job %d has no parent", e.job.ID))
	}
	req := wire.DataRequest{Dest: parent.ID, Source: e.job.ID, Data: data}
	for retries := 0; ; retries++ {
		err := e.job.runner.client.SendData(ctx, parent.Addr, req)
		if err == nil || !wire.IsUnreachable(err) || retries >= e.job.runner.config.SendRetries {
			return err
		}
		log.Printf("job %d: send data to %s: %v; retrying", e.job.ID, parent, err)
		if err := retry.Wait(ctx, sendPolicy, retries); err != nil {
			return err
		}
	}
}

// Dispatch starts a job running the work unit workUnit on the node
// at addr, on behalf of this job. The node is watched for beacons
// until the returned job is released, or this job finishes.
func (e *Env) Dispatch(ctx context.Context, addr wire.Addr, workUnit string, params []byte, payload io.Reader, payloadLen int64) (RemoteJob, error) {
	id, err := e.job.runner.client.SendJob(ctx, addr, wire.JobRequest{
		Owner:      e.job.ID,
		WorkUnit:   workUnit,
		Params:     params,
		Payload:    payload,
		PayloadLen: payloadLen,
	})
	if err != nil {
		return RemoteJob{}, err
	}
	child := RemoteJob{addr, id}
	receipt := e.job.runner.watchdog.RegisterReceiver(addr)
	e.job.addChild(child, receipt)
	return child, nil
}

// Release indicates that the job no longer expects to hear from the
// remote job child, which was returned by Dispatch.
func (e *Env) Release(child RemoteJob) {
	e.job.release(child)
}

// Nodes returns count addresses on which to place work; see
// Overlay.Nodes.
func (e *Env) Nodes(count int) []wire.Addr {
	return e.job.runner.overlay.Nodes(count)
}

// Replacement returns a peer other than addr on which to place work;
// see Overlay.Replacement.
func (e *Env) Replacement(addr wire.Addr) (wire.Addr, bool) {
	return e.job.runner.overlay.Replacement(addr)
}

// Peers returns the peers currently in the node's overlay.
func (e *Env) Peers() []wire.Addr {
	return e.job.runner.overlay.Active()
}
