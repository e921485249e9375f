// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpeer/wire"
)

// A WorkUnit is a relocatable unit of work. Work units are
// instantiated on the node that runs them by a Factory registered
// under the work unit's identifier.
type WorkUnit interface {
	// Run runs the work unit. The job's environment is valid for the
	// duration of the call.
	Run(ctx context.Context, env *Env) error
}

// A DataReceiver is a WorkUnit that accepts data sent to it by the
// jobs it dispatched.
type DataReceiver interface {
	// DataReceived is called with data sent by the job from. The
	// reader is valid only for the duration of the call.
	DataReceived(ctx context.Context, from RemoteJob, r io.Reader) error
}

// A PeerWatcher is a WorkUnit that is notified of changes to the
// node's view of the network while it runs.
type PeerWatcher interface {
	PeerFound(addr wire.Addr)
	PeerFailed(addr wire.Addr)
}

// A Factory instantiates a work unit whose params and payload have
// been persisted in the provided directory.
type Factory func(dir string) (WorkUnit, error)

// A Loader instantiates work units by identifier.
type Loader interface {
	Load(id, dir string) (WorkUnit, error)
}

// LoadError is returned by loaders that fail to instantiate a work
// unit.
type LoadError struct {
	WorkUnit string
	Err      error
}

// Error implements error.
func (e *LoadError) Error() string {
	return fmt.Sprintf("load work unit %s: %v", e.WorkUnit, e.Err)
}

// IsJobLoadFailure tells whether err indicates that a job's work unit
// could not be loaded. Both wrapped errors and the causes of
// errors.Error chains are examined.
func IsJobLoadFailure(err error) bool {
	for err != nil {
		var loadErr *LoadError
		if goerrors.As(err, &loadErr) {
			return true
		}
		var e *errors.Error
		if !goerrors.As(err, &e) {
			return false
		}
		err = e.Err
	}
	return false
}

// Registry is a Loader that instantiates work units from a fixed set
// of factories, registered at setup time.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// NewRegistry returns a new, empty work unit registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers a factory under the provided identifier.
// Register panics if the identifier is invalid or already registered.
func (r *Registry) Register(id string, factory Factory) {
	if id == "" || strings.ContainsAny(id, "\r\n") {
		panic(fmt.Sprintf("bigpeer: invalid work unit identifier %q", id))
	}
	if factory == nil {
		panic("bigpeer: nil factory for work unit " + id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[id]; ok {
		panic("bigpeer: work unit " + id + " registered twice")
	}
	r.factories[id] = factory
}

// Load implements Loader.
func (r *Registry) Load(id, dir string) (WorkUnit, error) {
	r.mu.Lock()
	factory := r.factories[id]
	r.mu.Unlock()
	if factory == nil {
		return nil, &LoadError{id, errors.E(errors.NotExist, "no such work unit")}
	}
	unit, err := factory(dir)
	if err != nil {
		return nil, &LoadError{id, errors.E(errors.Invalid, err)}
	}
	if unit == nil {
		return nil, &LoadError{id, errors.E(errors.Invalid, "factory returned no work unit")}
	}
	return unit, nil
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
