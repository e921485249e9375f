// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"context"
	"fmt"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

type funcUnit func(ctx context.Context, env *Env) error

func (f funcUnit) Run(ctx context.Context, env *Env) error { return f(ctx, env) }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("ok", func(dir string) (WorkUnit, error) {
		return funcUnit(func(context.Context, *Env) error { return nil }), nil
	})
	r.Register("broken", func(dir string) (WorkUnit, error) {
		return nil, fmt.Errorf("bad params in %s", dir)
	})
	r.Register("nil", func(dir string) (WorkUnit, error) { return nil, nil })
	expect.EQ(t, r.IDs(), []string{"broken", "nil", "ok"})

	unit, err := r.Load("ok", "/tmp")
	assert.NoError(t, err)
	expect.True(t, unit != nil)

	_, err = r.Load("missing", "/tmp")
	assert.True(t, IsJobLoadFailure(err))
	expect.True(t, errors.Is(errors.NotExist, err.(*LoadError).Err))
	expect.HasSubstr(t, err.Error(), "missing")

	for _, id := range []string{"broken", "nil"} {
		_, err = r.Load(id, "/tmp")
		assert.True(t, IsJobLoadFailure(err))
		expect.True(t, errors.Is(errors.Invalid, err.(*LoadError).Err))
	}
	expect.False(t, IsJobLoadFailure(nil))
	expect.False(t, IsJobLoadFailure(errors.E("other")))
}

func TestIsJobLoadFailureWrapped(t *testing.T) {
	_, loadErr := NewRegistry().Load("missing", "/tmp")
	assert.True(t, IsJobLoadFailure(loadErr))
	for _, err := range []error{
		fmt.Errorf("job 1: %w", loadErr),
		errors.E("job 1", loadErr),
		errors.E(errors.Fatal, "start", fmt.Errorf("job 1: %w", loadErr)),
		fmt.Errorf("start: %w", errors.E("job 1", loadErr)),
	} {
		if !IsJobLoadFailure(err) {
			t.Errorf("%v: not a load failure", err)
		}
	}
	expect.False(t, IsJobLoadFailure(fmt.Errorf("job 1: %w", errors.E("other"))))
	expect.False(t, IsJobLoadFailure(fmt.Errorf("job 1: %v", loadErr)))
}

func TestRegistryPanics(t *testing.T) {
	factory := func(dir string) (WorkUnit, error) { return nil, nil }
	for _, c := range []struct {
		id      string
		factory Factory
	}{
		{"", factory},
		{"two\nlines", factory},
		{"nofactory", nil},
		{"dup", factory},
	} {
		r := NewRegistry()
		r.Register("dup", factory)
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%q: expected panic", c.id)
				}
			}()
			r.Register(c.id, c.factory)
		}()
	}
}
