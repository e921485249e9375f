// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package workspace

import (
	"bytes"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestCreate(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "workspace")
	defer cleanup()
	w, err := New(filepath.Join(root, "work"))
	assert.NoError(t, err)
	params := make([]byte, 10)
	payload := make([]byte, 100)
	rand.Read(params)
	rand.Read(payload)
	// Trailing bytes beyond the declared lengths must not be persisted.
	area, err := w.Create(
		bytes.NewReader(append(append([]byte{}, params...), "xx"...)), 10,
		bytes.NewReader(append(append([]byte{}, payload...), "yy"...)), 100)
	assert.NoError(t, err)
	for _, c := range []struct {
		name string
		want []byte
	}{
		{ParamsFile, params},
		{PayloadFile, payload},
	} {
		info, err := os.Stat(filepath.Join(area.Dir, c.name))
		assert.NoError(t, err)
		if got, want := info.Size(), int64(len(c.want)); got != want {
			t.Errorf("%s: got %v, want %v", c.name, got, want)
		}
	}
	got, err := ReadParams(area.Dir)
	assert.NoError(t, err)
	expect.EQ(t, got, params)
	f, err := OpenPayload(area.Dir)
	assert.NoError(t, err)
	got, err = ioutil.ReadAll(f)
	f.Close()
	assert.NoError(t, err)
	expect.EQ(t, got, payload)
	expect.EQ(t, area.Digest, digester.FromBytes(payload))

	assert.NoError(t, area.Remove())
	if _, err := os.Stat(area.Dir); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed, got %v", area.Dir, err)
	}
}

func TestCreateShort(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "workspace")
	defer cleanup()
	w, err := New(root)
	assert.NoError(t, err)
	_, err = w.Create(bytes.NewReader([]byte("abc")), 3, bytes.NewReader([]byte("short")), 100)
	if err == nil {
		t.Fatal("expected error")
	}
	expect.HasSubstr(t, err.Error(), "5 of 100 bytes")
	infos, err := ioutil.ReadDir(root)
	assert.NoError(t, err)
	if got, want := len(infos), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCreateEmpty(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "workspace")
	defer cleanup()
	w, err := New(root)
	assert.NoError(t, err)
	area, err := w.Create(nil, 0, nil, 0)
	assert.NoError(t, err)
	got, err := ReadParams(area.Dir)
	assert.NoError(t, err)
	expect.EQ(t, len(got), 0)
	dir, err := w.Transient()
	assert.NoError(t, err)
	expect.EQ(t, dir, filepath.Join(root, "results"))
}
