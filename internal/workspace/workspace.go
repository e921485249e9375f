// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package workspace manages the working directories of jobs. Each
// job receives its own directory under a common root, into which its
// params and payload are persisted before the job is started.
package workspace

import (
	"crypto"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/base/errors"
)

// The names of the files, within a job's directory, that hold the
// job's params and payload.
const (
	ParamsFile  = "params"
	PayloadFile = "payload"
)

var digester = digest.Digester(crypto.SHA256)

// Workspace is a root directory under which job directories are
// created.
type Workspace struct {
	root string
}

// New returns a workspace rooted at the provided directory, creating
// it if necessary.
func New(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0777); err != nil {
		return nil, errors.E("create workspace", root, err)
	}
	return &Workspace{root}, nil
}

// Root returns the workspace's root directory.
func (w *Workspace) Root() string {
	return w.root
}

// Transient returns a directory suitable for short-lived buffers,
// creating it if necessary.
func (w *Workspace) Transient() (string, error) {
	dir := filepath.Join(w.root, "results")
	if err := os.MkdirAll(dir, 0777); err != nil {
		return "", errors.E("create transient directory", dir, err)
	}
	return dir, nil
}

// Area is a job's working directory.
type Area struct {
	// Dir is the area's directory.
	Dir string
	// ParamsLen and PayloadLen are the number of bytes persisted for
	// the params and payload.
	ParamsLen, PayloadLen int64
	// Digest is the SHA-256 digest of the payload.
	Digest digest.Digest
}

// Remove removes the area's directory and its contents.
func (a *Area) Remove() error {
	return os.RemoveAll(a.Dir)
}

// Create creates a new area and persists into it exactly paramsLen
// bytes from params and payloadLen bytes from payload. Create fails
// if either reader is short, in which case no directory remains.
func (w *Workspace) Create(params io.Reader, paramsLen int64, payload io.Reader, payloadLen int64) (area *Area, err error) {
	dir, err := ioutil.TempDir(w.root, "job")
	if err != nil {
		return nil, errors.E("create job directory", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()
	area = &Area{Dir: dir, ParamsLen: paramsLen, PayloadLen: payloadLen}
	if err = writeFile(filepath.Join(dir, ParamsFile), params, paramsLen, nil); err != nil {
		return nil, err
	}
	dw := digester.NewWriter()
	if err = writeFile(filepath.Join(dir, PayloadFile), payload, payloadLen, dw); err != nil {
		return nil, err
	}
	area.Digest = dw.Digest()
	return area, nil
}

func writeFile(path string, r io.Reader, n int64, tee io.Writer) (err error) {
	if n < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: negative length %d", path, n))
	}
	if r == nil {
		if n > 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("%s: no data for %d bytes", path, n))
		}
		r = eofReader{}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.E("create", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.E("close", path, cerr)
		}
	}()
	var w io.Writer = f
	if tee != nil {
		w = io.MultiWriter(f, tee)
	}
	m, err := io.CopyN(w, r, n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.E(fmt.Sprintf("write %s: %d of %d bytes", path, m, n), err)
	}
	return nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// ReadParams returns the params persisted in the job directory dir.
func ReadParams(dir string) ([]byte, error) {
	return ioutil.ReadFile(filepath.Join(dir, ParamsFile))
}

// OpenPayload opens the payload persisted in the job directory dir.
func OpenPayload(dir string) (*os.File, error) {
	return os.Open(filepath.Join(dir, PayloadFile))
}
