// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package filebuf implements a file-backed buffer used to hold data
// received from peers while it is handed to a job.
package filebuf

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/grailbio/base/errors"
)

// FileBuf is a file-backed buffer that holds exactly n bytes read
// from a reader. This is useful for fully buffering a network read
// with low memory overhead.
type FileBuf struct {
	// file is the temporary file that backs this buffer.
	file *os.File
	n    int64
}

// New creates a new file-backed buffer in directory dir (or the
// system's temporary directory if dir is empty) containing exactly n
// bytes read from r. It is an error for r to return fewer than n
// bytes. If r is an io.Closer, r is closed once it has been read.
func New(dir string, r io.Reader, n int64) (b *FileBuf, err error) {
	if rc, ok := r.(io.Closer); ok {
		defer rc.Close()
	}
	if n < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("negative filebuf length %d", n))
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, errors.E("error creating filebuf directory", err)
		}
	}
	file, err := ioutil.TempFile(dir, "bigpeer-filebuf-")
	if err != nil {
		return nil, errors.E("error opening temp file for filebuf", err)
	}
	defer func() {
		if err != nil {
			// We created the temporary file but had some other downstream
			// error, so we clean up the file now instead of in Close.
			file.Close()
			os.Remove(file.Name())
		}
	}()
	m, err := io.CopyN(file, r, n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.E(fmt.Sprintf("error reading into filebuf (%d of %d bytes)", m, n), err)
	}
	_, err = file.Seek(0, io.SeekStart)
	if err != nil {
		return nil, errors.E("error seeking in filebuf", err)
	}
	return &FileBuf{file: file, n: n}, nil
}

// Len returns the number of bytes held by the buffer.
func (b *FileBuf) Len() int64 {
	return b.n
}

// Read implements (io.Reader).Read.
func (b *FileBuf) Read(p []byte) (int, error) {
	if b.file == nil {
		return 0, os.ErrClosed
	}
	return b.file.Read(p)
}

// Close implements (io.Closer).Close. It removes the backing file.
func (b *FileBuf) Close() error {
	if b.file == nil {
		return nil
	}
	defer os.Remove(b.file.Name())
	err := b.file.Close()
	b.file = nil
	return err
}
