// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ioutil contains utilities for performing I/O in bigpeer.
package ioutil

import (
	"io"
	"io/ioutil"
)

// ExactReader reads exactly n bytes from an underlying reader. If
// the underlying reader ends early, ExactReader returns
// io.ErrUnexpectedEOF rather than io.EOF.
type ExactReader struct {
	r io.Reader
	n int64
}

// NewExactReader returns a reader that reads exactly n bytes from r.
func NewExactReader(r io.Reader, n int64) *ExactReader {
	return &ExactReader{r, n}
}

// Read implements io.Reader.
func (e *ExactReader) Read(p []byte) (n int, err error) {
	if e.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.n {
		p = p[:e.n]
	}
	n, err = e.r.Read(p)
	e.n -= int64(n)
	switch {
	case err == io.EOF && e.n > 0:
		err = io.ErrUnexpectedEOF
	case err == nil && e.n == 0:
		err = io.EOF
	}
	return
}

// Remaining returns the number of bytes yet to be read.
func (e *ExactReader) Remaining() int64 { return e.n }

// Drain discards the remaining bytes.
func (e *ExactReader) Drain() error {
	if e.n <= 0 {
		return nil
	}
	_, err := io.Copy(ioutil.Discard, e)
	return err
}
