// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package peerioutil contains IO utilities for work units running
// on a bigpeer node.
package peerioutil

import (
	"bytes"
	"io"
	"sync"
)

// PrefixWriter is an io.Writer that outputs a prefix before each
// line. Lines are written to the underlying writer whole, in a
// single call, so that the output of many PrefixWriters sharing a
// writer is not interleaved within a line. A trailing partial line
// is held until it is completed or the writer is flushed.
type PrefixWriter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
	line   []byte
}

// NewPrefixWriter returns a new PrefixWriter that copies its writes
// to the provided io.Writer, adding a prefix at the beginning of
// each line.
func NewPrefixWriter(w io.Writer, prefix string) *PrefixWriter {
	return &PrefixWriter{w: w, prefix: prefix}
}

// Write implements io.Writer.
func (w *PrefixWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.line = append(w.line, p...)
			return n + len(p), nil
		}
		w.line = append(w.line, p[:i+1]...)
		if err := w.emit(); err != nil {
			return n, err
		}
		n += i + 1
		p = p[i+1:]
	}
	return n, nil
}

// Flush writes any buffered partial line, terminating it with a
// newline.
func (w *PrefixWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.line) == 0 {
		return nil
	}
	w.line = append(w.line, '\n')
	return w.emit()
}

func (w *PrefixWriter) emit() error {
	buf := make([]byte, 0, len(w.prefix)+len(w.line))
	buf = append(buf, w.prefix...)
	buf = append(buf, w.line...)
	w.line = w.line[:0]
	_, err := w.w.Write(buf)
	return err
}
