// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
)

// SizeTrackingConn keeps track of the number of bytes read and
// written through the underlying connection, and arms the
// connection's deadline before each operation.
type sizeTrackingConn struct {
	net.Conn
	timeout time.Duration
	nread   int64
	nwrite  int64
}

// Read implements io.Reader.
func (s *sizeTrackingConn) Read(p []byte) (n int, err error) {
	if s.timeout > 0 {
		if err := s.Conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			return 0, err
		}
	}
	n, err = s.Conn.Read(p)
	s.nread += int64(n)
	return
}

// Write implements io.Writer.
func (s *sizeTrackingConn) Write(p []byte) (n int, err error) {
	if s.timeout > 0 {
		if err := s.Conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return 0, err
		}
	}
	n, err = s.Conn.Write(p)
	s.nwrite += int64(n)
	return
}

// Conn is one side of a protocol session. It frames lines and
// decimal integers on top of a buffered connection; binary payloads
// are read from and written to r and w directly.
type conn struct {
	nc *sizeTrackingConn
	r  *bufio.Reader
	w  *bufio.Writer
}

func newConn(nc net.Conn, timeout time.Duration) *conn {
	sc := &sizeTrackingConn{Conn: nc, timeout: timeout}
	return &conn{
		nc: sc,
		r:  bufio.NewReaderSize(sc, maxLine),
		w:  bufio.NewWriter(sc),
	}
}

// ReadLine reads a single line, stripping its terminator.
func (c *conn) readLine() (string, error) {
	line, err := c.r.ReadSlice('\n')
	switch err {
	case nil:
	case bufio.ErrBufferFull:
		return "", malformedf("line exceeds %d bytes", maxLine)
	default:
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// ReadInt reads a line containing a decimal integer. The name is
// used in error messages.
func (c *conn) readInt(name string) (int64, error) {
	line, err := c.readLine()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil {
		return 0, errors.E(errors.Invalid, "bad "+name, err)
	}
	return v, nil
}

// ReadLength reads a payload length, which must lie within
// [0, MaxPayload].
func (c *conn) readLength(name string) (int64, error) {
	n, err := c.readInt(name)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > MaxPayload {
		return 0, malformedf("%s %d out of range", name, n)
	}
	return n, nil
}

// WriteLines writes each of the provided lines and flushes the
// connection.
func (c *conn) writeLines(lines ...string) error {
	for _, line := range lines {
		if _, err := c.w.WriteString(line); err != nil {
			return err
		}
		if err := c.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

func (c *conn) flush() error {
	return c.w.Flush()
}

func (c *conn) close() error {
	return c.nc.Close()
}
