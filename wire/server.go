// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	bigioutil "github.com/grailbio/bigpeer/internal/ioutil"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
)

// A Handler implements the node's side of a session. Its methods
// are invoked concurrently from multiple sessions.
type Handler interface {
	// State returns the node's current state, which is reported to
	// peers during the liveness handshake.
	State() State
	// Peers returns the peers known to the node.
	Peers() []Addr
	// Announce is called when a peer announces its presence. It
	// returns true if the peer was not previously known.
	Announce(from Addr) bool
	// Introduce is called when a peer tells the node about another
	// peer, met. It returns true if met was not previously known.
	Introduce(met Addr) bool
	// StartJob starts a job dispatched by a peer, returning the job's
	// id. The params and payload readers are valid only for the
	// duration of the call.
	StartJob(ctx context.Context, from Addr, h JobHeader, params, payload io.Reader) (int64, error)
	// DeliverData delivers data sent by a peer to a local job. The
	// data reader is valid only for the duration of the call.
	DeliverData(ctx context.Context, from Addr, h DataHeader, data io.Reader) error
}

// Server serves sessions on behalf of a Handler. Each accepted
// connection is served by its own goroutine until the peer says
// goodbye or closes the connection.
type Server struct {
	handler Handler

	// Timeout bounds each individual read and write.
	Timeout time.Duration
	// MaxSessions, if positive, limits the number of concurrently
	// served sessions.
	MaxSessions int

	ctx    context.Context
	cancel func()
	// errlimit rate-limits the logging of session errors, which are
	// under the control of (possibly misbehaving) peers.
	errlimit *rate.Limiter

	mu       sync.Mutex
	listener net.Listener
	sessions map[net.Conn]bool // conn -> idle
	closing  bool
	wg       sync.WaitGroup
}

// NewServer returns a new server that dispatches to the provided
// handler.
func NewServer(handler Handler) *Server {
	s := &Server{
		handler:  handler,
		errlimit: rate.NewLimiter(rate.Every(time.Second), 10),
		sessions: make(map[net.Conn]bool),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Serve accepts connections on l until the server is shut down. It
// returns nil after a shutdown, and the accept error otherwise.
func (s *Server) Serve(l net.Listener) error {
	if s.MaxSessions > 0 {
		l = netutil.LimitListener(l, s.MaxSessions)
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return l.Close()
	}
	s.listener = l
	s.mu.Unlock()
	for {
		nc, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.logf("accept: %v", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			nc.Close()
			return nil
		}
		s.sessions[nc] = false
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serve(nc)
	}
}

// Shutdown stops accepting new sessions and closes idle ones.
// Sessions in the middle of an exchange are allowed to complete it.
// Shutdown waits for all sessions to end, or until the context is
// done, in which case the remaining sessions are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	for nc, idle := range s.sessions {
		if idle {
			nc.Close()
		}
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
	}
	s.cancel()
	s.mu.Lock()
	for nc := range s.sessions {
		nc.Close()
	}
	s.mu.Unlock()
	<-done
	return ctx.Err()
}

// SetIdle records whether a session is waiting for a command. It
// returns false if the session should end because the server is
// closing.
func (s *Server) setIdle(nc net.Conn, idle bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[nc] = idle
	return !(idle && s.closing)
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.errlimit.Allow() {
		log.Error.Printf(format, args...)
	}
}

func (s *Server) serve(nc net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, nc)
		s.mu.Unlock()
		nc.Close()
	}()
	host := remoteHost(nc)
	c := newConn(nc, s.Timeout)
	for {
		if !s.setIdle(nc, true) {
			return
		}
		cmd, err := c.readLine()
		if !s.setIdle(nc, false) {
			return
		}
		if err != nil {
			if err != io.EOF && !IsMalformed(err) {
				log.Debug.Printf("session %s: %v", nc.RemoteAddr(), err)
			} else if err != io.EOF {
				s.logf("session %s: %v", nc.RemoteAddr(), err)
			}
			return
		}
		if cmd == cmdGoodbye {
			return
		}
		name := commandName(cmd)
		done := serverstats.Start(host, name)
		r0, w0 := c.nc.nread, c.nc.nwrite
		err = s.dispatch(c, host, cmd)
		done(c.nc.nread-r0, c.nc.nwrite-w0, err)
		if err != nil {
			s.logf("session %s: %s: %v", nc.RemoteAddr(), name, err)
			return
		}
	}
}

func (s *Server) dispatch(c *conn, host, cmd string) error {
	switch cmd {
	case cmdAlive:
		return c.writeLines(stateReply(s.handler.State()))
	case cmdWho:
		peers := s.handler.Peers()
		lines := make([]string, 0, len(peers)+1)
		for _, p := range peers {
			lines = append(lines, p.String())
		}
		return c.writeLines(append(lines, "")...)
	case cmdHere:
		from, err := readFrom(c, host)
		if err != nil {
			return err
		}
		return c.writeLines(ack(s.handler.Announce(from)))
	case cmdMet:
		line, err := c.readLine()
		if err != nil {
			return err
		}
		met, err := ParseAddr(line)
		if err != nil {
			return err
		}
		return c.writeLines(ack(s.handler.Introduce(met)))
	case cmdJob:
		return s.job(c, host)
	case cmdResults:
		return s.results(c, host)
	default:
		return malformedf("unrecognized command %q", cmd)
	}
}

func (s *Server) job(c *conn, host string) error {
	if err := c.writeLines(ackJob); err != nil {
		return err
	}
	from, err := readFrom(c, host)
	if err != nil {
		return err
	}
	var h JobHeader
	if h.Owner, err = c.readInt("owner job id"); err != nil {
		return err
	}
	if h.WorkUnit, err = c.readLine(); err != nil {
		return err
	}
	if h.ParamsLen, err = c.readLength("params length"); err != nil {
		return err
	}
	if h.PayloadLen, err = c.readLength("payload length"); err != nil {
		return err
	}
	params := bigioutil.NewExactReader(c.r, h.ParamsLen)
	payload := bigioutil.NewExactReader(c.r, h.PayloadLen)
	id, jerr := s.handler.StartJob(s.ctx, from, h, params, payload)
	// Whatever the handler did not consume must be skipped to stay
	// in sync with the peer.
	if err := params.Drain(); err != nil {
		return err
	}
	if err := payload.Drain(); err != nil {
		return err
	}
	if jerr != nil {
		s.logf("%s: start job %s for %s: %v", host, h.WorkUnit, from, jerr)
		id = -1
	}
	return c.writeLines(strconv.FormatInt(id, 10))
}

func (s *Server) results(c *conn, host string) error {
	if err := c.writeLines(ackResults); err != nil {
		return err
	}
	from, err := readFrom(c, host)
	if err != nil {
		return err
	}
	var h DataHeader
	if h.Dest, err = c.readInt("destination job id"); err != nil {
		return err
	}
	if h.Source, err = c.readInt("source job id"); err != nil {
		return err
	}
	if h.Len, err = c.readLength("data length"); err != nil {
		return err
	}
	data := bigioutil.NewExactReader(c.r, h.Len)
	derr := s.handler.DeliverData(s.ctx, from, h, data)
	if err := data.Drain(); err != nil {
		return err
	}
	if derr != nil {
		s.logf("%s: deliver data from %s/%d to job %d: %v", host, from, h.Source, h.Dest, derr)
	}
	return nil
}

// ReadFrom reads the listening port of the session's peer and
// returns the peer's address.
func readFrom(c *conn, host string) (Addr, error) {
	line, err := c.readLine()
	if err != nil {
		return Addr{}, err
	}
	port, err := parsePort(line)
	if err != nil {
		return Addr{}, errors.E(errors.Invalid, fmt.Sprintf("bad listen port %q", line), err)
	}
	return Addr{host, port}, nil
}

func ack(isNew bool) string {
	if isNew {
		return ackNew
	}
	return ackKnown
}

func remoteHost(nc net.Conn) string {
	if addr, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return nc.RemoteAddr().String()
	}
	return host
}
