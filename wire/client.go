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
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// An Observer is notified of the outcome of every exchange
// performed by a Client. If err is a network error (see
// IsUnreachable), the peer's state could not be determined and
// state should be ignored. Observers are not notified of exchanges
// abandoned because the caller's context was done.
type Observer interface {
	Observe(addr Addr, state State, err error)
}

// Client performs the client side of the protocol. Each primitive
// dials a new connection, performs a single exchange, and closes the
// connection.
type Client struct {
	// Port is the port on which the calling node accepts sessions.
	// It is sent to peers so that they can identify the caller.
	Port int

	// DialTimeout bounds connection establishment; Timeout bounds
	// each individual read and write.
	DialTimeout, Timeout time.Duration

	// Observer, if non-nil, is notified of each exchange's outcome.
	Observer Observer

	// Dial overrides the dialer used to connect to peers.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

func (c *Client) dial(ctx context.Context, addr Addr) (net.Conn, error) {
	if c.DialTimeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, c.DialTimeout)
		defer cancel()
	}
	if c.Dial != nil {
		return c.Dial(ctx, "tcp", addr.String())
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr.String())
}

// Exchange performs a session with the peer at addr: it performs the
// liveness handshake, invokes fn if the peer is running, and ends the
// session. The returned state is the one reported by the peer.
func (c *Client) exchange(ctx context.Context, addr Addr, op string, fn func(*conn) error) (state State, err error) {
	var sent, recv int64
	done := clientstats.Start(addr.String(), op)
	defer func() {
		done(sent, recv, err)
		if ctx.Err() == nil && c.Observer != nil {
			c.Observer.Observe(addr, state, err)
		}
	}()
	if log.At(log.Debug) {
		log.Debug.Printf("%s %s", addr, op)
		defer func() {
			if err != nil {
				log.Debug.Printf("%s %s error: %v", addr, op, err)
			}
		}()
	}
	nc, err := c.dial(ctx, addr)
	if err != nil {
		return Unknown, c.fault(ctx, addr, op, err)
	}
	cn := newConn(nc, c.Timeout)
	stop := context.AfterFunc(ctx, func() { cn.close() })
	defer func() {
		stop()
		cn.close()
		sent, recv = cn.nc.nwrite, cn.nc.nread
	}()

	if err := cn.writeLines(cmdAlive); err != nil {
		return Unknown, c.fault(ctx, addr, op, err)
	}
	reply, err := cn.readLine()
	if err != nil {
		return Unknown, c.fault(ctx, addr, op, err)
	}
	switch reply {
	case replyRunning:
		state = Running
	case replyShuttingDown:
		state = ShuttingDown
		err = errors.E(errors.Unavailable, fmt.Sprintf("%s %s: peer is shutting down", op, addr))
	default:
		state = Unknown
		err = errors.E(errors.Precondition, fmt.Sprintf("%s %s: unrecognized handshake reply %q", op, addr, reply))
	}
	if err == nil {
		if err = fn(cn); err != nil {
			return state, c.fault(ctx, addr, op, err)
		}
	}
	// The session has served its purpose; a failure to say goodbye
	// does not change its outcome.
	if gerr := cn.writeLines(cmdGoodbye); gerr != nil {
		log.Debug.Printf("%s %s: goodbye: %v", addr, op, gerr)
	}
	return state, err
}

// Fault classifies an error that occurred during an exchange.
func (c *Client) fault(ctx context.Context, addr Addr, op string, err error) error {
	if ctx.Err() != nil {
		return errors.E(errors.Canceled, fmt.Sprintf("%s %s", op, addr), ctx.Err())
	}
	if classified(err) {
		return err
	}
	return errors.E(errors.Net, fmt.Sprintf("%s %s", op, addr), err)
}

// Ping performs only the liveness handshake with the peer at addr,
// returning the state it reports.
func (c *Client) Ping(ctx context.Context, addr Addr) (State, error) {
	return c.exchange(ctx, addr, "ping", func(*conn) error { return nil })
}

// Discover asks the peer at addr for the peers it knows. Malformed
// entries in the reply are discarded, as are duplicates.
func (c *Client) Discover(ctx context.Context, addr Addr) ([]Addr, error) {
	var peers []Addr
	_, err := c.exchange(ctx, addr, "discover", func(cn *conn) error {
		if err := cn.writeLines(cmdWho); err != nil {
			return err
		}
		seen := make(map[Addr]bool)
		for n := 0; ; n++ {
			if n > maxPeers {
				return malformedf("more than %d peers in discovery reply", maxPeers)
			}
			line, err := cn.readLine()
			if err != nil {
				return err
			}
			if line == "" {
				return nil
			}
			peer, err := ParseAddr(line)
			if err != nil {
				clientstats.Path("peer", addr.String()).Add("malformed", 1)
				log.Debug.Printf("%s discover: dropping entry: %v", addr, err)
				continue
			}
			if !seen[peer] {
				seen[peer] = true
				peers = append(peers, peer)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return peers, nil
}

// Beacon announces the calling node's presence to the peer at addr.
// The peer's acknowledgement is read but not interpreted.
func (c *Client) Beacon(ctx context.Context, addr Addr) error {
	_, err := c.exchange(ctx, addr, "beacon", func(cn *conn) error {
		if err := cn.writeLines(cmdHere, strconv.Itoa(c.Port)); err != nil {
			return err
		}
		_, err := cn.readLine()
		return err
	})
	return err
}

// Introduce tells the peer at addr about another peer, met. The
// peer's acknowledgement is read but not interpreted.
func (c *Client) Introduce(ctx context.Context, addr, met Addr) error {
	_, err := c.exchange(ctx, addr, "introduce", func(cn *conn) error {
		if err := cn.writeLines(cmdMet, met.String()); err != nil {
			return err
		}
		_, err := cn.readLine()
		return err
	})
	return err
}

// SendJob dispatches a job to the peer at addr, returning the id of
// the job on the peer.
func (c *Client) SendJob(ctx context.Context, addr Addr, req JobRequest) (int64, error) {
	if req.WorkUnit == "" || strings.ContainsAny(req.WorkUnit, "\r\n") {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("invalid work unit identifier %q", req.WorkUnit))
	}
	if req.PayloadLen < 0 || req.PayloadLen > MaxPayload {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("payload length %d out of range", req.PayloadLen))
	}
	var id int64
	_, err := c.exchange(ctx, addr, "job", func(cn *conn) error {
		if err := cn.writeLines(cmdJob); err != nil {
			return err
		}
		if err := expectToken(cn, ackJob); err != nil {
			return err
		}
		err := cn.writeLines(
			strconv.Itoa(c.Port),
			strconv.FormatInt(req.Owner, 10),
			req.WorkUnit,
			strconv.Itoa(len(req.Params)),
			strconv.FormatInt(req.PayloadLen, 10),
		)
		if err != nil {
			return err
		}
		if _, err := cn.w.Write(req.Params); err != nil {
			return err
		}
		if req.PayloadLen > 0 {
			n, err := io.CopyN(cn.w, req.Payload, req.PayloadLen)
			if err != nil {
				// A short payload is the caller's fault; the peer will
				// see a truncated session.
				if n < req.PayloadLen && (err == io.EOF || err == io.ErrUnexpectedEOF) {
					return errors.E(errors.Invalid, fmt.Sprintf("payload: short read %d < %d", n, req.PayloadLen), err)
				}
				return err
			}
		}
		if err := cn.flush(); err != nil {
			return err
		}
		if id, err = cn.readInt("job id"); err != nil {
			return err
		}
		if id <= 0 {
			return errors.E(errors.Remote, fmt.Sprintf("peer failed to start job %s", req.WorkUnit))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SendData delivers data to a job on the peer at addr.
func (c *Client) SendData(ctx context.Context, addr Addr, req DataRequest) error {
	_, err := c.exchange(ctx, addr, "results", func(cn *conn) error {
		if err := cn.writeLines(cmdResults); err != nil {
			return err
		}
		if err := expectToken(cn, ackResults); err != nil {
			return err
		}
		err := cn.writeLines(
			strconv.Itoa(c.Port),
			strconv.FormatInt(req.Dest, 10),
			strconv.FormatInt(req.Source, 10),
			strconv.Itoa(len(req.Data)),
		)
		if err != nil {
			return err
		}
		if _, err := cn.w.Write(req.Data); err != nil {
			return err
		}
		return cn.flush()
	})
	return err
}

func expectToken(cn *conn, want string) error {
	got, err := cn.readLine()
	if err != nil {
		return err
	}
	if got != want {
		return malformedf("expected %q, got %q", want, got)
	}
	return nil
}
