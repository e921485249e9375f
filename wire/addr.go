// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"net"
	"strconv"

	"github.com/grailbio/base/errors"
)

// Addr is the address of a peer: the host it is reachable on and
// the port on which it accepts sessions. Two Addrs name the same
// peer if and only if they are equal; Addrs are used as map keys
// throughout.
//
// TODO: identity by (host, port) cannot tell a restarted peer
// from its predecessor, nor follow a peer that changes address.
type Addr struct {
	Host string
	Port int
}

// String returns the address in host:port form.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero tells whether a is the zero Addr.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

// ParseAddr parses a host:port pair. The port must be numeric and
// in the range 1-65535.
func ParseAddr(s string) (Addr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, errors.E(errors.Invalid, fmt.Sprintf("parse address %q", s), err)
	}
	if host == "" {
		return Addr{}, errors.E(errors.Invalid, fmt.Sprintf("parse address %q: empty host", s))
	}
	p, err := parsePort(port)
	if err != nil {
		return Addr{}, errors.E(errors.Invalid, fmt.Sprintf("parse address %q", s), err)
	}
	return Addr{host, p}, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if p <= 0 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

// State is the liveness state of a peer, as last reported by the
// peer itself during a handshake.
type State int32

const (
	// Unknown indicates that the peer's state could not be
	// determined: it answered the handshake with something other
	// than a recognized state.
	Unknown State = iota
	// Running indicates that the peer is accepting work.
	Running
	// ShuttingDown indicates that the peer is leaving the network.
	ShuttingDown
)

// String returns a State's string.
func (s State) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case Running:
		return "RUNNING"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	default:
		panic(fmt.Sprintf("invalid peer state %d", s))
	}
}
