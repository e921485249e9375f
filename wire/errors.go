// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Errors returned by the client primitives are classified by kind:
//
//	errors.Net           the peer could not be reached, or the exchange
//	                     failed midway (PeerUnreachable)
//	errors.Unavailable   the peer answered that it is shutting down
//	errors.Precondition  the peer gave an unrecognized handshake reply
//	errors.Invalid       the peer sent data that could not be parsed
//	errors.Remote        the peer failed to act on a valid request
//	errors.Canceled      the caller's context was done
//
// The predicates below should be used to inspect them.

// IsUnreachable tells whether err indicates that a peer could not be
// reached or failed during an exchange.
func IsUnreachable(err error) bool {
	return err != nil && errors.Is(errors.Net, err)
}

// IsShuttingDown tells whether err indicates that the peer is
// shutting down.
func IsShuttingDown(err error) bool {
	return err != nil && errors.Is(errors.Unavailable, err)
}

// IsStateUnknown tells whether err indicates that the peer's state
// could not be determined from its handshake reply.
func IsStateUnknown(err error) bool {
	return err != nil && errors.Is(errors.Precondition, err)
}

// IsMalformed tells whether err indicates malformed protocol data.
func IsMalformed(err error) bool {
	return err != nil && errors.Is(errors.Invalid, err)
}

func malformedf(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf(format, args...))
}

// classified tells whether err already carries one of the kinds
// above, and thus should not be rewritten as a network error.
func classified(err error) bool {
	for _, kind := range []errors.Kind{
		errors.Net, errors.Unavailable, errors.Precondition,
		errors.Invalid, errors.Remote, errors.Canceled,
	} {
		if errors.Is(kind, err) {
			return true
		}
	}
	return false
}
