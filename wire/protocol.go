// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import "io"

// The protocol's tokens. Every token is sent as a single line.
const (
	cmdAlive   = "Are you alive?"
	cmdWho     = "Who do you know?"
	cmdHere    = "I'm here."
	cmdMet     = "I just met"
	cmdJob     = "I have a job for you."
	cmdResults = "I have results."
	cmdGoodbye = "Goodbye."

	replyRunning      = "I'm not dead yet."
	replyShuttingDown = "I'm bleeding out."
	replyUnknown      = "I'm not okay."

	ackNew     = "Got it."
	ackKnown   = "Hey I know you."
	ackJob     = "What will I need?"
	ackResults = "What did you find?"
)

const (
	// maxLine is the longest line, including its terminator, that
	// is accepted from a peer.
	maxLine = 4096
	// maxPeers bounds the number of entries accepted in a
	// discovery reply.
	maxPeers = 1 << 16
	// MaxPayload bounds the length of any binary payload.
	MaxPayload = 1 << 36
)

// commandName returns a short name for cmd suitable for use in
// statistics.
func commandName(cmd string) string {
	switch cmd {
	case cmdAlive:
		return "alive"
	case cmdWho:
		return "discover"
	case cmdHere:
		return "beacon"
	case cmdMet:
		return "introduce"
	case cmdJob:
		return "job"
	case cmdResults:
		return "results"
	default:
		return "unknown"
	}
}

func stateReply(s State) string {
	switch s {
	case Running:
		return replyRunning
	case ShuttingDown:
		return replyShuttingDown
	default:
		return replyUnknown
	}
}

// JobRequest describes a job to be sent to a peer.
type JobRequest struct {
	// Owner is the id of the local job on whose behalf the job is
	// dispatched.
	Owner int64
	// WorkUnit identifies the work unit the peer should run.
	WorkUnit string
	// Params is the job's initialization data.
	Params []byte
	// Payload supplies exactly PayloadLen bytes of work-unit payload.
	Payload    io.Reader
	PayloadLen int64
}

// JobHeader is the server-side view of an incoming job.
type JobHeader struct {
	Owner      int64
	WorkUnit   string
	ParamsLen  int64
	PayloadLen int64
}

// DataRequest describes a unit of data sent to a job on a peer.
type DataRequest struct {
	// Dest is the id of the receiving job on the peer.
	Dest int64
	// Source is the id of the sending local job.
	Source int64
	Data   []byte
}

// DataHeader is the server-side view of incoming data.
type DataHeader struct {
	Dest, Source int64
	Len          int64
}
