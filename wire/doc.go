// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package wire implements bigpeer's peer protocol: a line-oriented text
protocol over TCP, with length-prefixed binary payloads mixed in.

Every session begins with a liveness handshake, after which the
client issues a single command:

	client                      server
	Are you alive?              I'm not dead yet. | I'm bleeding out. | I'm not okay.
	Who do you know?            host:port ... followed by an empty line
	I'm here. / port            Got it. | Hey I know you.
	I just met / host:port      Got it. | Hey I know you.
	I have a job for you.       What will I need?
	  port, owner id, work unit, params length, payload length,
	  params bytes, payload bytes
	                            remote job id
	I have results.             What did you find?
	  port, destination job id, source job id, data length,
	  data bytes
	Goodbye.                    (closes the connection)

Each token occupies a single line terminated by a newline; lengths
are sent as decimal lines and immediately followed by the raw bytes
they describe.

Client implements the client side of each exchange; Server
accepts connections and dispatches commands to a Handler.
*/
package wire
