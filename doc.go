// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigpeer implements a node in a peer-to-peer network of
	equal peers with no central coordinator. Nodes discover each other,
	track which peers are alive, and dispatch relocatable units of work
	("jobs") to one another, retrieving their results asynchronously.
	Peers speak a small text protocol over TCP, implemented by package
	github.com/grailbio/bigpeer/wire.

	Nodes

	A node is started by bigpeer.Start, usually through package driver,
	which configures the node from a grail profile or YAML file:

		registry := bigpeer.NewRegistry()
		registry.Register("wordcount", newWordCount)
		node, err := bigpeer.Start(ctx, config, bigpeer.WithLoader(registry))
		if err != nil {
			log.Fatal(err)
		}
		defer node.Shutdown(ctx)

	On startup, the node binds its listener, then bootstraps its view of
	the network (its overlay) by asking each of its seeds which peers it
	knows. Seeds are given in the node's configuration, or by a seed
	provider (see package seeds). Thereafter, the node periodically
	announces its presence to every peer in its overlay, dropping peers
	that have gone away. A peer that announces itself to the node is
	added to the overlay.

	Failure detection

	Each node runs a watchdog with two retain-counted tables. The node
	beacons the peers in the first table, and expects beacons from the
	peers in the second. A peer that stays silent for a full receive
	window is declared failed: it is removed from the overlay, and
	running jobs that watch the network are notified. Tables are
	retain-counted so that many jobs may depend on the liveness of the
	same peer; a row is dropped when the last job releases it.

	Jobs

	A job runs a work unit, instantiated by a Loader from an identifier
	and a working directory containing the job's params and payload.
	Work units are registered at build time with a Registry:

		type wordCount struct{ dir string }

		func newWordCount(dir string) (bigpeer.WorkUnit, error) {
			return &wordCount{dir}, nil
		}

		func (w *wordCount) Run(ctx context.Context, env *bigpeer.Env) error {
			params, err := env.Params()
			...
			return env.SendData(ctx, result)
		}

	Work units use their Env to dispatch jobs to other nodes
	(Env.Dispatch), choose where to place them (Env.Nodes and
	Env.Replacement), and send data back to the job that dispatched
	them (Env.SendData). While a dispatched job runs, its node beacons
	the node of its parent job; the parent's node in turn expects those
	beacons until the dispatched job is released. Work units may
	implement DataReceiver to receive data from their children, and
	PeerWatcher to be told about peers found and failed.

	Diagnostics

	Node.HandleDebug registers a status page, prometheus metrics, and a
	JSON snapshot of the node's state under /debug/bigpeer/.
*/
package bigpeer
