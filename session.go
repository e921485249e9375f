// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpeer/internal/filebuf"
	"github.com/grailbio/bigpeer/wire"
)

// Session implements wire.Handler on behalf of a node: it gives
// meaning to the commands received from peers.
type session struct{ *Node }

func (s session) State() wire.State {
	return s.Node.State()
}

func (s session) Peers() []wire.Addr {
	return s.overlay.Active()
}

// Announce is called when a peer beacons the node: the peer's
// receive window is restarted, and the peer is added to the overlay.
func (s session) Announce(from wire.Addr) bool {
	s.watchdog.Beaconed(from)
	return s.overlay.Announced(from)
}

func (s session) Introduce(met wire.Addr) bool {
	return s.overlay.AddDiscovered(met)
}

// StartJob persists the job's params and payload into a fresh
// working directory and starts the job on behalf of its owner on the
// sending node.
func (s session) StartJob(ctx context.Context, from wire.Addr, h wire.JobHeader, params, payload io.Reader) (int64, error) {
	s.overlay.AddDiscovered(from)
	area, err := s.workspace.Create(params, h.ParamsLen, payload, h.PayloadLen)
	if err != nil {
		return 0, err
	}
	log.Printf("%s: job %s from %s/%d: received %d bytes of params, %d bytes of payload (%s)",
		s.addr, h.WorkUnit, from, h.Owner, area.ParamsLen, area.PayloadLen, area.Digest.Short())
	job, err := s.jobs.Start(ctx, StartRequest{
		WorkUnit: h.WorkUnit,
		Dir:      area.Dir,
		Cleanup:  true,
		Parent:   &RemoteJob{from, h.Owner},
	})
	if err != nil {
		if rerr := area.Remove(); rerr != nil {
			log.Error.Printf("%s: remove %s: %v", s.addr, area.Dir, rerr)
		}
		return 0, err
	}
	s.metrics.jobs.WithLabelValues("remote").Inc()
	return job.ID, nil
}

// DeliverData buffers data sent by a remote job and delivers it to
// the addressed local job. Data addressed to unknown jobs is dropped.
func (s session) DeliverData(ctx context.Context, from wire.Addr, h wire.DataHeader, data io.Reader) error {
	s.overlay.AddDiscovered(from)
	dir, err := s.workspace.Transient()
	if err != nil {
		return err
	}
	buf, err := filebuf.New(dir, data, h.Len)
	if err != nil {
		return err
	}
	defer func() {
		if err := buf.Close(); err != nil {
			log.Error.Printf("%s: close data buffer: %v", s.addr, err)
		}
	}()
	source := RemoteJob{from, h.Source}
	err = s.jobs.Deliver(ctx, h.Dest, source, buf)
	s.metrics.delivered(err)
	if errors.Is(errors.NotExist, err) {
		log.Printf("%s: dropping %d bytes from %s: %v", s.addr, buf.Len(), source, err)
		return nil
	}
	return err
}
