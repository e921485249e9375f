// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"encoding/json"
	"expvar"
	"net/http"

	"github.com/grailbio/base/log"
)

type jobVars struct {
	ID       int64  `json:"id"`
	WorkUnit string `json:"workunit"`
	State    string `json:"state"`
	Parent   string `json:"parent,omitempty"`
	Children int    `json:"children"`
}

type nodeVars struct {
	Addr      string                     `json:"addr"`
	State     string                     `json:"state"`
	Overlay   string                     `json:"overlay"`
	Peers     map[string]string          `json:"peers"`
	Beacons   map[string]int             `json:"beacons"`
	Receivers map[string]int             `json:"receivers"`
	Jobs      []jobVars                  `json:"jobs"`
	Sessions  map[string]json.RawMessage `json:"sessions"`
}

// VarsHandler serves a JSON snapshot of the node's state together
// with the process's session statistics.
type varsHandler struct{ *Node }

func (v *varsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vars := nodeVars{
		Addr:      v.addr.String(),
		State:     v.State().String(),
		Overlay:   v.overlay.State().String(),
		Peers:     make(map[string]string),
		Beacons:   make(map[string]int),
		Receivers: make(map[string]int),
		Jobs:      []jobVars{},
		Sessions:  make(map[string]json.RawMessage),
	}
	for _, p := range v.peerStatus() {
		vars.Peers[p.Addr.String()] = p.State.String()
	}
	for _, e := range v.watchdog.Beacons() {
		vars.Beacons[e.Addr.String()] = e.Retain
	}
	for _, e := range v.watchdog.Receivers() {
		vars.Receivers[e.Addr.String()] = e.Retain
	}
	for _, j := range v.jobs.Jobs() {
		jv := jobVars{
			ID:       j.ID,
			WorkUnit: j.WorkUnit,
			State:    j.State().String(),
			Children: len(j.Children()),
		}
		if parent, ok := j.Parent(); ok {
			jv.Parent = parent.String()
		}
		vars.Jobs = append(vars.Jobs, jv)
	}
	for _, name := range []string{"bigpeer.server", "bigpeer.client"} {
		if ev := expvar.Get(name); ev != nil {
			vars.Sessions[name] = json.RawMessage(ev.String())
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(vars); err != nil {
		log.Error.Printf("%s: encode vars: %v", v.addr, err)
	}
}
