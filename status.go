// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"text/tabwriter"
	"text/template"
	"time"

	"github.com/grailbio/base/data"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
	"golang.org/x/sync/errgroup"
)

var startTime = time.Now()

var statusTemplate = template.Must(template.New("status").
	Funcs(template.FuncMap{
		"human": func(v interface{}) string {
			switch v := v.(type) {
			case int:
				return data.Size(v).String()
			case int64:
				return data.Size(v).String()
			case uint64:
				return data.Size(v).String()
			default:
				return fmt.Sprintf("(!%T)%v", v, v)
			}
		},
		"ns": func(v interface{}) string {
			switch v := v.(type) {
			case int64:
				return time.Duration(v).String()
			case uint64:
				return time.Duration(v).String()
			default:
				return fmt.Sprintf("(!%T)%v", v, v)
			}
		},
		"since": func(t time.Time) string {
			if t.IsZero() {
				return "never"
			}
			return time.Since(t).Round(time.Millisecond).String() + " ago"
		},
	}).
	Parse(`{{.node.Addr}} ({{.node.State}})
	memory:
		total:	{{human .mem.Total}}
		used:	{{human .mem.Used}}
		(percent):	{{printf "%.1f%%" .mem.UsedPercent}}
		available:	{{human .mem.Available}}
		runtime:	{{human .runtime.Sys}}
	runtime:
		uptime:	{{.uptime}}
		goroutines:	{{.goroutines}}
		pausetime:	{{ns .runtime.PauseTotalNs}}
		(last):	{{ns .lastpause}}
	disk ({{.workdir}}):
		total:	{{human .disk.Total}}
		available:	{{human .disk.Free}}
		used:	{{human .disk.Used}}
		(percent):	{{printf "%.1f%%" .disk.UsedPercent}}
	load: {{printf "%.1f %.1f %.1f" .load.Load1 .load.Load5 .load.Load15}}
	overlay ({{.overlay.State}}, {{len .peers}} peers):
{{range .peers}}		{{.Addr}}	{{.State}}	seen {{since .LastSeen}}
{{end}}	beacons:
{{range .beacons}}		{{.Addr}}	due in {{.Countdown}}	retain {{.Retain}}
{{end}}	receivers:
{{range .receivers}}		{{.Addr}}	fails in {{.Countdown}}	retain {{.Retain}}
{{end}}	jobs:
{{range .jobs}}		{{.ID}}	{{.WorkUnit}}	{{.State}}	{{since .Started}}
{{end}}`))

// StatusHandler implements an HTTP handler that displays the node's
// status: its host's resources and its view of the network.
type statusHandler struct{ *Node }

func (s *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	info, err := hostInfo(r.Context(), s.config.WorkDir)
	if err != nil {
		http.Error(w, fmt.Sprint(err), 500)
		return
	}
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	defer tw.Flush()
	err = statusTemplate.Execute(&tw, map[string]interface{}{
		"node":       s.Node,
		"mem":        info.mem,
		"disk":       info.disk,
		"load":       info.load,
		"runtime":    info.runtime,
		"workdir":    s.config.WorkDir,
		"uptime":     time.Since(startTime),
		"goroutines": runtime.NumGoroutine(),
		"lastpause":  info.runtime.PauseNs[(info.runtime.NumGC+255)%256],
		"overlay":    s.overlay,
		"peers":      s.peerStatus(),
		"beacons":    s.watchdog.Beacons(),
		"receivers":  s.watchdog.Receivers(),
		"jobs":       s.jobs.Jobs(),
	})
	if err != nil {
		panic(err)
	}
}

// PeerStatus returns the registry entries of the overlay's peers, in
// overlay order. Peers without an entry are reported in Unknown
// state.
func (n *Node) peerStatus() []Peer {
	active := n.overlay.Active()
	peers := make([]Peer, len(active))
	for i, addr := range active {
		p, ok := n.registry.Get(addr)
		if !ok {
			p = Peer{Addr: addr}
		}
		peers[i] = p
	}
	return peers
}

type host struct {
	mem     *mem.VirtualMemoryStat
	disk    *disk.UsageStat
	load    *load.AvgStat
	runtime *runtime.MemStats
}

func hostInfo(ctx context.Context, workdir string) (host, error) {
	var (
		info host
		g    errgroup.Group
	)
	g.Go(func() error {
		var err error
		info.mem, err = mem.VirtualMemoryWithContext(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		info.disk, err = disk.UsageWithContext(ctx, workdir)
		return err
	})
	g.Go(func() error {
		var err error
		info.load, err = load.AvgWithContext(ctx)
		return err
	})
	info.runtime = new(runtime.MemStats)
	runtime.ReadMemStats(info.runtime)
	return info, g.Wait()
}
