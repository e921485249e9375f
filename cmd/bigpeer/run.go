// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigpeer"
	"github.com/grailbio/bigpeer/driver"
	"github.com/spf13/cobra"
)

// nodeFlags are the command line flags that override a node's
// configuration.
type nodeFlags struct {
	port     int
	seeds    string
	provider string
	workdir  string
}

func (f *nodeFlags) add(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.port, "port", -1, "the port on which to accept sessions; 0 picks an ephemeral port")
	cmd.Flags().StringVar(&f.seeds, "seeds", "", "comma-separated list of seed peers (host:port)")
	cmd.Flags().StringVar(&f.provider, "seed-provider", "", "source of additional seeds: static, ec2, or etcd")
	cmd.Flags().StringVar(&f.workdir, "workdir", "", "directory under which jobs' working directories are created")
}

func (f *nodeFlags) apply(cfg *bigpeer.Config) {
	if f.port >= 0 {
		cfg.ListenPort = f.port
	}
	if f.seeds != "" {
		cfg.Seeds = append(cfg.Seeds, strings.Split(f.seeds, ",")...)
	}
	if f.provider != "" {
		cfg.SeedProvider = f.provider
	}
	if f.workdir != "" {
		cfg.WorkDir = f.workdir
	}
}

func newRun() *cobra.Command {
	var (
		flags     nodeFlags
		debugAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(&cfg)
			cmd.SilenceUsage = true
			return run(cfg, debugAddr)
		},
	}
	flags.add(cmd)
	cmd.Flags().StringVar(&debugAddr, "debug-addr", "", "address on which to serve the node's status, metrics and variables")
	return cmd
}

func run(cfg bigpeer.Config, debugAddr string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	node, shutdown, err := driver.Start(ctx, cfg, bigpeer.WithLoader(builtins()))
	if err != nil {
		return err
	}
	defer shutdown()
	if debugAddr != "" {
		mux := http.NewServeMux()
		node.HandleDebug(mux)
		go func() {
			err := http.ListenAndServe(debugAddr, mux)
			must.Nil(err, "serving diagnostics on ", debugAddr)
		}()
		log.Printf("%s: status at http://%s/debug/bigpeer/status", node.Addr(), debugAddr)
	}
	<-ctx.Done()
	log.Printf("%s: interrupted", node.Addr())
	return nil
}
