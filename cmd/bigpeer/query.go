// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/grailbio/bigpeer/wire"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var queryTimeout = 10 * time.Second

// queryClient returns a client for one-off exchanges. The client
// does not accept sessions, so it advertises no port.
func queryClient() *wire.Client {
	return &wire.Client{DialTimeout: queryTimeout, Timeout: queryTimeout}
}

func newPeers() *cobra.Command {
	return &cobra.Command{
		Use:   "peers host:port",
		Short: "List the peers known to a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := wire.ParseAddr(args[0])
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return peers(context.Background(), queryClient(), addr, os.Stdout)
		},
	}
}

func peers(ctx context.Context, client *wire.Client, addr wire.Addr, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	addrs, err := client.Discover(ctx, addr)
	if err != nil {
		return err
	}
	for _, peer := range addrs {
		fmt.Fprintln(w, peer)
	}
	return nil
}

func newPing() *cobra.Command {
	return &cobra.Command{
		Use:   "ping host:port...",
		Short: "Report the state of nodes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs := make([]wire.Addr, len(args))
			for i, arg := range args {
				var err error
				if addrs[i], err = wire.ParseAddr(arg); err != nil {
					return err
				}
			}
			cmd.SilenceUsage = true
			return ping(context.Background(), queryClient(), addrs, os.Stdout)
		},
	}
}

// ping reports the state of each node, in order. Unreachable nodes
// are reported with their error.
func ping(ctx context.Context, client *wire.Client, addrs []wire.Addr, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	results := make([]string, len(addrs))
	g, ctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			state, err := client.Ping(ctx, addr)
			switch {
			case err == nil, wire.IsShuttingDown(err):
				results[i] = state.String()
			default:
				results[i] = fmt.Sprintf("%s (%v)", state, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, addr := range addrs {
		fmt.Fprintf(w, "%s %s\n", addr, results[i])
	}
	return nil
}
