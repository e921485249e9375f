// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/big"
	"os"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpeer"
	"github.com/grailbio/bigpeer/driver"
	"github.com/grailbio/bigpeer/wire"
	"github.com/spf13/cobra"
)

// transientConfig returns the configuration of a node that runs only
// for the duration of a command: it listens on an ephemeral port and
// is seeded only by the provided seeds, so that it is never
// registered with a seed provider.
func transientConfig(seeds ...string) (bigpeer.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return bigpeer.Config{}, err
	}
	cfg.ListenPort = 0
	cfg.SeedProvider = "static"
	cfg.Seeds = append(cfg.Seeds, seeds...)
	return cfg, nil
}

func newSubmit() *cobra.Command {
	var (
		params  string
		payload string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit host:port workunit",
		Short: "Run a work unit on a node and print the data it sends back",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := wire.ParseAddr(args[0])
			if err != nil {
				return err
			}
			cfg, err := transientConfig(args[0])
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			c := newCollector(to, args[1], []byte(params), payload, timeout, os.Stdout)
			return submit(context.Background(), cfg, c)
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "the job's params")
	cmd.Flags().StringVar(&payload, "payload", "", "file containing the job's payload")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the job's data")
	return cmd
}

// submit runs the work unit root as a local job on a transient node
// and waits for it to finish.
func submit(ctx context.Context, cfg bigpeer.Config, root bigpeer.WorkUnit, opts ...bigpeer.Option) error {
	loader := builtins()
	loader.Register("root", func(dir string) (bigpeer.WorkUnit, error) {
		return root, nil
	})
	opts = append(opts, bigpeer.WithLoader(loader))
	node, shutdown, err := driver.Start(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer shutdown()
	job, err := node.StartLocal(ctx, "root", nil, nil, 0, true)
	if err != nil {
		return err
	}
	<-job.Wait(bigpeer.JobFinished)
	return job.Err()
}

func newPI() *cobra.Command {
	var (
		seeds   []string
		samples uint64
		jobs    int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pi",
		Short: "Estimate π by sampling across the network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobs <= 0 || samples < uint64(jobs) {
				return errors.E(errors.Invalid, fmt.Sprintf("cannot divide %d samples among %d jobs", samples, jobs))
			}
			cfg, err := transientConfig(seeds...)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return pi(context.Background(), cfg, newEstimator(samples, jobs, timeout), os.Stdout)
		},
	}
	cmd.Flags().StringSliceVar(&seeds, "seeds", nil, "seed peers (host:port) on which to sample")
	cmd.Flags().Uint64VarP(&samples, "samples", "n", 1e9, "number of samples to make")
	cmd.Flags().IntVar(&jobs, "jobs", 5, "number of jobs among which to divide the samples")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Hour, "how long to wait for the jobs' counts")
	return cmd
}

func pi(ctx context.Context, cfg bigpeer.Config, e *estimator, w io.Writer, opts ...bigpeer.Option) error {
	if err := submit(ctx, cfg, e, opts...); err != nil {
		return err
	}
	total := <-e.result
	nsamples := e.samples / uint64(e.jobs) * uint64(e.jobs)
	log.Printf("total=%d nsamples=%d", total, nsamples)
	var (
		estimate = big.NewRat(int64(4*total), int64(nsamples))
		prec     = int(math.Log(float64(nsamples)) / math.Log(10))
	)
	_, err := fmt.Fprintf(w, "π = %s\n", estimate.FloatString(prec))
	return err
}
