// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Bigpeer runs and queries bigpeer nodes.

	A node is started with the run command. It listens for peers,
	bootstraps from its seeds, and serves its status, metrics and
	variables over HTTP:

		% bigpeer run --seeds 10.0.0.2:7000 --debug-addr :3333
		2023/04/12 10:01:05 127.0.0.1:7000: listening on [::]:7000
		2023/04/12 10:01:05 127.0.0.1:7000: running with 3 peers

	The peers and ping commands query a running node:

		% bigpeer peers 10.0.0.2:7000
		10.0.0.3:7000
		10.0.0.4:7000
		% bigpeer ping 10.0.0.2:7000
		10.0.0.2:7000 RUNNING

	The submit command starts a transient node, dispatches a work unit
	to a peer, and prints the data the job sends back:

		% bigpeer submit 10.0.0.2:7000 wordcount --payload words.txt
		1024

	The pi command estimates digits of π by spreading samples across
	the network:

		% bigpeer pi --seeds 10.0.0.2:7000 -n 1000000000 --jobs 10
		π = 3.141594128

	Configuration is taken from the bigpeer/node instance of the
	configuration profile, overlaid with the YAML file given by
	--config and with command line flags.
*/
package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpeer"
	"github.com/grailbio/bigpeer/driver"
	"github.com/grailbio/bigpeer/internal/zaplog"
	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v2"
)

var (
	configFile string
	logFormat  string
	debugLog   bool
)

func main() {
	cmd := newRoot()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	cmd := &cobra.Command{
		Use:   filepath.Base(os.Args[0]),
		Short: "Run and query bigpeer nodes",
		Args:  cobra.NoArgs,
		// Errors are printed by main.
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file overlaid on the profile's configuration")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	cmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "log debug messages")
	cmd.AddCommand(
		newRun(),
		newPeers(),
		newPing(),
		newSubmit(),
		newPI(),
	)
	return cmd
}

func setupLogging() error {
	level := log.Info
	if debugLog {
		level = log.Debug
	}
	switch logFormat {
	case "text":
		if debugLog {
			log.SetOutputter(zaplog.NewConsole(os.Stderr, level))
		}
	case "json":
		log.SetOutputter(zaplog.NewJSON(os.Stderr, level))
	default:
		return fmt.Errorf("unknown log format %q", logFormat)
	}
	return nil
}

// loadConfig returns the node configuration given by the profile,
// overlaid with the configuration file, if any.
func loadConfig() (bigpeer.Config, error) {
	cfg, err := driver.Profile()
	if err != nil {
		return bigpeer.Config{}, err
	}
	if configFile == "" {
		return cfg, nil
	}
	b, err := ioutil.ReadFile(configFile)
	if err != nil {
		return bigpeer.Config{}, err
	}
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return bigpeer.Config{}, fmt.Errorf("%s: %v", configFile, err)
	}
	return cfg, nil
}
