// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package driver provides a convenient API for starting bigpeer
// nodes. It selects and constructs the node's seed provider from its
// configuration, and should be preferred over calling bigpeer.Start
// directly. Programs using the driver package have the following
// form:
//
//	func main() {
//		// Other initialization
//		node, shutdown, err := driver.Start(ctx, config, opts...)
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer shutdown()
//		// Driver code
//	}
package driver

import (
	"context"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpeer"
	"github.com/grailbio/bigpeer/seeds"
)

// ShutdownTimeout bounds the time the shutdown function returned by
// Start waits for a node's sessions to complete.
var ShutdownTimeout = 30 * time.Second

// Profile returns the node configuration given by the
// bigpeer/node instance of the application's configuration profile.
func Profile() (bigpeer.Config, error) {
	var cfg *bigpeer.Config
	if err := config.Instance("bigpeer/node", &cfg); err != nil {
		return bigpeer.Config{}, err
	}
	return *cfg, nil
}

// Provider returns the seed provider named by the configuration,
// together with a function that releases the provider's resources.
// The static provider is nil: static seeds are read by the node from
// its configuration.
func Provider(cfg bigpeer.Config) (bigpeer.SeedProvider, func(), error) {
	nop := func() {}
	switch cfg.SeedProvider {
	case "", "static":
		return nil, nop, nil
	case "ec2":
		port := cfg.EC2.Port
		if port == 0 {
			port = cfg.ListenPort
		}
		p, err := seeds.NewEC2(cfg.EC2.Region, cfg.EC2.TagKey, cfg.EC2.TagValue, port)
		if err != nil {
			return nil, nil, err
		}
		return p, nop, nil
	case "etcd":
		client, err := seeds.DialEtcd(cfg.Etcd.Endpoints)
		if err != nil {
			return nil, nil, errors.E(errors.Unavailable, "dial etcd", err)
		}
		closer := func() {
			if err := client.Close(); err != nil {
				log.Error.Printf("close etcd client: %v", err)
			}
		}
		return seeds.NewEtcd(client, cfg.Etcd.Prefix, cfg.Etcd.TTL), closer, nil
	default:
		return nil, nil, errors.E(errors.Invalid, "unknown seed provider "+cfg.SeedProvider)
	}
}

// Start starts a node as configured, with the seed provider selected
// by the configuration. The returned shutdown function should be
// called when the driver exits in order to provide clean shutdown:
// it takes the node out of the network, waits for its running jobs,
// and releases the seed provider.
func Start(ctx context.Context, cfg bigpeer.Config, opts ...bigpeer.Option) (node *bigpeer.Node, shutdown func(), err error) {
	provider, release, err := Provider(cfg)
	if err != nil {
		return nil, nil, err
	}
	if provider != nil {
		opts = append([]bigpeer.Option{bigpeer.WithSeedProvider(provider)}, opts...)
	}
	node, err = bigpeer.Start(ctx, cfg, opts...)
	if err != nil {
		release()
		return nil, nil, err
	}
	shutdown = func() {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := node.Shutdown(ctx); err != nil {
			log.Error.Printf("%s: shutdown: %v", node.Addr(), err)
		}
		if err := node.WaitJobs(ctx); err != nil {
			log.Error.Printf("%s: waiting for jobs: %v", node.Addr(), err)
		}
		release()
	}
	return node, shutdown, nil
}
