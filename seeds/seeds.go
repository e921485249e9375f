// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package seeds implements sources of seed peers from which bigpeer
// nodes bootstrap their view of the network: a static list, the
// running EC2 instances carrying a tag, and an etcd key prefix under
// which nodes register themselves.
package seeds

import (
	"context"

	"github.com/grailbio/bigpeer/wire"
)

// Provider supplies seed addresses.
type Provider interface {
	Seeds(ctx context.Context) ([]wire.Addr, error)
}

// Static is a fixed list of seeds.
type Static []wire.Addr

// Seeds implements Provider.
func (s Static) Seeds(ctx context.Context) ([]wire.Addr, error) {
	return append([]wire.Addr(nil), s...), nil
}

// ParseStatic parses a list of host:port seeds.
func ParseStatic(list []string) (Static, error) {
	seeds := make(Static, len(list))
	for i, s := range list {
		addr, err := wire.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		seeds[i] = addr
	}
	return seeds, nil
}

// dedup removes duplicate and excluded addresses, preserving order.
func dedup(addrs []wire.Addr, exclude wire.Addr) []wire.Addr {
	seen := make(map[wire.Addr]bool, len(addrs))
	out := addrs[:0]
	for _, addr := range addrs {
		if addr == exclude || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}
