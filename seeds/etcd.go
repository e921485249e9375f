// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package seeds

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpeer/wire"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdClient is the subset of the etcd client used by Etcd.
// *clientv3.Client is an EtcdClient.
type EtcdClient interface {
	clientv3.KV
	clientv3.Lease
}

// Etcd is a seed provider backed by etcd. Nodes register themselves
// under a key prefix, attached to a lease that is kept alive while the
// node runs; the seeds of a node are the other registered nodes.
type Etcd struct {
	client EtcdClient
	prefix string
	ttl    time.Duration

	mu     sync.Mutex
	self   wire.Addr
	lease  clientv3.LeaseID
	cancel func()
	done   chan struct{}
}

// NewEtcd returns a new etcd seed provider. Nodes are registered
// under prefix with a lease of the provided TTL.
func NewEtcd(client EtcdClient, prefix string, ttl time.Duration) *Etcd {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Etcd{client: client, prefix: prefix, ttl: ttl}
}

// DialEtcd connects to the etcd cluster at the provided endpoints.
func DialEtcd(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Seeds implements Provider. It returns the addresses of the
// registered nodes, other than the registering node itself.
func (e *Etcd) Seeds(ctx context.Context) ([]wire.Addr, error) {
	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.E(errors.Unavailable, "etcd seeds: get "+e.prefix, err)
	}
	addrs := make([]wire.Addr, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		addr, err := wire.ParseAddr(string(kv.Value))
		if err != nil {
			log.Error.Printf("etcd seeds: %s: %v", kv.Key, err)
			continue
		}
		addrs = append(addrs, addr)
	}
	e.mu.Lock()
	self := e.self
	e.mu.Unlock()
	return dedup(addrs, self), nil
}

// Register registers the node at self under the provider's prefix.
// The registration is kept alive until Deregister is called.
func (e *Etcd) Register(ctx context.Context, self wire.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.E(errors.Precondition, "etcd seeds: already registered as "+e.self.String())
	}
	ttl := int64(e.ttl / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	grant, err := e.client.Grant(ctx, ttl)
	if err != nil {
		return errors.E(errors.Unavailable, "etcd seeds: grant", err)
	}
	key := e.prefix + self.String()
	if _, err := e.client.Put(ctx, key, self.String(), clientv3.WithLease(grant.ID)); err != nil {
		return errors.E(errors.Unavailable, "etcd seeds: put "+key, err)
	}
	kctx, cancel := context.WithCancel(context.Background())
	keepalive, err := e.client.KeepAlive(kctx, grant.ID)
	if err != nil {
		cancel()
		return errors.E(errors.Unavailable, "etcd seeds: keepalive", err)
	}
	e.self = self
	e.lease = grant.ID
	e.cancel = cancel
	e.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		for range keepalive {
		}
		if kctx.Err() == nil {
			log.Error.Printf("etcd seeds: lease for %s lost", self)
		}
	}(e.done)
	log.Printf("etcd seeds: registered %s as %s", self, key)
	return nil
}

// Deregister removes the registration made by Register. It is a
// no-op if the node is not registered.
func (e *Etcd) Deregister(ctx context.Context) error {
	e.mu.Lock()
	cancel, done, lease := e.cancel, e.done, e.lease
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	if _, err := e.client.Revoke(ctx, lease); err != nil {
		return errors.E(errors.Unavailable, "etcd seeds: revoke", err)
	}
	return nil
}
