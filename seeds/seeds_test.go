// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package seeds

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpeer/wire"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestStatic(t *testing.T) {
	s, err := ParseStatic([]string{"10.0.0.1:7000", "example.com:7001"})
	assert.NoError(t, err)
	seeds, err := s.Seeds(context.Background())
	assert.NoError(t, err)
	expect.EQ(t, seeds, []wire.Addr{{Host: "10.0.0.1", Port: 7000}, {Host: "example.com", Port: 7001}})
	// The returned slice is a copy.
	seeds[0].Port = 1
	expect.EQ(t, s[0].Port, 7000)

	_, err = ParseStatic([]string{"10.0.0.1"})
	expect.True(t, err != nil)
}

type fakeEC2 struct {
	ec2iface.EC2API
	pages [][]*ec2.Instance
	input *ec2.DescribeInstancesInput
	err   error
}

func (f *fakeEC2) DescribeInstancesPagesWithContext(ctx aws.Context, input *ec2.DescribeInstancesInput, fn func(*ec2.DescribeInstancesOutput, bool) bool, opts ...request.Option) error {
	f.input = input
	if f.err != nil {
		return f.err
	}
	for i, page := range f.pages {
		out := &ec2.DescribeInstancesOutput{
			Reservations: []*ec2.Reservation{{Instances: page}},
		}
		if !fn(out, i == len(f.pages)-1) {
			break
		}
	}
	return nil
}

func instance(id, private, public string) *ec2.Instance {
	inst := &ec2.Instance{InstanceId: aws.String(id)}
	if private != "" {
		inst.PrivateIpAddress = aws.String(private)
	}
	if public != "" {
		inst.PublicIpAddress = aws.String(public)
	}
	return inst
}

func filterValues(filters []*ec2.Filter) map[string]string {
	m := make(map[string]string)
	for _, f := range filters {
		m[aws.StringValue(f.Name)] = strings.Join(aws.StringValueSlice(f.Values), ",")
	}
	return m
}

func TestEC2(t *testing.T) {
	api := &fakeEC2{pages: [][]*ec2.Instance{
		{instance("i-1", "10.0.0.1", "54.0.0.1"), instance("i-2", "", "54.0.0.2")},
		{instance("i-3", "", ""), instance("i-1", "10.0.0.1", "")},
	}}
	e := &EC2{API: api, TagKey: "cluster", TagValue: "prod", Port: 7000}
	seeds, err := e.Seeds(context.Background())
	assert.NoError(t, err)
	expect.EQ(t, seeds, []wire.Addr{{Host: "10.0.0.1", Port: 7000}, {Host: "54.0.0.2", Port: 7000}})
	expect.EQ(t, filterValues(api.input.Filters), map[string]string{
		"instance-state-name": "running",
		"tag:cluster":         "prod",
	})

	e.TagValue = ""
	_, err = e.Seeds(context.Background())
	assert.NoError(t, err)
	expect.EQ(t, filterValues(api.input.Filters)["tag-key"], "cluster")

	api.err = fmt.Errorf("throttled")
	_, err = e.Seeds(context.Background())
	expect.True(t, errors.Is(errors.Unavailable, err))

	e.Port = 0
	_, err = e.Seeds(context.Background())
	expect.True(t, errors.Is(errors.Invalid, err))
}

type fakeEtcd struct {
	clientv3.KV
	clientv3.Lease

	mu      sync.Mutex
	kvs     map[string]string
	leases  map[clientv3.LeaseID]bool
	nextID  clientv3.LeaseID
	keepCtx context.Context
}

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{kvs: make(map[string]string), leases: make(map[clientv3.LeaseID]bool)}
}

func (f *fakeEtcd) Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.leases[f.nextID] = true
	return &clientv3.LeaseGrantResponse{ID: f.nextID, TTL: ttl}, nil
}

func (f *fakeEtcd) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kvs[key] = val
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcd) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.kvs {
		if strings.HasPrefix(k, key) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	resp := &clientv3.GetResponse{}
	for _, k := range keys {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(f.kvs[k])})
	}
	return resp, nil
}

func (f *fakeEtcd) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	c := make(chan *clientv3.LeaseKeepAliveResponse)
	f.mu.Lock()
	f.keepCtx = ctx
	f.mu.Unlock()
	go func() {
		defer close(c)
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case c <- &clientv3.LeaseKeepAliveResponse{ID: id}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return c, nil
}

func (f *fakeEtcd) Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.leases, id)
	for k := range f.kvs {
		// Every key in these tests is attached to a lease.
		delete(f.kvs, k)
	}
	return &clientv3.LeaseRevokeResponse{}, nil
}

func TestEtcd(t *testing.T) {
	client := newFakeEtcd()
	client.kvs["/bigpeer/nodes/10.0.0.2:7000"] = "10.0.0.2:7000"
	client.kvs["/bigpeer/nodes/bogus"] = "bogus"
	client.kvs["/other/10.0.0.9:7000"] = "10.0.0.9:7000"
	e := NewEtcd(client, "/bigpeer/nodes", 30*time.Second)
	ctx := context.Background()
	self := wire.Addr{Host: "10.0.0.1", Port: 7000}

	seeds, err := e.Seeds(ctx)
	assert.NoError(t, err)
	expect.EQ(t, seeds, []wire.Addr{{Host: "10.0.0.2", Port: 7000}})

	assert.NoError(t, e.Register(ctx, self))
	expect.EQ(t, client.kvs["/bigpeer/nodes/10.0.0.1:7000"], "10.0.0.1:7000")
	expect.True(t, errors.Is(errors.Precondition, e.Register(ctx, self)))
	// Nodes are not their own seeds.
	seeds, err = e.Seeds(ctx)
	assert.NoError(t, err)
	expect.EQ(t, seeds, []wire.Addr{{Host: "10.0.0.2", Port: 7000}})

	assert.NoError(t, e.Deregister(ctx))
	client.mu.Lock()
	expect.EQ(t, len(client.leases), 0)
	expect.True(t, client.keepCtx.Err() != nil)
	client.mu.Unlock()
	assert.NoError(t, e.Deregister(ctx))
}
