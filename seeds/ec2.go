// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package seeds

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpeer/wire"
	"golang.org/x/time/rate"
)

// Limiter limits the rate of DescribeInstances calls made by the
// process.
var limiter = rate.NewLimiter(rate.Limit(1), 2)

// EC2 seeds a node with the running EC2 instances that carry a tag.
// Each instance is assumed to run a node listening on Port.
type EC2 struct {
	// API is the EC2 client used to describe instances.
	API ec2iface.EC2API
	// TagKey and TagValue select instances. If TagValue is empty,
	// every instance carrying TagKey is selected.
	TagKey, TagValue string
	// Port is the port on which the instances' nodes listen.
	Port int
}

// NewEC2 returns an EC2 seed provider that uses a new AWS session in
// the provided region.
func NewEC2(region, tagKey, tagValue string, port int) (*EC2, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, errors.E("ec2 seeds: session.NewSession", err)
	}
	return &EC2{API: ec2.New(sess), TagKey: tagKey, TagValue: tagValue, Port: port}, nil
}

func (e *EC2) filters() []*ec2.Filter {
	filters := []*ec2.Filter{
		{Name: aws.String("instance-state-name"), Values: aws.StringSlice([]string{"running"})},
	}
	if e.TagValue == "" {
		filters = append(filters, &ec2.Filter{
			Name:   aws.String("tag-key"),
			Values: aws.StringSlice([]string{e.TagKey}),
		})
	} else {
		filters = append(filters, &ec2.Filter{
			Name:   aws.String("tag:" + e.TagKey),
			Values: aws.StringSlice([]string{e.TagValue}),
		})
	}
	return filters
}

// Seeds implements Provider.
func (e *EC2) Seeds(ctx context.Context) ([]wire.Addr, error) {
	if e.Port <= 0 || e.Port > 65535 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("ec2 seeds: port %d out of range", e.Port))
	}
	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var addrs []wire.Addr
	err := e.API.DescribeInstancesPagesWithContext(ctx,
		&ec2.DescribeInstancesInput{Filters: e.filters()},
		func(page *ec2.DescribeInstancesOutput, lastPage bool) bool {
			for _, reserv := range page.Reservations {
				for _, instance := range reserv.Instances {
					host := instanceHost(instance)
					if host == "" {
						log.Printf("ec2 seeds: instance %s has no address", aws.StringValue(instance.InstanceId))
						continue
					}
					addrs = append(addrs, wire.Addr{Host: host, Port: e.Port})
				}
			}
			return true
		})
	if err != nil {
		return nil, errors.E(errors.Unavailable, "ec2 seeds: DescribeInstances", err)
	}
	return dedup(addrs, wire.Addr{}), nil
}

// instanceHost returns the address at which peers reach the instance.
// Peers run in the same network, so private addresses are preferred.
func instanceHost(instance *ec2.Instance) string {
	for _, ptr := range []*string{
		instance.PrivateIpAddress,
		instance.PublicIpAddress,
		instance.PublicDnsName,
	} {
		if val := aws.StringValue(ptr); len(val) > 0 {
			return val
		}
	}
	return ""
}
