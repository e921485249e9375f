// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpeer/wire"
	yaml "gopkg.in/yaml.v2"
)

func init() {
	config.Register("bigpeer/node", func(constr *config.Constructor) {
		cfg := DefaultConfig()
		constr.StringVar(&cfg.Host, "host", cfg.Host, "the host on which the node is reachable by its peers")
		port := constr.Int("port", cfg.ListenPort, "the port on which to accept sessions; 0 picks an ephemeral port")
		minPort := constr.Int("min-port", cfg.MinListenPort, "the first port to try when port is unavailable")
		maxPort := constr.Int("max-port", cfg.MaxListenPort, "the last port to try when port is unavailable")
		seeds := constr.String("seeds", "", "comma-separated list of seed peers (host:port)")
		constr.StringVar(&cfg.SeedProvider, "seed-provider", cfg.SeedProvider, "source of additional seeds: static, ec2, or etcd")
		constr.StringVar(&cfg.WorkDir, "workdir", cfg.WorkDir, "directory under which jobs' working directories are created")
		tick := constr.String("tick", cfg.Tick.String(), "the watchdog's tick interval")
		announce := constr.String("announce", cfg.AnnounceInterval.String(), "the interval between presence announcements")
		ioTimeout := constr.String("io-timeout", cfg.IOTimeout.String(), "timeout for individual protocol reads and writes")
		constr.BoolVar(&cfg.RelayIntroductions, "relay", cfg.RelayIntroductions, "introduce newly met peers to known peers")
		maxSessions := constr.Int("max-sessions", cfg.MaxSessions, "the maximum number of concurrently served sessions")
		constr.Doc = "bigpeer/node configures a bigpeer node"
		constr.New = func() (interface{}, error) {
			cfg.ListenPort = *port
			cfg.MinListenPort = *minPort
			cfg.MaxListenPort = *maxPort
			cfg.MaxSessions = *maxSessions
			if *seeds != "" {
				cfg.Seeds = strings.Split(*seeds, ",")
			}
			var err error
			if cfg.Tick, err = time.ParseDuration(*tick); err != nil {
				return nil, err
			}
			if cfg.AnnounceInterval, err = time.ParseDuration(*announce); err != nil {
				return nil, err
			}
			if cfg.IOTimeout, err = time.ParseDuration(*ioTimeout); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
	})
}

// Config configures a node. The zero values of most fields are
// replaced by defaults (see DefaultConfig) when the node is started.
type Config struct {
	// Host is the host on which the node is reachable by its peers.
	Host string `yaml:"host,omitempty"`
	// ListenPort is the port on which the node accepts sessions. If
	// it is unavailable, ports MinListenPort through MaxListenPort
	// are tried in steps of ListenPortIncrement.
	ListenPort          int `yaml:"port,omitempty"`
	MinListenPort       int `yaml:"minport,omitempty"`
	MaxListenPort       int `yaml:"maxport,omitempty"`
	ListenPortIncrement int `yaml:"portincrement,omitempty"`

	// Seeds is a list of host:port addresses of peers from which the
	// node bootstraps its view of the network.
	Seeds []string `yaml:"seeds,omitempty"`
	// SeedProvider names an additional source of seeds.
	SeedProvider string     `yaml:"seedprovider,omitempty"`
	EC2          EC2Config  `yaml:"ec2,omitempty"`
	Etcd         EtcdConfig `yaml:"etcd,omitempty"`

	// Tick is the watchdog's tick interval. BeaconInterval,
	// ReceiveWindow and WarnAt are expressed in ticks.
	Tick           time.Duration `yaml:"tick,omitempty"`
	BeaconInterval int           `yaml:"beaconinterval,omitempty"`
	ReceiveWindow  int           `yaml:"receivewindow,omitempty"`
	WarnAt         int           `yaml:"warnat,omitempty"`
	BeaconTimeout  time.Duration `yaml:"beacontimeout,omitempty"`

	// AnnounceInterval is the interval between the overlay's
	// announcement sweeps.
	AnnounceInterval time.Duration `yaml:"announceinterval,omitempty"`
	SweepParallelism int           `yaml:"sweepparallelism,omitempty"`

	DialTimeout time.Duration `yaml:"dialtimeout,omitempty"`
	IOTimeout   time.Duration `yaml:"iotimeout,omitempty"`
	MaxSessions int           `yaml:"maxsessions,omitempty"`

	// WorkDir is the directory under which jobs' working directories
	// are created.
	WorkDir string `yaml:"workdir,omitempty"`
	// SendRetries is the number of times a job retries delivering
	// data to its parent.
	SendRetries int `yaml:"sendretries,omitempty"`

	RelayIntroductions bool `yaml:"relay,omitempty"`
	RelayFanout        int  `yaml:"relayfanout,omitempty"`
}

// EC2Config configures the EC2 seed provider, which seeds the node
// with the running instances carrying a given tag.
type EC2Config struct {
	Region   string `yaml:"region,omitempty"`
	TagKey   string `yaml:"tagkey,omitempty"`
	TagValue string `yaml:"tagvalue,omitempty"`
	// Port is the port on which the instances' nodes listen.
	Port int `yaml:"port,omitempty"`
}

// EtcdConfig configures the etcd seed provider, which registers the
// node under a key prefix and seeds it with the other registered
// nodes.
type EtcdConfig struct {
	Endpoints []string      `yaml:"endpoints,omitempty"`
	Prefix    string        `yaml:"prefix,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
}

// DefaultConfig returns the default node configuration.
func DefaultConfig() Config {
	return Config{
		Host:                "127.0.0.1",
		ListenPortIncrement: 1,
		SeedProvider:        "static",
		Tick:                time.Second,
		BeaconInterval:      10,
		ReceiveWindow:       20,
		WarnAt:              10,
		BeaconTimeout:       750 * time.Millisecond,
		AnnounceInterval:    time.Hour,
		SweepParallelism:    16,
		DialTimeout:         5 * time.Second,
		IOTimeout:           30 * time.Second,
		MaxSessions:         256,
		WorkDir:             "bigpeer-work",
		SendRetries:         3,
		RelayFanout:         2,
		Etcd: EtcdConfig{
			Prefix: "/bigpeer/nodes/",
			TTL:    30 * time.Second,
		},
	}
}

// LoadConfig reads a YAML-encoded configuration from the provided
// path. Fields absent from the file take their default values.
func LoadConfig(path string) (Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, errors.E("load config", path, err)
	}
	return ParseConfig(b)
}

// ParseConfig parses a YAML-encoded configuration. Fields absent from
// the document take their default values.
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return Config{}, errors.E(errors.Invalid, "parse config", err)
	}
	return cfg, nil
}

// withDefaults returns a copy of c in which unset fields take their
// default values.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	setString(&c.Host, d.Host)
	setInt(&c.ListenPortIncrement, d.ListenPortIncrement)
	setString(&c.SeedProvider, d.SeedProvider)
	setDuration(&c.Tick, d.Tick)
	setInt(&c.BeaconInterval, d.BeaconInterval)
	setInt(&c.ReceiveWindow, d.ReceiveWindow)
	setInt(&c.WarnAt, d.WarnAt)
	setDuration(&c.BeaconTimeout, d.BeaconTimeout)
	setDuration(&c.AnnounceInterval, d.AnnounceInterval)
	setInt(&c.SweepParallelism, d.SweepParallelism)
	setDuration(&c.DialTimeout, d.DialTimeout)
	setDuration(&c.IOTimeout, d.IOTimeout)
	setInt(&c.MaxSessions, d.MaxSessions)
	setString(&c.WorkDir, d.WorkDir)
	setInt(&c.RelayFanout, d.RelayFanout)
	setString(&c.Etcd.Prefix, d.Etcd.Prefix)
	setDuration(&c.Etcd.TTL, d.Etcd.TTL)
	return c
}

func setString(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

func setDuration(p *time.Duration, v time.Duration) {
	if *p == 0 {
		*p = v
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var problems []string
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	checkPort := func(name string, port int) {
		if port < 0 || port > 65535 {
			addf("%s %d out of range", name, port)
		}
	}
	if c.Host == "" {
		addf("no host")
	}
	checkPort("port", c.ListenPort)
	checkPort("min port", c.MinListenPort)
	checkPort("max port", c.MaxListenPort)
	if c.MaxListenPort < c.MinListenPort {
		addf("max port %d is less than min port %d", c.MaxListenPort, c.MinListenPort)
	}
	if c.ListenPortIncrement <= 0 {
		addf("port increment must be positive")
	}
	for _, seed := range c.Seeds {
		if _, err := wire.ParseAddr(seed); err != nil {
			addf("seed %q: %v", seed, err)
		}
	}
	switch c.SeedProvider {
	case "static":
	case "ec2":
		if c.EC2.TagKey == "" {
			addf("ec2 seed provider requires a tag key")
		}
	case "etcd":
		if len(c.Etcd.Endpoints) == 0 {
			addf("etcd seed provider requires endpoints")
		}
	default:
		addf("unknown seed provider %q", c.SeedProvider)
	}
	if c.Tick <= 0 {
		addf("tick must be positive")
	}
	if c.BeaconInterval <= 0 || c.ReceiveWindow <= 0 {
		addf("beacon interval and receive window must be positive")
	}
	if c.WarnAt <= 0 || c.WarnAt >= c.ReceiveWindow {
		addf("warning threshold %d must lie within the receive window %d", c.WarnAt, c.ReceiveWindow)
	}
	if c.BeaconTimeout <= 0 || c.AnnounceInterval <= 0 || c.DialTimeout <= 0 || c.IOTimeout <= 0 {
		addf("timeouts and intervals must be positive")
	}
	if c.SweepParallelism <= 0 {
		addf("sweep parallelism must be positive")
	}
	if c.MaxSessions < 0 || c.SendRetries < 0 || c.RelayFanout < 0 {
		addf("session, retry and relay limits must not be negative")
	}
	if c.WorkDir == "" {
		addf("no work directory")
	}
	if len(problems) > 0 {
		return errors.E(errors.Invalid, "invalid config: "+strings.Join(problems, "; "))
	}
	return nil
}

// seedAddrs returns the parsed static seeds.
func (c Config) seedAddrs() []wire.Addr {
	addrs := make([]wire.Addr, 0, len(c.Seeds))
	for _, seed := range c.Seeds {
		// Seeds were checked by Validate.
		if addr, err := wire.ParseAddr(seed); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}
