// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures a [*Stack].
//
// The zero value selects sane defaults for every field, so the
// minimal configuration is just `&Config{}`.
type Config struct {
	// MTU is the maximum transmissible frame size. The default
	// is [MTUMaximum].
	MTU int

	// PacketInfo indicates whether frames carry the four-byte
	// TUN packet-information prefix.
	PacketInfo bool

	// TCPIdleTimeout is how long a TCP flow may stay idle before
	// the engine resets it. The default is one minute.
	TCPIdleTimeout time.Duration

	// UDPIdleTimeout is how long a UDP session may stay idle
	// before removal. The default is thirty seconds.
	UDPIdleTimeout time.Duration

	// RetransmitTimeout is the initial retransmission timeout,
	// doubled on every retry. The default is one second.
	RetransmitTimeout time.Duration

	// MaxRetransmits is the number of retransmissions after which
	// a TCP flow is reset. The default is five.
	MaxRetransmits int

	// TimeWaitDuration is how long a closed TCP flow lingers
	// absorbing late retransmissions. The default is ten seconds.
	TimeWaitDuration time.Duration

	// AcceptBacklog bounds the queue of flows awaiting
	// [*Stack.Accept]. When the queue is full, new SYNs and first
	// datagrams are silently refused. The default is 128.
	AcceptBacklog int

	// MaxFlows bounds the number of concurrent flows. The
	// default is 4096.
	MaxFlows int

	// ReceiveWindow is the per-flow receive buffer size in bytes,
	// which also bounds the advertised TCP window. The default
	// is 65535.
	ReceiveWindow int

	// UDPFragment enables best-effort IPv4 fragmentation of
	// outgoing UDP datagrams exceeding the MTU. When false such
	// datagrams are dropped.
	UDPFragment bool
}

// Default values used by [*Config.normalize].
const (
	// DefaultTCPIdleTimeout is the default TCP idle timeout.
	DefaultTCPIdleTimeout = 60 * time.Second

	// DefaultUDPIdleTimeout is the default UDP idle timeout.
	DefaultUDPIdleTimeout = 30 * time.Second

	// DefaultRetransmitTimeout is the default initial RTO.
	DefaultRetransmitTimeout = time.Second

	// DefaultMaxRetransmits is the default retry budget.
	DefaultMaxRetransmits = 5

	// DefaultTimeWaitDuration is the default TIME-WAIT duration.
	DefaultTimeWaitDuration = 10 * time.Second

	// DefaultAcceptBacklog is the default accept queue capacity.
	DefaultAcceptBacklog = 128

	// DefaultMaxFlows is the default concurrent flow bound.
	DefaultMaxFlows = 4096

	// DefaultReceiveWindow is the default receive buffer size.
	DefaultReceiveWindow = 65535
)

// normalize returns a copy of cfg with defaults applied.
func (cfg *Config) normalize() *Config {
	out := &Config{}
	if cfg != nil {
		*out = *cfg
	}
	if out.MTU <= 0 {
		out.MTU = MTUMaximum
	}
	if out.TCPIdleTimeout <= 0 {
		out.TCPIdleTimeout = DefaultTCPIdleTimeout
	}
	if out.UDPIdleTimeout <= 0 {
		out.UDPIdleTimeout = DefaultUDPIdleTimeout
	}
	if out.RetransmitTimeout <= 0 {
		out.RetransmitTimeout = DefaultRetransmitTimeout
	}
	if out.MaxRetransmits <= 0 {
		out.MaxRetransmits = DefaultMaxRetransmits
	}
	if out.TimeWaitDuration <= 0 {
		out.TimeWaitDuration = DefaultTimeWaitDuration
	}
	if out.AcceptBacklog <= 0 {
		out.AcceptBacklog = DefaultAcceptBacklog
	}
	if out.MaxFlows <= 0 {
		out.MaxFlows = DefaultMaxFlows
	}
	if out.ReceiveWindow <= 0 || out.ReceiveWindow > 65535 {
		out.ReceiveWindow = DefaultReceiveWindow
	}
	return out
}

// fileConfig is the YAML representation of [Config]. Durations are
// strings in [time.ParseDuration] format.
type fileConfig struct {
	MTU               int    `yaml:"mtu"`
	PacketInfo        bool   `yaml:"packet_info"`
	TCPIdleTimeout    string `yaml:"tcp_idle_timeout"`
	UDPIdleTimeout    string `yaml:"udp_idle_timeout"`
	RetransmitTimeout string `yaml:"retransmit_timeout"`
	MaxRetransmits    int    `yaml:"max_retransmits"`
	TimeWaitDuration  string `yaml:"time_wait_duration"`
	AcceptBacklog     int    `yaml:"accept_backlog"`
	MaxFlows          int    `yaml:"max_flows"`
	ReceiveWindow     int    `yaml:"receive_window"`
	UDPFragment       bool   `yaml:"udp_fragment"`
}

// LoadConfig reads a [*Config] from a YAML file.
//
// Missing fields keep their default values.
func LoadConfig(filePath string) (*Config, error) {
	// 1. read and unmarshal the file
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("uip: cannot read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("uip: cannot unmarshal config YAML: %w", err)
	}

	// 2. convert the scalar fields
	cfg := &Config{
		MTU:            fc.MTU,
		PacketInfo:     fc.PacketInfo,
		MaxRetransmits: fc.MaxRetransmits,
		AcceptBacklog:  fc.AcceptBacklog,
		MaxFlows:       fc.MaxFlows,
		ReceiveWindow:  fc.ReceiveWindow,
		UDPFragment:    fc.UDPFragment,
	}

	// 3. convert the duration fields
	durations := []struct {
		value string
		field *time.Duration
	}{
		{fc.TCPIdleTimeout, &cfg.TCPIdleTimeout},
		{fc.UDPIdleTimeout, &cfg.UDPIdleTimeout},
		{fc.RetransmitTimeout, &cfg.RetransmitTimeout},
		{fc.TimeWaitDuration, &cfg.TimeWaitDuration},
	}
	for _, entry := range durations {
		if entry.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(entry.value)
		if err != nil {
			return nil, fmt.Errorf("uip: cannot parse duration %q: %w", entry.value, err)
		}
		*entry.field = parsed
	}

	return cfg, nil
}
