// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigNormalizeDefaults(t *testing.T) {
	// a nil config selects every default
	cfg := (*Config)(nil).normalize()
	assert.Equal(t, MTUMaximum, cfg.MTU)
	assert.Equal(t, DefaultTCPIdleTimeout, cfg.TCPIdleTimeout)
	assert.Equal(t, DefaultUDPIdleTimeout, cfg.UDPIdleTimeout)
	assert.Equal(t, DefaultRetransmitTimeout, cfg.RetransmitTimeout)
	assert.Equal(t, DefaultMaxRetransmits, cfg.MaxRetransmits)
	assert.Equal(t, DefaultTimeWaitDuration, cfg.TimeWaitDuration)
	assert.Equal(t, DefaultAcceptBacklog, cfg.AcceptBacklog)
	assert.Equal(t, DefaultMaxFlows, cfg.MaxFlows)
	assert.Equal(t, DefaultReceiveWindow, cfg.ReceiveWindow)
	assert.False(t, cfg.PacketInfo)
	assert.False(t, cfg.UDPFragment)
}

func TestConfigNormalizeKeepsExplicitValues(t *testing.T) {
	original := &Config{
		MTU:            MTUEthernet,
		PacketInfo:     true,
		MaxRetransmits: 3,
		ReceiveWindow:  1024,
	}
	cfg := original.normalize()
	assert.Equal(t, MTUEthernet, cfg.MTU)
	assert.True(t, cfg.PacketInfo)
	assert.Equal(t, 3, cfg.MaxRetransmits)
	assert.Equal(t, 1024, cfg.ReceiveWindow)

	// normalize returns a copy leaving the original untouched
	assert.Zero(t, original.TCPIdleTimeout)
	assert.Equal(t, DefaultTCPIdleTimeout, cfg.TCPIdleTimeout)
}

func TestConfigNormalizeClampsWindow(t *testing.T) {
	// the advertised window field is 16 bits wide
	cfg := (&Config{ReceiveWindow: 1 << 20}).normalize()
	assert.Equal(t, DefaultReceiveWindow, cfg.ReceiveWindow)
}

func TestLoadConfig(t *testing.T) {
	t.Run("full_file", func(t *testing.T) {
		content := `
mtu: 1500
packet_info: true
tcp_idle_timeout: 2m
udp_idle_timeout: 45s
retransmit_timeout: 250ms
max_retransmits: 7
time_wait_duration: 5s
accept_backlog: 64
max_flows: 100
receive_window: 32768
udp_fragment: true
`
		filePath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(filePath, []byte(content), 0600))

		cfg, err := LoadConfig(filePath)
		require.NoError(t, err)
		assert.Equal(t, MTUEthernet, cfg.MTU)
		assert.True(t, cfg.PacketInfo)
		assert.Equal(t, 2*time.Minute, cfg.TCPIdleTimeout)
		assert.Equal(t, 45*time.Second, cfg.UDPIdleTimeout)
		assert.Equal(t, 250*time.Millisecond, cfg.RetransmitTimeout)
		assert.Equal(t, 7, cfg.MaxRetransmits)
		assert.Equal(t, 5*time.Second, cfg.TimeWaitDuration)
		assert.Equal(t, 64, cfg.AcceptBacklog)
		assert.Equal(t, 100, cfg.MaxFlows)
		assert.Equal(t, 32768, cfg.ReceiveWindow)
		assert.True(t, cfg.UDPFragment)
	})

	t.Run("missing_fields_keep_defaults", func(t *testing.T) {
		filePath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(filePath, []byte("mtu: 9000\n"), 0600))

		cfg, err := LoadConfig(filePath)
		require.NoError(t, err)
		assert.Equal(t, MTUJumbo, cfg.MTU)

		normalized := cfg.normalize()
		assert.Equal(t, DefaultTCPIdleTimeout, normalized.TCPIdleTimeout)
	})

	t.Run("nonexistent_file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})

	t.Run("invalid_yaml", func(t *testing.T) {
		filePath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(filePath, []byte("{{nope"), 0600))

		_, err := LoadConfig(filePath)
		require.Error(t, err)
	})

	t.Run("invalid_duration", func(t *testing.T) {
		filePath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(filePath, []byte("tcp_idle_timeout: soon\n"), 0600))

		_, err := LoadConfig(filePath)
		require.Error(t, err)
	})
}
