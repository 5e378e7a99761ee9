// Package config binds the operator-tunable knobs of the neighbour
// management core to command-line flags, in the same spirit as the
// teacher's daemon-level flag wiring: one struct, one BindFlags call, no
// separate file-format dependency.
package config

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/ngcore/neighbourd/neighbour/quota"
)

// Config holds every value §4.1's timeouts, §3's quota constants and §6.3's
// keepalive cadence leave as operator knobs rather than hardcoded constants.
type Config struct {
	// ATSResponseTimeout bounds how long a neighbour may sit in INIT_ATS or
	// SYN_RECV_ATS awaiting an address suggestion (§4.1).
	ATSResponseTimeout time.Duration
	// SetupConnectionTimeout bounds handshake completion from SYN_SENT /
	// SYN_RECV_ACK onward (§4.1).
	SetupConnectionTimeout time.Duration
	// FastReconnectTimeout is the silent reconnect window of §4.1 and §4.5;
	// upper layers are not notified of a session death that heals within it.
	FastReconnectTimeout time.Duration
	// IdleConnectionTimeout cuts a CONNECTED neighbour that stops answering
	// keepalives (§4.1); it also doubles as the quota-violation-count decay
	// tick (SPEC_FULL.md supplemented feature 3).
	IdleConnectionTimeout time.Duration
	// DisconnectSentTimeout is the grace period DISCONNECT gets to flush
	// before the neighbour is freed (§4.1).
	DisconnectSentTimeout time.Duration

	// QuotaViolationDecay and QuotaViolationDropThreshold override the
	// defaults of §3 (+10/-1, drop threshold 10) for operators who need to
	// tune enforcement strictness.
	QuotaViolationDecay        int
	QuotaViolationDropThreshold int

	// DefaultInboundQuota is the bytes/sec a neighbour is metered at before
	// any QUOTA message updates it (§3 neighbour_receive_quota).
	DefaultInboundQuota uint32

	// KeepaliveInterval is how often CONNECTED neighbours are probed absent
	// any plugin-specific keepalive factor override (§4.3, §6.3).
	KeepaliveInterval time.Duration

	// Listen holds one bind address per registered transport plugin name,
	// e.g. Listen["tcp"] = ":4242".
	Listen map[string]string
}

// Default returns the timeout values named in §4.1 and the quota constants
// of §3, unmodified.
func Default() *Config {
	return &Config{
		ATSResponseTimeout:          5 * time.Second,
		SetupConnectionTimeout:      15 * time.Second,
		FastReconnectTimeout:        1 * time.Second,
		IdleConnectionTimeout:       5 * time.Minute,
		DisconnectSentTimeout:       500 * time.Millisecond,
		QuotaViolationDecay:         quota.DefaultViolationDecay,
		QuotaViolationDropThreshold: quota.DefaultDropThreshold,
		DefaultInboundQuota:         64 * 1024,
		KeepaliveInterval:           30 * time.Second,
		Listen:                      map[string]string{},
	}
}

// BindFlags registers every field of c onto fs, so a cobra command's
// PersistentFlags() can be passed straight through.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&c.ATSResponseTimeout, "ats-response-timeout", c.ATSResponseTimeout,
		"time to wait for an address suggestion before freeing a neighbour")
	fs.DurationVar(&c.SetupConnectionTimeout, "setup-connection-timeout", c.SetupConnectionTimeout,
		"time to wait for handshake completion")
	fs.DurationVar(&c.FastReconnectTimeout, "fast-reconnect-timeout", c.FastReconnectTimeout,
		"silent reconnect window after a session death")
	fs.DurationVar(&c.IdleConnectionTimeout, "idle-connection-timeout", c.IdleConnectionTimeout,
		"time without a keepalive response before a neighbour is cut")
	fs.DurationVar(&c.DisconnectSentTimeout, "disconnect-sent-timeout", c.DisconnectSentTimeout,
		"grace period for a DISCONNECT message to flush")
	fs.IntVar(&c.QuotaViolationDecay, "quota-violation-decay", c.QuotaViolationDecay,
		"violation counter decrement per compliant interval")
	fs.IntVar(&c.QuotaViolationDropThreshold, "quota-violation-drop-threshold", c.QuotaViolationDropThreshold,
		"violation counter value above which inbound traffic is dropped")
	fs.Uint32Var(&c.DefaultInboundQuota, "default-inbound-quota", c.DefaultInboundQuota,
		"bytes/sec a neighbour is metered at before any QUOTA message updates it")
	fs.DurationVar(&c.KeepaliveInterval, "keepalive-interval", c.KeepaliveInterval,
		"interval between keepalive probes of a connected neighbour")
	fs.StringToStringVar(&c.Listen, "listen", c.Listen,
		"plugin_name=bind_address pairs for registered transport plugins")
}
