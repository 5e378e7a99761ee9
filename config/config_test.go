package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"gotest.tools/v3/assert"
)

func TestDefaultMatchesSpecConstants(t *testing.T) {
	c := Default()
	assert.Equal(t, c.ATSResponseTimeout, 5*time.Second)
	assert.Equal(t, c.SetupConnectionTimeout, 15*time.Second)
	assert.Equal(t, c.FastReconnectTimeout, 1*time.Second)
	assert.Equal(t, c.IdleConnectionTimeout, 5*time.Minute)
	assert.Equal(t, c.DisconnectSentTimeout, 500*time.Millisecond)
	assert.Equal(t, c.DefaultInboundQuota, uint32(64*1024))
	assert.Equal(t, c.KeepaliveInterval, 30*time.Second)
}

func TestBindFlagsOverridesDefault(t *testing.T) {
	c := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.BindFlags(fs)

	assert.NilError(t, fs.Parse([]string{"--ats-response-timeout=9s", "--listen=tcp=:4242"}))
	assert.Equal(t, c.ATSResponseTimeout, 9*time.Second)
	assert.Equal(t, c.Listen["tcp"], ":4242")
}
