package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"

	"github.com/ngcore/neighbourd/neighbour/types"
)

type stubPlugin struct{ name string }

func (s *stubPlugin) Name() string { return s.name }
func (s *stubPlugin) GetSession(ctx context.Context, addr types.Address) (types.Session, error) {
	return nil, nil
}
func (s *stubPlugin) Send(ctx context.Context, sess types.Session, payload []byte, priority int, timeout time.Duration, cont CompletionFunc) (int, error) {
	return 0, nil
}
func (s *stubPlugin) Disconnect(sess types.Session)                                               {}
func (s *stubPlugin) UpdateSessionTimeout(peer types.PeerId, sess types.Session)                   {}
func (s *stubPlugin) UpdateInboundDelay(peer types.PeerId, sess types.Session, delay time.Duration) {}
func (s *stubPlugin) KeepaliveFactor() uint                                                        { return 1 }

func TestRegistryRegisterGet(t *testing.T) {
	r := NewRegistry()
	p := &stubPlugin{name: "loopback"}
	assert.NilError(t, r.Register(p))

	got, err := r.Get("loopback")
	assert.NilError(t, err)
	assert.Equal(t, got, Plugin(p))
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	assert.NilError(t, r.Register(&stubPlugin{name: "tcp"}))

	err := r.Register(&stubPlugin{name: "tcp"})
	assert.Check(t, errdefs.IsAlreadyExists(err))
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	assert.NilError(t, r.Register(&stubPlugin{name: "a"}))
	assert.NilError(t, r.Register(&stubPlugin{name: "b"}))
	names := r.Names()
	assert.Equal(t, len(names), 2)
}
