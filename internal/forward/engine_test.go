package forward

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterfacePolicy_Accept(t *testing.T) {
	dst := netip.MustParseAddr("10.0.0.1")

	open := InterfacePolicy{}
	assert.True(t, open.Accept("eth0", dst), "an unrestricted policy accepts everything")

	byName := InterfacePolicy{Names: []string{"eth0"}}
	assert.True(t, byName.Accept("eth0", dst))
	assert.False(t, byName.Accept("eth1", dst))

	byAddr := InterfacePolicy{Addrs: []netip.Addr{dst}}
	assert.True(t, byAddr.Accept("eth1", dst))
	assert.False(t, byAddr.Accept("eth1", netip.MustParseAddr("10.0.0.2")))

	excepted := InterfacePolicy{Except: []string{"eth1"}}
	assert.False(t, excepted.Accept("eth1", dst), "an excepted interface is always rejected, even with no allow list")
}

func TestNew_RequiresAtLeastOneUpstream(t *testing.T) {
	_, err := New(Config{FTABSize: 8}, NewServerSet(nil), nil)
	require.Error(t, err)
}

func TestNew_RequiresPositiveFTABSize(t *testing.T) {
	set := NewServerSet([]*Upstream{NewUpstream(netip.MustParseAddrPort("203.0.113.1:53"))})
	_, err := New(Config{FTABSize: 0}, set, nil)
	require.Error(t, err)
}

func TestServerSet_AtRingWraps(t *testing.T) {
	set := NewServerSet([]*Upstream{
		NewUpstream(netip.MustParseAddrPort("203.0.113.1:53")),
		NewUpstream(netip.MustParseAddrPort("203.0.113.2:53")),
	})

	assert.Same(t, set.At(0), set.At(2))
	assert.Same(t, set.At(1), set.At(-1))
}

func TestEngine_StatsReflectsTable(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Table.GetNew(time.Now()).NewID = 1

	assert.Equal(t, 1, e.Stats().Live)
}
