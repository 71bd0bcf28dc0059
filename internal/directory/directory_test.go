package directory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonworks/cloudsim/internal/cluster"
)

// TestAddNode verifies node registration allocates an address, starts a
// transport and marks the node active.
func TestAddNode(t *testing.T) {
	d := New(true)
	defer d.Stop()

	tr, err := d.AddNode("node_alpha", 0)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.NotZero(t, tr.Addr().Port)

	addr, ok := d.Registry().Lookup("node_alpha")
	require.True(t, ok)
	assert.Equal(t, tr.Addr(), addr)

	info := d.GetInfo()
	assert.Equal(t, 1, info.TotalNodes)
	assert.Equal(t, 1, info.ActiveNodes)
	assert.True(t, info.Status["node_alpha"])
}

// TestAddNodeBindConflict verifies a bind failure surfaces as an error and
// leaves no allocation behind.
func TestAddNodeBindConflict(t *testing.T) {
	d := New(true)
	defer d.Stop()

	tr, err := d.AddNode("node_alpha", 0)
	require.NoError(t, err)

	_, err = d.AddNode("node_beta", tr.Addr().Port)
	require.Error(t, err)

	_, ok := d.Registry().Lookup("node_beta")
	assert.False(t, ok, "failed AddNode must release its address")
	assert.Equal(t, 1, d.GetInfo().TotalNodes)
}

// TestDiscover verifies discovery reaches every other node and marks the
// discovered set active.
func TestDiscover(t *testing.T) {
	d := New(true)
	defer d.Stop()

	for _, id := range []string{"node_alpha", "node_beta", "node_gamma"} {
		_, err := d.AddNode(id, 0)
		require.NoError(t, err)
	}

	discovered, err := d.Discover("node_alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"node_beta", "node_gamma"}, discovered)

	info := d.GetInfo()
	assert.Equal(t, 3, info.ActiveNodes)
}

// TestDiscoverUnknownNode verifies discovery from an unregistered node fails.
func TestDiscoverUnknownNode(t *testing.T) {
	d := New(true)
	defer d.Stop()

	_, err := d.Discover("node_ghost")
	assert.ErrorIs(t, err, ErrUnknownNode)
}

// TestHeartbeat verifies heartbeats reach peers, which answer with inline
// acks, and that an unknown sender is rejected.
func TestHeartbeat(t *testing.T) {
	d := New(true)
	defer d.Stop()

	_, err := d.AddNode("node_alpha", 0)
	require.NoError(t, err)
	_, err = d.AddNode("node_beta", 0)
	require.NoError(t, err)

	require.NoError(t, d.Heartbeat("node_alpha"))
	assert.ErrorIs(t, d.Heartbeat("node_ghost"), ErrUnknownNode)
}

// TestHeartbeatLoop verifies the background loop is idempotent to start and
// stops cleanly with the directory.
func TestHeartbeatLoop(t *testing.T) {
	d := New(true)
	d.heartbeatInterval = 20 * time.Millisecond

	_, err := d.AddNode("node_alpha", 0)
	require.NoError(t, err)
	_, err = d.AddNode("node_beta", 0)
	require.NoError(t, err)

	d.StartHeartbeatLoop()
	d.StartHeartbeatLoop() // second start is a no-op

	// Let a few cycles run, then shut down; Stop must not hang.
	time.Sleep(100 * time.Millisecond)
	d.Stop()

	assert.Zero(t, d.GetInfo().TotalNodes)
}

// TestRemoveNode verifies per-node shutdown releases the address for reuse.
func TestRemoveNode(t *testing.T) {
	d := New(true)
	defer d.Stop()

	tr, err := d.AddNode("node_alpha", 0)
	require.NoError(t, err)
	port := tr.Addr().Port

	require.NoError(t, d.RemoveNode("node_alpha"))
	assert.ErrorIs(t, d.RemoveNode("node_alpha"), ErrUnknownNode)

	_, ok := d.Registry().Lookup("node_alpha")
	assert.False(t, ok)

	// The freed port can be bound again.
	_, err = d.AddNode("node_beta", port)
	assert.NoError(t, err)
}

// TestGetInfoCopies verifies the info maps are copies, not live views.
func TestGetInfoCopies(t *testing.T) {
	d := New(true)
	defer d.Stop()

	_, err := d.AddNode("node_alpha", 0)
	require.NoError(t, err)

	info := d.GetInfo()
	info.Status["node_alpha"] = false
	info.Addresses["node_alpha"] = cluster.Addr{}

	fresh := d.GetInfo()
	assert.True(t, fresh.Status["node_alpha"])
	assert.Equal(t, "127.0.0.1", fresh.Addresses["node_alpha"].Host)
}
