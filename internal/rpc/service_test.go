package rpc

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonworks/cloudsim/internal/cluster"
	"github.com/moonworks/cloudsim/internal/transport"
)

// startService starts a transport plus RPC service on an ephemeral port.
func startService(t *testing.T, nodeID string) (*Service, cluster.Addr) {
	t.Helper()

	tr := transport.New(cluster.Addr{NodeID: nodeID, Host: "127.0.0.1", Port: 0})
	require.NoError(t, tr.Start())
	t.Cleanup(tr.Stop)
	return NewService(tr), tr.Addr()
}

// TestCallRoundTrip verifies a registered method can be called remotely and
// returns its result to the caller.
func TestCallRoundTrip(t *testing.T) {
	caller, _ := startService(t, "node_alpha")
	callee, calleeAddr := startService(t, "node_beta")

	callee.RegisterMethod("ping", func(params cluster.Payload) (cluster.Payload, error) {
		return cluster.Payload{
			"success": true,
			"node_id": "node_beta",
			"echo":    params.String("echo"),
		}, nil
	})

	result, err := caller.Call(calleeAddr, "ping", cluster.Payload{"echo": "hello"}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Bool("success"))
	assert.Equal(t, "node_beta", result.String("node_id"))
	assert.Equal(t, "hello", result.String("echo"))
	assert.Zero(t, caller.PendingCalls())
}

// TestCallUnknownMethod verifies an unknown method name comes back as a
// remote error string, not a transport failure.
func TestCallUnknownMethod(t *testing.T) {
	caller, _ := startService(t, "node_alpha")
	_, calleeAddr := startService(t, "node_beta")

	_, err := caller.Call(calleeAddr, "no_such_method", nil, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method no_such_method not found")
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrSendFailed))
}

// TestCallMethodError verifies an error returned by the method surfaces as a
// call failure carrying the remote error string.
func TestCallMethodError(t *testing.T) {
	caller, _ := startService(t, "node_alpha")
	callee, calleeAddr := startService(t, "node_beta")

	callee.RegisterMethod("explode", func(cluster.Payload) (cluster.Payload, error) {
		return nil, errors.New("hash mismatch")
	})

	_, err := caller.Call(calleeAddr, "explode", nil, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

// TestCallPanickingMethod verifies a panicking handler is reported as a
// remote error rather than crashing the callee.
func TestCallPanickingMethod(t *testing.T) {
	caller, _ := startService(t, "node_alpha")
	callee, calleeAddr := startService(t, "node_beta")

	callee.RegisterMethod("panic", func(cluster.Payload) (cluster.Payload, error) {
		panic("boom")
	})

	_, err := caller.Call(calleeAddr, "panic", nil, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The callee must still serve calls afterwards.
	callee.RegisterMethod("ok", func(cluster.Payload) (cluster.Payload, error) {
		return cluster.Payload{"success": true}, nil
	})
	result, err := caller.Call(calleeAddr, "ok", nil, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Bool("success"))
}

// TestCallSendFailure verifies a call to an address nothing listens on fails
// immediately with a send error and leaves no pending entry.
func TestCallSendFailure(t *testing.T) {
	caller, _ := startService(t, "node_alpha")

	dead := cluster.Addr{NodeID: "node_ghost", Host: "127.0.0.1", Port: 1}
	_, err := caller.Call(dead, "ping", nil, 5*time.Second)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSendFailed))
	assert.Zero(t, caller.PendingCalls())
}

// TestCallTimeout verifies a call against a peer that accepts but never
// responds fails with a timeout in about the configured time and removes the
// pending call.
func TestCallTimeout(t *testing.T) {
	caller, _ := startService(t, "node_alpha")

	// Black hole: accepts connections and reads, but never replies.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						c.Close()
						return
					}
				}
			}(conn)
		}
	}()

	hole := cluster.Addr{
		NodeID: "node_hole",
		Host:   "127.0.0.1",
		Port:   ln.Addr().(*net.TCPAddr).Port,
	}

	start := time.Now()
	_, err = caller.Call(hole, "ping", nil, time.Second)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.InDelta(t, time.Second.Seconds(), elapsed.Seconds(), 0.5)
	assert.Zero(t, caller.PendingCalls(), "timed out call must be removed from the pending table")
}

// TestConcurrentCalls verifies in-flight calls are correlated by call id,
// not by arrival order.
func TestConcurrentCalls(t *testing.T) {
	caller, _ := startService(t, "node_alpha")
	callee, calleeAddr := startService(t, "node_beta")

	callee.RegisterMethod("echo", func(params cluster.Payload) (cluster.Payload, error) {
		// Stagger completion so responses interleave.
		time.Sleep(time.Duration(params.Int("delay_ms")) * time.Millisecond)
		return cluster.Payload{"value": params.String("value")}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("value-%d", i)
			result, err := caller.Call(calleeAddr, "echo", cluster.Payload{
				"value":    want,
				"delay_ms": (8 - i) * 20,
			}, 10*time.Second)
			if err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			if got := result.String("value"); got != want {
				t.Errorf("call %d: got %q, want %q", i, got, want)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, caller.PendingCalls())
}

// TestDefaultTimeout verifies a non-positive timeout falls back to the
// default.
func TestDefaultTimeout(t *testing.T) {
	caller, _ := startService(t, "node_alpha")
	callee, calleeAddr := startService(t, "node_beta")

	callee.RegisterMethod("ping", func(cluster.Payload) (cluster.Payload, error) {
		return cluster.Payload{"success": true}, nil
	})

	result, err := caller.Call(calleeAddr, "ping", nil, 0)
	require.NoError(t, err)
	assert.True(t, result.Bool("success"))
}
