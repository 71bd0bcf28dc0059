// Package integration exercises a full cluster end to end: several nodes
// joined to one directory, talking over real TCP listeners on loopback.
package integration

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonworks/cloudsim/internal/cluster"
	"github.com/moonworks/cloudsim/internal/directory"
	"github.com/moonworks/cloudsim/internal/disk"
	"github.com/moonworks/cloudsim/internal/node"
)

// testCluster bundles a directory and its nodes for one scenario run.
type testCluster struct {
	dir   *directory.Directory
	nodes []*node.Node
}

// startCluster brings up count nodes on ephemeral loopback ports, each with a
// 4 MiB in-memory disk.
func startCluster(t *testing.T, count int) *testCluster {
	t.Helper()

	dir := directory.New(true)
	t.Cleanup(dir.Stop)

	tc := &testCluster{dir: dir}
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("node_%d", i+1)
		d, err := disk.NewMemory(id, 4<<20, 4<<10)
		require.NoError(t, err)

		n, err := node.New(id, 0, dir, d)
		require.NoError(t, err)
		tc.nodes = append(tc.nodes, n)
	}
	return tc
}

// writePayload writes deterministic content of the given size to a temp file.
func writePayload(t *testing.T, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

// TestDistributedStorage runs the end-to-end scenarios against one shared
// five-node cluster.
func TestDistributedStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tc := startCluster(t, 5)

	t.Run("Discovery", func(t *testing.T) {
		testDiscovery(t, tc)
	})

	t.Run("PingEveryNode", func(t *testing.T) {
		testPingEveryNode(t, tc)
	})

	t.Run("Heartbeat", func(t *testing.T) {
		testHeartbeat(t, tc)
	})

	t.Run("DistributeAndRetrieve", func(t *testing.T) {
		testDistributeAndRetrieve(t, tc)
	})

	t.Run("ClusterVisibility", func(t *testing.T) {
		testClusterVisibility(t, tc)
	})

	t.Run("ConcurrentDistributions", func(t *testing.T) {
		testConcurrentDistributions(t, tc)
	})

	t.Run("NodeDeparture", func(t *testing.T) {
		testNodeDeparture(t, tc)
	})
}

// testDiscovery verifies a node can probe every peer and that all answer.
func testDiscovery(t *testing.T, tc *testCluster) {
	discovered, err := tc.nodes[0].Discover()
	require.NoError(t, err)
	assert.Len(t, discovered, len(tc.nodes)-1)

	info := tc.dir.GetInfo()
	assert.Equal(t, len(tc.nodes), info.ActiveNodes)
}

// testPingEveryNode verifies full pairwise reachability over real sockets.
func testPingEveryNode(t *testing.T, tc *testCluster) {
	for _, from := range tc.nodes {
		for _, to := range tc.nodes {
			if from.ID() == to.ID() {
				continue
			}
			result, err := from.Call(to.ID(), "ping", nil)
			require.NoError(t, err, "%s -> %s", from.ID(), to.ID())
			assert.True(t, result.Bool("success"))
			assert.Equal(t, to.ID(), result.String("node_id"))
		}
	}
}

// testHeartbeat verifies a broadcast round from each node keeps the cluster
// marked active.
func testHeartbeat(t *testing.T, tc *testCluster) {
	for _, n := range tc.nodes {
		require.NoError(t, tc.dir.Heartbeat(n.ID()))
	}

	// Replies arrive asynchronously; give them a moment.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(tc.nodes), tc.dir.GetInfo().ActiveNodes)
}

// testDistributeAndRetrieve pushes a multi-chunk file through the cluster and
// reassembles it byte for byte.
func testDistributeAndRetrieve(t *testing.T, tc *testCluster) {
	initiator := tc.nodes[0]
	path, content := writePayload(t, 3*node.DefaultChunkSize+4096)

	result, err := initiator.DistributeFile(path, 2)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), result.FileID)
	assert.Equal(t, 4, result.ChunkCount)
	assert.Equal(t, 4, result.ChunksPlaced)

	// Every chunk landed on some remote node and is reported stored there.
	for chunkID, target := range result.Placement {
		assert.NotEqual(t, initiator.ID(), target)

		info, err := initiator.Call(target, "retrieve_file_chunk", cluster.Payload{
			"file_id": chunkID,
		})
		require.NoError(t, err)
		assert.True(t, info.Bool("success"))
	}

	got, err := initiator.RetrieveFile(result.FileID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got), "reassembled content differs")
}

// testClusterVisibility verifies remote storage reporting reflects stored
// chunks.
func testClusterVisibility(t *testing.T, tc *testCluster) {
	observer := tc.nodes[1]

	var filesSeen int
	for _, n := range tc.nodes {
		if n.ID() == observer.ID() {
			continue
		}
		info, err := observer.Call(n.ID(), "get_storage_info", nil)
		require.NoError(t, err)
		assert.Equal(t, n.ID(), info.String("node_id"))
		assert.GreaterOrEqual(t, info.Int("free_blocks"), 0)
		filesSeen += info.Int("files_stored")

		listing, err := observer.Call(n.ID(), "list_files", nil)
		require.NoError(t, err)
		_, ok := listing["files"].([]any)
		require.True(t, ok)
	}

	// The earlier distribution left chunks on remote nodes.
	assert.Greater(t, filesSeen, 0)
}

// testConcurrentDistributions verifies several initiators can distribute at
// the same time without corrupting each other's placements.
func testConcurrentDistributions(t *testing.T, tc *testCluster) {
	const initiators = 3

	paths := make([]string, initiators)
	contents := make([][]byte, initiators)
	for i := range paths {
		// Distinct sizes so the content digests differ.
		paths[i], contents[i] = writePayload(t, 64*1024+i*111)
	}

	var wg sync.WaitGroup
	results := make([]*node.DistributionResult, initiators)
	errs := make([]error, initiators)

	wg.Add(initiators)
	for i := 0; i < initiators; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = tc.nodes[i].DistributeFile(paths[i], 1)
		}(i)
	}
	wg.Wait()

	for i := 0; i < initiators; i++ {
		require.NoError(t, errs[i], "initiator %d", i)
		require.Equal(t, results[i].ChunkCount, results[i].ChunksPlaced, "initiator %d", i)

		got, err := tc.nodes[i].RetrieveFile(results[i].FileID)
		require.NoError(t, err, "initiator %d", i)
		assert.True(t, bytes.Equal(contents[i], got), "initiator %d content differs", i)
	}
}

// testNodeDeparture verifies the cluster keeps working after a node leaves,
// and that calls to the departed node fail fast.
func testNodeDeparture(t *testing.T, tc *testCluster) {
	leaving := tc.nodes[len(tc.nodes)-1]
	remaining := tc.nodes[0]

	require.NoError(t, leaving.Shutdown())

	_, err := remaining.Call(leaving.ID(), "ping", nil)
	assert.ErrorIs(t, err, node.ErrNodeNotFound)

	// Survivors still answer.
	result, err := remaining.Call(tc.nodes[1].ID(), "ping", nil)
	require.NoError(t, err)
	assert.True(t, result.Bool("success"))

	assert.Equal(t, len(tc.nodes)-1, tc.dir.GetInfo().TotalNodes)
}
