// Package main runs a CloudSim cluster in a single process: it builds a
// directory, joins the configured number of nodes (each with its own virtual
// disk and transport), runs discovery and the heartbeat loop, and optionally
// distributes a file across the cluster.
//
// Configuration:
//   - CLUSTER_NODES: Number of nodes to start (default: "5")
//   - BASE_PORT: First listener port; node i uses BASE_PORT+i (default: "8000")
//   - DISK_CAPACITY_MB: Per-node disk capacity in MiB (default: "256")
//   - DISK_BLOCK_KB: Block size in KiB (default: "64")
//   - DATA_DIR: Directory for disk images and metadata; empty runs the
//     cluster entirely in memory (default: "")
//   - DISTRIBUTE_FILE: Optional path of a file to distribute once the
//     cluster is up
//   - REPLICATION_FACTOR: Advisory replication factor (default: "2")
//
// Example usage:
//
//	# Five in-memory nodes
//	./cloudsim
//
//	# Three durable nodes distributing a file
//	CLUSTER_NODES=3 DATA_DIR=/var/lib/cloudsim DISTRIBUTE_FILE=big.iso ./cloudsim
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/moonworks/cloudsim/internal/directory"
	"github.com/moonworks/cloudsim/internal/disk"
	"github.com/moonworks/cloudsim/internal/node"
)

// logFatal is a variable to allow mocking log.Fatalf in tests.
var logFatal = log.Fatalf

func main() {
	nodeCount := mustAtoi("CLUSTER_NODES", getenv("CLUSTER_NODES", "5"))
	basePort := mustAtoi("BASE_PORT", getenv("BASE_PORT", "8000"))
	capacityMB := mustAtoi("DISK_CAPACITY_MB", getenv("DISK_CAPACITY_MB", "256"))
	blockKB := mustAtoi("DISK_BLOCK_KB", getenv("DISK_BLOCK_KB", "64"))
	dataDir := getenv("DATA_DIR", "")
	distributePath := getenv("DISTRIBUTE_FILE", "")
	replication := mustAtoi("REPLICATION_FACTOR", getenv("REPLICATION_FACTOR", "2"))

	dir := directory.New(true)
	defer dir.Stop()

	nodes := make([]*node.Node, 0, nodeCount)
	for i := 0; i < nodeCount; i++ {
		id := fmt.Sprintf("node_%d", i+1)
		d, err := buildDisk(id, dataDir, int64(capacityMB)<<20, blockKB<<10)
		if err != nil {
			logFatal("disk for %s: %v", id, err)
		}
		n, err := node.New(id, basePort+i, dir, d)
		if err != nil {
			logFatal("start %s: %v", id, err)
		}
		nodes = append(nodes, n)
		log.Printf("node[%s] up at %s", id, n.Addr().HostPort())
	}

	// Let the first node probe the rest, then keep the cluster warm.
	discovered, err := nodes[0].Discover()
	if err != nil {
		logFatal("discovery: %v", err)
	}
	log.Printf("node[%s] discovered %d peers: %v", nodes[0].ID(), len(discovered), discovered)
	dir.StartHeartbeatLoop()

	if distributePath != "" {
		result, err := nodes[0].DistributeFile(distributePath, replication)
		if err != nil {
			logFatal("distribute %s: %v", distributePath, err)
		}
		log.Printf("distributed %s: file_id=%s chunks=%d placed=%d replication=%d",
			result.Filename, result.FileID, result.ChunkCount, result.ChunksPlaced, result.ReplicationFactor)
		for chunkID, target := range result.Placement {
			log.Printf("  %s -> %s", chunkID, target)
		}
	}

	printStats(nodes)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("cluster stopped")
}

// buildDisk creates a node's disk: file-backed under dataDir when set,
// otherwise fully in memory.
func buildDisk(id, dataDir string, capacity int64, blockSize int) (*disk.Disk, error) {
	if dataDir == "" {
		return disk.NewMemory(id, capacity, blockSize)
	}

	nodeDir := filepath.Join(dataDir, id)
	if err := os.MkdirAll(nodeDir, 0o755); err != nil {
		return nil, err
	}
	dev, err := disk.OpenFileDev(filepath.Join(nodeDir, "disk.img"), capacity)
	if err != nil {
		return nil, err
	}
	meta := disk.NewFileMetadataStore(filepath.Join(nodeDir, "metadata.json"))
	return disk.New(id, capacity, blockSize, dev, meta)
}

func printStats(nodes []*node.Node) {
	for _, n := range nodes {
		s := n.Stats()
		log.Printf("node[%s] blocks %d/%d used, %d files, uptime %s",
			s.NodeID, s.Storage.AllocatedBlocks, s.Storage.TotalBlocks,
			s.Storage.FilesStored, s.Uptime.Round(0))
	}
}

// getenv retrieves an environment variable with a fallback default.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustAtoi parses a numeric configuration value, terminating on garbage.
func mustAtoi(name, v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		logFatal("invalid %s: %q", name, v)
	}
	return n
}
