package node

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/moonworks/cloudsim/internal/cluster"
)

// DefaultChunkSize is how distribution slices file content. Chunks are sized
// independently of storage blocks; the last chunk may be shorter.
const DefaultChunkSize = 1 << 20

// ErrNoTargets is returned when distribution finds no other node to place
// chunks on.
var ErrNoTargets = errors.New("no other nodes available")

// PlacementMap records where each chunk of a distributed file lives. It is
// built once during distribution and read-only afterward; there is no
// rebalancing.
type PlacementMap struct {
	FileID     string            `json:"file_id"`
	Filename   string            `json:"filename"`
	FileSize   int64             `json:"file_size"`
	ChunkCount int               `json:"chunk_count"`
	Placement  map[string]string `json:"chunk_distribution"` // chunk id -> node id
	CreatedAt  time.Time         `json:"created_at"`
}

// DistributionResult summarizes one distribution run. ChunksPlaced may be
// lower than ChunkCount: individual chunk failures are logged and skipped,
// so partial distribution is possible and reported.
type DistributionResult struct {
	FileID            string            `json:"file_id"`
	Filename          string            `json:"filename"`
	FileSize          int64             `json:"file_size"`
	ChunkCount        int               `json:"chunk_count"`
	ChunksPlaced      int               `json:"chunks_distributed"`
	Placement         map[string]string `json:"chunk_distribution"`
	ReplicationFactor int               `json:"replication_factor"`
}

// DistributeFile splits the file at path into fixed-size chunks and places
// each on one remote node chosen round-robin over all known nodes except this
// one. The requested replication factor is capped to the candidate count and
// reported back, but each chunk is stored exactly once; the factor is
// informational.
//
// The resulting placement map is persisted as metadata on this node's own
// disk under "<fileID>_metadata".
func (n *Node) DistributeFile(path string, replicationFactor int) (*DistributionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}

	sum := sha256.Sum256(data)
	fileID := hex.EncodeToString(sum[:])

	candidates := n.candidateTargets()
	if len(candidates) == 0 {
		return nil, errors.WithStack(ErrNoTargets)
	}
	effectiveReplication := min(replicationFactor, len(candidates))

	chunkCount := (len(data) + n.chunkSize - 1) / n.chunkSize
	placement := make(map[string]string, chunkCount)
	placed := 0

	for i := 0; i < chunkCount; i++ {
		end := min((i+1)*n.chunkSize, len(data))
		chunk := data[i*n.chunkSize : end]
		chunkID := fmt.Sprintf("%s_chunk_%d", fileID, i)
		target := candidates[i%len(candidates)]

		result, err := n.Call(target, "store_file_chunk", cluster.Payload{
			"file_id":    chunkID,
			"chunk_data": hex.EncodeToString(chunk),
			"chunk_hash": ChunkChecksum(chunk),
		})
		if err != nil {
			log.Printf("node[%s] failed to place chunk %s on %s: %v", n.id, chunkID, target, err)
			continue
		}
		if !result.Bool("success") {
			log.Printf("node[%s] node %s rejected chunk %s", n.id, target, chunkID)
			continue
		}
		placement[chunkID] = target
		placed++
	}

	pm := PlacementMap{
		FileID:     fileID,
		Filename:   filepath.Base(path),
		FileSize:   int64(len(data)),
		ChunkCount: chunkCount,
		Placement:  placement,
		CreatedAt:  time.Now(),
	}
	if err := n.savePlacementMap(pm); err != nil {
		log.Printf("node[%s] failed to persist placement map for %s: %v", n.id, fileID, err)
	}

	return &DistributionResult{
		FileID:            fileID,
		Filename:          pm.Filename,
		FileSize:          pm.FileSize,
		ChunkCount:        chunkCount,
		ChunksPlaced:      placed,
		Placement:         placement,
		ReplicationFactor: effectiveReplication,
	}, nil
}

// RetrieveFile reassembles a distributed file from its placement map,
// fetching every chunk from the node that stores it.
func (n *Node) RetrieveFile(fileID string) ([]byte, error) {
	pm, err := n.loadPlacementMap(fileID)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, pm.FileSize)
	for i := 0; i < pm.ChunkCount; i++ {
		chunkID := fmt.Sprintf("%s_chunk_%d", fileID, i)
		target, ok := pm.Placement[chunkID]
		if !ok {
			return nil, errors.Errorf("chunk %s was never placed", chunkID)
		}

		result, err := n.Call(target, "retrieve_file_chunk", cluster.Payload{"file_id": chunkID})
		if err != nil {
			return nil, errors.Wrapf(err, "retrieve chunk %s from %s", chunkID, target)
		}

		chunk, err := hex.DecodeString(result.String("chunk_data"))
		if err != nil {
			return nil, errors.Wrapf(err, "malformed chunk %s from %s", chunkID, target)
		}
		if ChunkChecksum(chunk) != result.String("chunk_hash") {
			return nil, errors.Errorf("chunk %s from %s failed checksum", chunkID, target)
		}
		data = append(data, chunk...)
	}

	if int64(len(data)) > pm.FileSize {
		data = data[:pm.FileSize]
	}
	return data, nil
}

// candidateTargets returns every known node id except this node's, in a
// stable order so round-robin placement is deterministic.
func (n *Node) candidateTargets() []string {
	info := n.dir.GetInfo()
	candidates := make([]string, 0, len(info.Addresses))
	for id := range info.Addresses {
		if id != n.id {
			candidates = append(candidates, id)
		}
	}
	sort.Strings(candidates)
	return candidates
}

func (n *Node) savePlacementMap(pm PlacementMap) error {
	data, err := json.Marshal(pm)
	if err != nil {
		return errors.WithStack(err)
	}

	metaID := pm.FileID + "_metadata"
	if _, err := n.disk.Allocate(metaID, metaID, int64(len(data))); err != nil {
		return err
	}
	return n.disk.Write(metaID, data, 0)
}

func (n *Node) loadPlacementMap(fileID string) (*PlacementMap, error) {
	metaID := fileID + "_metadata"
	size, ok := n.disk.FileSize(metaID)
	if !ok {
		return nil, errors.Errorf("no placement map for file %s", fileID)
	}

	raw, err := n.disk.Read(metaID, size, 0)
	if err != nil {
		return nil, err
	}

	var pm PlacementMap
	if err := json.Unmarshal(raw, &pm); err != nil {
		return nil, errors.Wrapf(err, "decode placement map for %s", fileID)
	}
	return &pm, nil
}
