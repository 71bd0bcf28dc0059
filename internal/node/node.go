package node

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/moonworks/cloudsim/internal/cluster"
	"github.com/moonworks/cloudsim/internal/directory"
	"github.com/moonworks/cloudsim/internal/disk"
	"github.com/moonworks/cloudsim/internal/rpc"
	"github.com/moonworks/cloudsim/internal/transport"
)

// ErrNodeNotFound is returned when a call targets a node id the directory
// does not know.
var ErrNodeNotFound = errors.New("node not found")

// TransferStats counts the chunk traffic a node has served.
type TransferStats struct {
	FilesUploaded    uint64 `json:"files_uploaded"`
	FilesDownloaded  uint64 `json:"files_downloaded"`
	BytesTransferred uint64 `json:"bytes_transferred"`
}

// Stats is the full monitoring view of one node.
type Stats struct {
	NodeID      string           `json:"node_id"`
	Addr        cluster.Addr     `json:"addr"`
	Uptime      time.Duration    `json:"uptime"`
	Storage     disk.StorageInfo `json:"storage"`
	Performance TransferStats    `json:"performance"`
}

// Node is one participant of the cluster: a transport and RPC service joined
// to the shared directory, backed by its own virtual disk. Construction
// registers the standard RPC method surface every node exposes: ping,
// get_storage_info, list_files, store_file_chunk, retrieve_file_chunk.
type Node struct {
	id   string
	dir  *directory.Directory
	tr   *transport.Transport
	rpc  *rpc.Service
	disk *disk.Disk

	startedAt   time.Time
	callTimeout time.Duration
	chunkSize   int

	uploaded    atomic.Uint64
	downloaded  atomic.Uint64
	transferred atomic.Uint64
}

// New joins a node to the directory on the given port (0 picks a free one)
// and wires its RPC surface over the freshly started transport.
func New(id string, port int, dir *directory.Directory, d *disk.Disk) (*Node, error) {
	tr, err := dir.AddNode(id, port)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:          id,
		dir:         dir,
		tr:          tr,
		rpc:         rpc.NewService(tr),
		disk:        d,
		startedAt:   time.Now(),
		callTimeout: rpc.DefaultCallTimeout,
		chunkSize:   DefaultChunkSize,
	}
	n.registerMethods()
	return n, nil
}

// ID returns the node identifier.
func (n *Node) ID() string {
	return n.id
}

// Addr returns the node's transport address.
func (n *Node) Addr() cluster.Addr {
	return n.tr.Addr()
}

// Disk returns the node's block store.
func (n *Node) Disk() *disk.Disk {
	return n.disk
}

// Discover probes every other known node through the directory.
func (n *Node) Discover() ([]string, error) {
	return n.dir.Discover(n.id)
}

// Call invokes a method on another node, addressed by node id.
func (n *Node) Call(targetNodeID, method string, params cluster.Payload) (cluster.Payload, error) {
	addr, ok := n.dir.Registry().Lookup(targetNodeID)
	if !ok {
		return nil, errors.Wrap(ErrNodeNotFound, targetNodeID)
	}
	return n.rpc.Call(addr, method, params, n.callTimeout)
}

// Stats reports uptime, storage utilization and transfer counters.
func (n *Node) Stats() Stats {
	return Stats{
		NodeID:  n.id,
		Addr:    n.tr.Addr(),
		Uptime:  time.Since(n.startedAt),
		Storage: n.disk.GetStorageInfo(),
		Performance: TransferStats{
			FilesUploaded:    n.uploaded.Load(),
			FilesDownloaded:  n.downloaded.Load(),
			BytesTransferred: n.transferred.Load(),
		},
	}
}

// Shutdown detaches the node from the directory, stopping its transport and
// releasing its address.
func (n *Node) Shutdown() error {
	return n.dir.RemoveNode(n.id)
}

func (n *Node) registerMethods() {
	n.rpc.RegisterMethod("ping", n.rpcPing)
	n.rpc.RegisterMethod("get_storage_info", n.rpcGetStorageInfo)
	n.rpc.RegisterMethod("list_files", n.rpcListFiles)
	n.rpc.RegisterMethod("store_file_chunk", n.rpcStoreFileChunk)
	n.rpc.RegisterMethod("retrieve_file_chunk", n.rpcRetrieveFileChunk)
}

func (n *Node) rpcPing(cluster.Payload) (cluster.Payload, error) {
	return cluster.Payload{
		"success":   true,
		"node_id":   n.id,
		"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
		"uptime":    time.Since(n.startedAt).Seconds(),
	}, nil
}

func (n *Node) rpcGetStorageInfo(cluster.Payload) (cluster.Payload, error) {
	return toPayload(n.disk.GetStorageInfo())
}

func (n *Node) rpcListFiles(cluster.Payload) (cluster.Payload, error) {
	files := make([]any, 0)
	for _, f := range n.disk.ListFiles() {
		p, err := toPayload(f)
		if err != nil {
			return nil, err
		}
		files = append(files, map[string]any(p))
	}
	return cluster.Payload{"files": files}, nil
}

// rpcStoreFileChunk verifies the claimed checksum of the received bytes, then
// allocates and writes the chunk on the local disk.
func (n *Node) rpcStoreFileChunk(params cluster.Payload) (cluster.Payload, error) {
	fileID := params.String("file_id")
	chunkHex := params.String("chunk_data")
	claimed := params.String("chunk_hash")

	chunk, err := hex.DecodeString(chunkHex)
	if err != nil {
		return nil, errors.New("malformed chunk data")
	}
	if ChunkChecksum(chunk) != claimed {
		return nil, errors.New("hash mismatch")
	}

	allocated, err := n.disk.Allocate(fileID, fileID, int64(len(chunk)))
	if err != nil {
		if errors.Is(err, disk.ErrInsufficientStorage) {
			return nil, errors.New("insufficient storage")
		}
		return nil, err
	}
	if err := n.disk.Write(fileID, chunk, 0); err != nil {
		return nil, err
	}

	n.uploaded.Add(1)
	n.transferred.Add(uint64(len(chunk)))

	blocks := make([]any, len(allocated))
	for i, b := range allocated {
		blocks[i] = b
	}
	return cluster.Payload{"success": true, "blocks": blocks}, nil
}

// rpcRetrieveFileChunk reads a stored chunk back along with its checksum.
func (n *Node) rpcRetrieveFileChunk(params cluster.Payload) (cluster.Payload, error) {
	fileID := params.String("file_id")

	size, ok := n.disk.FileSize(fileID)
	if !ok {
		return nil, errors.New("Chunk not found")
	}
	chunk, err := n.disk.Read(fileID, size, 0)
	if err != nil {
		return nil, err
	}

	n.downloaded.Add(1)
	n.transferred.Add(uint64(len(chunk)))

	return cluster.Payload{
		"success":    true,
		"chunk_data": hex.EncodeToString(chunk),
		"chunk_hash": ChunkChecksum(chunk),
		"size":       len(chunk),
	}, nil
}

// ChunkChecksum is the content digest exchanged alongside chunk bytes and
// recomputed by the receiver.
func ChunkChecksum(p []byte) string {
	sum := sha256.Sum256(p)
	return hex.EncodeToString(sum[:])
}

// toPayload converts a struct into the payload form that survives the wire's
// JSON encoding.
func toPayload(v any) (cluster.Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var p cluster.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.WithStack(err)
	}
	return p, nil
}
