package disk

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Snapshot is the full persisted state of a disk's allocation tables. The
// disk writes one after every mutating call; persistence is full-snapshot,
// not incremental.
type Snapshot struct {
	NodeID          string          `json:"node_id"`
	CapacityBytes   int64           `json:"capacity_bytes"`
	BlockSize       int             `json:"block_size"`
	TotalBlocks     int             `json:"total_blocks"`
	AllocatedBlocks int             `json:"allocated_blocks"`
	UsedStorage     int64           `json:"used_storage"`
	Blocks          []Block         `json:"blocks"`
	Files           map[string]File `json:"files"`
}

// MetadataStore is the durable sink a disk snapshots its allocation metadata
// to. Load returns (nil, nil) when no snapshot exists yet.
type MetadataStore interface {
	Save(s Snapshot) error
	Load() (*Snapshot, error)
}

var (
	_ MetadataStore = &FileMetadataStore{}
	_ MetadataStore = &MemMetadataStore{}
)

// FileMetadataStore persists snapshots as a JSON file next to the disk image.
type FileMetadataStore struct {
	path string
}

// NewFileMetadataStore creates a store writing to path.
func NewFileMetadataStore(path string) *FileMetadataStore {
	return &FileMetadataStore{path: path}
}

// Save writes the snapshot, replacing any previous one.
func (fs *FileMetadataStore) Save(s Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(os.WriteFile(fs.path, data, 0o644), "write metadata %s", fs.path)
}

// Load reads the last saved snapshot, or (nil, nil) if none exists.
func (fs *FileMetadataStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read metadata %s", fs.path)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "decode metadata %s", fs.path)
	}
	return &s, nil
}

// MemMetadataStore keeps the snapshot in memory. Used in tests and for
// throwaway disks.
type MemMetadataStore struct {
	s *Snapshot
}

// NewMemMetadataStore creates an empty in-memory store.
func NewMemMetadataStore() *MemMetadataStore {
	return &MemMetadataStore{}
}

// Save replaces the held snapshot.
func (ms *MemMetadataStore) Save(s Snapshot) error {
	ms.s = &s
	return nil
}

// Load returns the held snapshot, or (nil, nil) if none was saved.
func (ms *MemMetadataStore) Load() (*Snapshot, error) {
	return ms.s, nil
}
