package disk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Default disk geometry of the reference deployment: 2 GiB capacity in
// 64 KiB blocks.
const (
	DefaultCapacity  = 2 << 30
	DefaultBlockSize = 64 << 10
)

var (
	// ErrInsufficientStorage is returned when fewer free blocks exist than
	// an allocation requires. Nothing is allocated in that case.
	ErrInsufficientStorage = errors.New("insufficient storage")

	// ErrUnknownFile is returned for operations on a file id the disk has no
	// allocation for.
	ErrUnknownFile = errors.New("unknown file")

	// ErrFileExists is returned when allocating a file id that already has
	// an allocation on this disk.
	ErrFileExists = errors.New("file already exists")
)

// BlockStatus is the allocation state of a storage block.
type BlockStatus string

const (
	// BlockFree means the block belongs to no file.
	BlockFree BlockStatus = "FREE"
	// BlockAllocated means the block is owned by a file but holds no data yet.
	BlockAllocated BlockStatus = "ALLOCATED"
	// BlockOccupied means data has been written to the block.
	BlockOccupied BlockStatus = "OCCUPIED"
)

// Block is one fixed-size unit of the virtual disk. Blocks are created once
// at disk initialization and never resized.
type Block struct {
	ID       int         `json:"block_id"`
	Offset   int64       `json:"start_offset"`
	Size     int         `json:"size"`
	Status   BlockStatus `json:"status"`
	FileID   string      `json:"file_id,omitempty"`
	Checksum string      `json:"checksum,omitempty"`
}

// File is the allocation record of one virtual file: its declared size and
// the ordered blocks it owns.
type File struct {
	ID        string    `json:"file_id"`
	Name      string    `json:"filename"`
	Size      int64     `json:"size"`
	Blocks    []int     `json:"blocks"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum"`
}

// StorageInfo is the monitoring view of a disk's utilization.
type StorageInfo struct {
	NodeID          string  `json:"node_id"`
	CapacityBytes   int64   `json:"capacity_bytes"`
	BlockSize       int     `json:"block_size"`
	TotalBlocks     int     `json:"total_blocks"`
	AllocatedBlocks int     `json:"allocated_blocks"`
	FreeBlocks      int     `json:"free_blocks"`
	UsedStorage     int64   `json:"used_storage"`
	FreeStorage     int64   `json:"free_storage"`
	Utilization     float64 `json:"utilization_percent"`
	FilesStored     int     `json:"files_stored"`
}

// FileInfo is one entry of the file listing view.
type FileInfo struct {
	ID         string    `json:"file_id"`
	Name       string    `json:"filename"`
	Size       int64     `json:"size"`
	BlockCount int       `json:"blocks_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// BlockMapEntry is one entry of the block allocation map view.
type BlockMapEntry struct {
	BlockID int         `json:"block_id"`
	Status  BlockStatus `json:"status"`
	FileID  string      `json:"file_id,omitempty"`
	HasData bool        `json:"has_data"`
}

// Disk is a node's fixed-capacity virtual block device with a file-level
// allocation index on top. Capacity is total blocks times block size, fixed
// at creation; a capacity remainder smaller than one block is unusable.
//
// Every mutating operation is applied atomically with respect to the
// allocation tables: one mutation is in flight at a time per disk, and each
// persists a metadata snapshot before returning.
type Disk struct {
	nodeID    string
	capacity  int64
	blockSize int

	dev  Dev
	meta MetadataStore

	mu              sync.Mutex
	blocks          []Block
	files           map[string]File
	allocatedBlocks int
	usedStorage     int64
}

// New creates a disk on dev with the given geometry, restoring allocation
// state from meta when a matching snapshot exists.
func New(nodeID string, capacity int64, blockSize int, dev Dev, meta MetadataStore) (*Disk, error) {
	if blockSize <= 0 {
		return nil, errors.Errorf("invalid block size: %d", blockSize)
	}
	totalBlocks := int(capacity / int64(blockSize))
	if totalBlocks <= 0 {
		return nil, errors.Errorf("capacity %d holds no %d-byte blocks", capacity, blockSize)
	}

	d := &Disk{
		nodeID:    nodeID,
		capacity:  capacity,
		blockSize: blockSize,
		dev:       dev,
		meta:      meta,
		blocks:    make([]Block, totalBlocks),
		files:     make(map[string]File),
	}
	for i := range d.blocks {
		d.blocks[i] = Block{
			ID:     i,
			Offset: int64(i) * int64(blockSize),
			Size:   blockSize,
			Status: BlockFree,
		}
	}

	if err := d.restore(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewMemory creates a disk backed by an in-memory device and metadata store.
func NewMemory(nodeID string, capacity int64, blockSize int) (*Disk, error) {
	return New(nodeID, capacity, blockSize, NewMemDev(capacity), NewMemMetadataStore())
}

// restore loads the last metadata snapshot, if any. A snapshot with a
// different geometry is ignored rather than misapplied.
func (d *Disk) restore() error {
	s, err := d.meta.Load()
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	if s.TotalBlocks != len(d.blocks) || s.BlockSize != d.blockSize {
		return errors.Errorf("metadata snapshot geometry mismatch: %d blocks of %d bytes, disk has %d of %d",
			s.TotalBlocks, s.BlockSize, len(d.blocks), d.blockSize)
	}

	copy(d.blocks, s.Blocks)
	d.files = make(map[string]File, len(s.Files))
	for id, f := range s.Files {
		d.files[id] = f
	}
	d.allocatedBlocks = s.AllocatedBlocks
	d.usedStorage = s.UsedStorage
	return nil
}

// snapshotLocked builds the persistable state. Callers hold d.mu.
func (d *Disk) snapshotLocked() Snapshot {
	blocks := make([]Block, len(d.blocks))
	copy(blocks, d.blocks)
	files := make(map[string]File, len(d.files))
	for id, f := range d.files {
		files[id] = f
	}
	return Snapshot{
		NodeID:          d.nodeID,
		CapacityBytes:   d.capacity,
		BlockSize:       d.blockSize,
		TotalBlocks:     len(d.blocks),
		AllocatedBlocks: d.allocatedBlocks,
		UsedStorage:     d.usedStorage,
		Blocks:          blocks,
		Files:           files,
	}
}

// BlockSize returns the uniform block size of this disk.
func (d *Disk) BlockSize() int {
	return d.blockSize
}

// Allocate reserves blocks for a new file of the declared size and records
// the file. Free blocks are taken in block-id order; they need not be
// contiguous. When fewer free blocks exist than required, nothing is
// allocated and ErrInsufficientStorage is returned.
func (d *Disk) Allocate(fileID, name string, size int64) ([]int, error) {
	required := int((size + int64(d.blockSize) - 1) / int64(d.blockSize))

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.files[fileID]; exists {
		return nil, errors.Wrap(ErrFileExists, fileID)
	}

	var free []int
	for i := range d.blocks {
		if d.blocks[i].Status == BlockFree {
			free = append(free, i)
			if len(free) == required {
				break
			}
		}
	}
	if len(free) < required {
		return nil, errors.Wrapf(ErrInsufficientStorage, "%d blocks required, %d free", required, len(free))
	}

	allocated := make([]int, 0, required)
	for _, id := range free {
		d.blocks[id].Status = BlockAllocated
		d.blocks[id].FileID = fileID
		allocated = append(allocated, id)
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%d", fileID, name, size)))
	d.files[fileID] = File{
		ID:        fileID,
		Name:      name,
		Size:      size,
		Blocks:    allocated,
		CreatedAt: time.Now(),
		Checksum:  hex.EncodeToString(sum[:]),
	}
	d.allocatedBlocks += required
	d.usedStorage += size

	if err := d.meta.Save(d.snapshotLocked()); err != nil {
		return nil, err
	}
	return allocated, nil
}

// Write stores data into the file's blocks starting at offset, splitting it
// across block boundaries in the file's block order. Touched blocks become
// occupied and get a checksum of the bytes just written to them. Data
// extending past the file's last block is dropped.
func (d *Disk) Write(fileID string, data []byte, offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.files[fileID]
	if !ok {
		return errors.Wrap(ErrUnknownFile, fileID)
	}

	startBlock := int(offset / int64(d.blockSize))
	blockOffset := int(offset % int64(d.blockSize))

	written := 0
	for _, blockID := range f.Blocks[min(startBlock, len(f.Blocks)):] {
		if written >= len(data) {
			break
		}
		b := &d.blocks[blockID]
		n := min(len(data)-written, d.blockSize-blockOffset)
		part := data[written : written+n]

		if _, err := d.dev.Seek(b.Offset+int64(blockOffset), io.SeekStart); err != nil {
			return err
		}
		if _, err := d.dev.Write(part); err != nil {
			return errors.Wrapf(err, "write block %d of %s", blockID, fileID)
		}

		b.Status = BlockOccupied
		b.Checksum = blockChecksum(part)

		written += n
		blockOffset = 0 // only the first block starts mid-block
	}

	if err := d.dev.Sync(); err != nil {
		return err
	}
	return d.meta.Save(d.snapshotLocked())
}

// Read returns up to size bytes of the file starting at offset, concatenated
// across its blocks in order. Checksums are never validated here; they are an
// inspection signal, not an enforced guarantee.
func (d *Disk) Read(fileID string, size, offset int64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.files[fileID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownFile, fileID)
	}

	startBlock := int(offset / int64(d.blockSize))
	blockOffset := int(offset % int64(d.blockSize))

	data := make([]byte, 0, size)
	for _, blockID := range f.Blocks[min(startBlock, len(f.Blocks)):] {
		if int64(len(data)) >= size {
			break
		}
		b := d.blocks[blockID]
		n := min(int(size)-len(data), d.blockSize-blockOffset)

		if _, err := d.dev.Seek(b.Offset+int64(blockOffset), io.SeekStart); err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(d.dev, buf); err != nil {
			return nil, errors.Wrapf(err, "read block %d of %s", blockID, fileID)
		}
		data = append(data, buf...)

		blockOffset = 0
	}
	return data, nil
}

// Delete frees every block the file owns, zeroes their stored bytes, removes
// the file record and persists the shrunken tables.
func (d *Disk) Delete(fileID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.files[fileID]
	if !ok {
		return errors.Wrap(ErrUnknownFile, fileID)
	}

	zero := make([]byte, d.blockSize)
	for _, blockID := range f.Blocks {
		b := &d.blocks[blockID]
		if _, err := d.dev.Seek(b.Offset, io.SeekStart); err != nil {
			return err
		}
		if _, err := d.dev.Write(zero); err != nil {
			return errors.Wrapf(err, "zero block %d of %s", blockID, fileID)
		}
		b.Status = BlockFree
		b.FileID = ""
		b.Checksum = ""
	}

	d.allocatedBlocks -= len(f.Blocks)
	d.usedStorage -= f.Size
	delete(d.files, fileID)

	if err := d.dev.Sync(); err != nil {
		return err
	}
	return d.meta.Save(d.snapshotLocked())
}

// GetStorageInfo reports the disk's utilization. Read-only.
func (d *Disk) GetStorageInfo() StorageInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	return StorageInfo{
		NodeID:          d.nodeID,
		CapacityBytes:   d.capacity,
		BlockSize:       d.blockSize,
		TotalBlocks:     len(d.blocks),
		AllocatedBlocks: d.allocatedBlocks,
		FreeBlocks:      len(d.blocks) - d.allocatedBlocks,
		UsedStorage:     d.usedStorage,
		FreeStorage:     d.capacity - d.usedStorage,
		Utilization:     float64(d.usedStorage) / float64(d.capacity) * 100,
		FilesStored:     len(d.files),
	}
}

// ListFiles reports every stored file. Read-only.
func (d *Disk) ListFiles() []FileInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]FileInfo, 0, len(d.files))
	for _, f := range d.files {
		out = append(out, FileInfo{
			ID:         f.ID,
			Name:       f.Name,
			Size:       f.Size,
			BlockCount: len(f.Blocks),
			CreatedAt:  f.CreatedAt,
		})
	}
	return out
}

// GetBlockMap reports the allocation state of every block. Read-only.
func (d *Disk) GetBlockMap() []BlockMapEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]BlockMapEntry, len(d.blocks))
	for i, b := range d.blocks {
		out[i] = BlockMapEntry{
			BlockID: b.ID,
			Status:  b.Status,
			FileID:  b.FileID,
			HasData: b.Status == BlockOccupied,
		}
	}
	return out
}

// HasFile reports whether the disk holds an allocation for fileID.
func (d *Disk) HasFile(fileID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.files[fileID]
	return ok
}

// FileSize returns the declared size of a stored file.
func (d *Disk) FileSize(fileID string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[fileID]
	return f.Size, ok
}

// blockChecksum hashes the bytes written to one block.
func blockChecksum(p []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(p))
}
