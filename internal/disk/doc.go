// Package disk implements the per-node virtual block store: a fixed table of
// uniform blocks on a seekable device, with a file-level allocation index on
// top.
//
// # Model
//
// A disk is created with a capacity and block size; block count is their
// integer quotient and never changes. Allocation takes free blocks first-fit
// in block-id order (not necessarily contiguous), writes split data across
// block boundaries and checksum each touched block, reads concatenate across
// the file's blocks, and deletion frees and zeroes everything a file owned.
//
// # Persistence
//
// The allocation table and file index are snapshotted to a MetadataStore
// after every mutating call and restored at construction, so a disk survives
// a node restart. Snapshots are full, not incremental.
//
// # Devices
//
// Bytes live on a Dev, a seek/read/write/sync abstraction with two
// implementations: MemDev for tests and throwaway disks, FileDev for a
// sparse on-host disk image.
//
// # Concurrency
//
// One mutation is in flight at a time per disk; a mutex serializes all table
// access, so allocated_blocks + free_blocks == total_blocks holds after every
// operation.
package disk
