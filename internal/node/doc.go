// Package node assembles the per-node runtime and the file distribution
// algorithm on top of it.
//
// A Node joins the cluster directory, starts its transport, and exposes the
// RPC surface every node provides: ping, get_storage_info, list_files,
// store_file_chunk, retrieve_file_chunk. Chunk storage verifies the claimed
// checksum of the received bytes before allocating and writing them to the
// node's disk.
//
// Distribution splits a file into fixed-size chunks, derives the file id
// from a digest of the content, and places each chunk on exactly one remote
// node chosen round-robin over the candidate set (all known nodes but the
// initiator). The replication factor is reported but advisory: one copy per
// chunk is stored. Individual chunk failures are logged and skipped, so a
// distribution can succeed partially; the resulting placement map is
// persisted to the initiator's own disk and drives RetrieveFile reassembly.
package node
