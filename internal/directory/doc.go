// Package directory aggregates the node transports of a running cluster and
// drives its discovery and liveness protocols.
//
// A Directory owns one transport per node over a shared address registry.
// Adding a node allocates its address, starts its listener and installs the
// default discovery responder. Discovery broadcasts a probe to every other
// node and counts a target as discovered once the transport accepts the send;
// heartbeats are broadcast the same way, either on demand or from the
// background heartbeat loop.
//
// The directory object is passed explicitly to everything that needs cluster
// membership; there is no package-level shared state, and all internal maps
// are mutex-guarded.
package directory
