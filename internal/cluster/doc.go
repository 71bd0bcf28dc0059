// Package cluster defines the leaf types shared by every part of the
// CloudSim runtime: node addresses, the address registry, and the wire
// message exchanged between node transports.
//
// # Overview
//
// The package is pure bookkeeping. It opens no sockets and starts no
// goroutines; the transport, directory and rpc packages build the actual
// distributed behavior on top of these types.
//
// # Core Components
//
// Addr: The network identity of a node
//   - Unique node id plus listening host and port
//   - Allocated once for a node's lifetime, released on shutdown
//
// Registry: Allocates and tracks node addresses
//   - Node id and (host, port) pair are each unique within a cluster
//   - Localhost mode pins every node to 127.0.0.1, distinguished by port
//   - Thread-safe via sync.RWMutex
//
// Message: The unit of inter-node exchange
//   - Globally unique id derived from sender, time and a random value
//   - Typed (heartbeat, data transfer, rpc request/response, discovery, acks)
//   - Structured key/value payload that round-trips through JSON
//   - Immutable once handed to a transport
//
// # Wire Format
//
// Messages are serialized as a single JSON object per TCP connection; there
// is no length-prefix framing because the transport's contract is exactly one
// message per connection. Payload values therefore follow JSON's type model:
// numbers decode as float64, which the Payload accessors normalize.
//
// # See Also
//
// Related packages:
//   - internal/transport: point-to-point delivery of Messages
//   - internal/directory: discovery and liveness over a shared Registry
//   - internal/rpc: synchronous calls correlated by ids carried in payloads
package cluster
