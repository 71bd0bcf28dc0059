package cluster

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// ErrAddressExhausted is returned when no more addresses can be allocated.
var ErrAddressExhausted = errors.New("no more addresses available")

// Addr is the network identity of a node: its unique id plus the host and
// port its transport listens on.
type Addr struct {
	NodeID string `json:"node_id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// HostPort returns the dialable "host:port" form of the address.
func (a Addr) HostPort() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Registry allocates and tracks node addresses. It is pure bookkeeping: no
// sockets are opened here. Within one running cluster a node id and a
// (host, port) pair are each allocated at most once.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byNode   map[string]Addr // node id -> allocated address
	byHost   map[string]string
	nextHost int

	// useLocalhost pins every allocation to 127.0.0.1, the reference
	// deployment mode where nodes are distinguished by port alone.
	useLocalhost bool
}

// NewRegistry creates a registry. With useLocalhost set, every node is
// allocated 127.0.0.1 and distinguished by port; otherwise hosts are handed
// out from the 10.0.0.0/24 range.
func NewRegistry(useLocalhost bool) *Registry {
	return &Registry{
		byNode:       make(map[string]Addr),
		byHost:       make(map[string]string),
		nextHost:     1,
		useLocalhost: useLocalhost,
	}
}

// Allocate assigns an address to nodeID on the given port. Allocation is
// idempotent: a node that already holds an address gets the same one back.
// Port 0 is a placeholder for "any free port"; the caller reports the port
// actually bound via BindPort once known.
func (r *Registry) Allocate(nodeID string, port int) (Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if addr, ok := r.byNode[nodeID]; ok {
		return addr, nil
	}

	host := "127.0.0.1"
	if !r.useLocalhost {
		if r.nextHost > 254 {
			return Addr{}, errors.WithStack(ErrAddressExhausted)
		}
		host = fmt.Sprintf("10.0.0.%d", r.nextHost)
		r.nextHost++
	}

	addr := Addr{NodeID: nodeID, Host: host, Port: port}
	if port != 0 {
		key := addr.HostPort()
		if owner, taken := r.byHost[key]; taken {
			return Addr{}, errors.Errorf("address %s already allocated to node %s", key, owner)
		}
		r.byHost[key] = nodeID
	}

	r.byNode[nodeID] = addr
	return addr, nil
}

// BindPort records the port a node's listener actually bound, replacing the
// placeholder requested at allocation time. Rebinding to the port already held
// is a no-op.
func (r *Registry) BindPort(nodeID string, port int) (Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr, ok := r.byNode[nodeID]
	if !ok {
		return Addr{}, errors.Errorf("node %s holds no address", nodeID)
	}
	if addr.Port == port {
		return addr, nil
	}

	delete(r.byHost, addr.HostPort())
	addr.Port = port
	key := addr.HostPort()
	if owner, taken := r.byHost[key]; taken {
		return Addr{}, errors.Errorf("address %s already allocated to node %s", key, owner)
	}

	r.byNode[nodeID] = addr
	r.byHost[key] = nodeID
	return addr, nil
}

// Lookup returns the address allocated to nodeID.
func (r *Registry) Lookup(nodeID string) (Addr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.byNode[nodeID]
	return addr, ok
}

// NodeAt returns the node id that holds the given host:port, if any.
func (r *Registry) NodeAt(hostPort string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHost[hostPort]
	return id, ok
}

// Release frees the address held by nodeID. Returns false if the node holds
// no address.
func (r *Registry) Release(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr, ok := r.byNode[nodeID]
	if !ok {
		return false
	}
	delete(r.byNode, nodeID)
	delete(r.byHost, addr.HostPort())
	return true
}

// Addresses returns a snapshot of all current allocations keyed by node id.
func (r *Registry) Addresses() map[string]Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Addr, len(r.byNode))
	for id, addr := range r.byNode {
		out[id] = addr
	}
	return out
}
