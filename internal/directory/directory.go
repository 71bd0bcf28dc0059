package directory

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/moonworks/cloudsim/internal/cluster"
	"github.com/moonworks/cloudsim/internal/transport"
)

// DefaultHeartbeatInterval is how often the heartbeat loop probes the
// cluster.
const DefaultHeartbeatInterval = 10 * time.Second

// ErrUnknownNode is returned for operations against a node id the directory
// has never seen.
var ErrUnknownNode = errors.New("unknown node")

// Info is the monitoring view of the directory: counts plus the id->address
// and id->status maps. All maps are copies.
type Info struct {
	TotalNodes  int                     `json:"total_nodes"`
	ActiveNodes int                     `json:"active_nodes"`
	Addresses   map[string]cluster.Addr `json:"node_addresses"`
	Status      map[string]bool         `json:"node_status"`
}

// Directory owns the collection of node transports sharing one address
// registry and provides discovery and liveness for the cluster. It replaces
// any notion of ambient global state: every component that needs cluster
// membership is handed a *Directory explicitly.
//
// All methods are safe for concurrent use.
type Directory struct {
	registry *cluster.Registry

	mu         sync.RWMutex
	transports map[string]*transport.Transport
	status     map[string]bool // node id -> considered active

	heartbeatInterval time.Duration
	heartbeatOn       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty directory backed by a fresh address registry.
func New(useLocalhost bool) *Directory {
	ctx, cancel := context.WithCancel(context.Background())
	return &Directory{
		registry:          cluster.NewRegistry(useLocalhost),
		transports:        make(map[string]*transport.Transport),
		status:            make(map[string]bool),
		heartbeatInterval: DefaultHeartbeatInterval,
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Registry exposes the shared address registry.
func (d *Directory) Registry() *cluster.Registry {
	return d.registry
}

// AddNode allocates an address for nodeID, starts a transport on it,
// registers the default discovery responder and marks the node active.
// A bind failure releases the allocation and is returned to the caller.
func (d *Directory) AddNode(nodeID string, port int) (*transport.Transport, error) {
	addr, err := d.registry.Allocate(nodeID, port)
	if err != nil {
		return nil, err
	}

	tr := transport.New(addr)
	if err := tr.Start(); err != nil {
		d.registry.Release(nodeID)
		return nil, err
	}

	// An ephemeral allocation (port 0) is bound by the kernel; record the
	// real port so lookups return a dialable address.
	if _, err := d.registry.BindPort(nodeID, tr.Addr().Port); err != nil {
		tr.Stop()
		d.registry.Release(nodeID)
		return nil, err
	}

	// Discovery responder: announce ourselves to whoever asked. The reply
	// goes to the prober's listener port carried in the payload, since the
	// inbound connection is gone by now.
	tr.RegisterHandler(cluster.MessageDiscovery, func(msg cluster.Message) {
		self := tr.Addr()
		replyTo := cluster.Addr{
			NodeID: msg.Source.NodeID,
			Host:   msg.Source.Host,
			Port:   msg.Payload.Int("port"),
		}
		announce := cluster.NewMessage(cluster.MessageDiscoveryAck, self, replyTo, cluster.Payload{
			"node_id": self.NodeID,
			"status":  "active",
			"port":    self.Port,
		})
		if err := tr.Send(replyTo, announce); err != nil {
			log.Printf("node[%s] discovery announce to %s failed: %v", self.NodeID, replyTo.HostPort(), err)
		}
	})

	d.mu.Lock()
	d.transports[nodeID] = tr
	d.status[nodeID] = true
	d.mu.Unlock()

	return tr, nil
}

// RemoveNode stops a single node's transport and releases its address.
func (d *Directory) RemoveNode(nodeID string) error {
	d.mu.Lock()
	tr, ok := d.transports[nodeID]
	if ok {
		delete(d.transports, nodeID)
		delete(d.status, nodeID)
	}
	d.mu.Unlock()

	if !ok {
		return errors.Wrap(ErrUnknownNode, nodeID)
	}
	tr.Stop()
	d.registry.Release(nodeID)
	return nil
}

// Transport returns the transport owned by nodeID.
func (d *Directory) Transport(nodeID string) (*transport.Transport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tr, ok := d.transports[nodeID]
	return tr, ok
}

// Discover sends a discovery message from nodeID to every other known node.
// A target counts as discovered when the transport accepts the send; the
// directory does not wait for the announce reply. Discovered targets are
// marked active.
func (d *Directory) Discover(nodeID string) ([]string, error) {
	d.mu.RLock()
	tr, ok := d.transports[nodeID]
	peers := d.peersLocked(nodeID)
	d.mu.RUnlock()

	if !ok {
		return nil, errors.Wrap(ErrUnknownNode, nodeID)
	}

	self := tr.Addr()
	var discovered []string
	for _, peer := range peers {
		msg := cluster.NewMessage(cluster.MessageDiscovery, self, peer.Addr(), cluster.Payload{
			"port": self.Port,
		})
		if err := tr.Send(peer.Addr(), msg); err != nil {
			log.Printf("node[%s] discovery of %s failed: %v", nodeID, peer.Addr().NodeID, err)
			continue
		}
		discovered = append(discovered, peer.Addr().NodeID)
	}

	d.mu.Lock()
	for _, id := range discovered {
		d.status[id] = true
	}
	d.mu.Unlock()

	sort.Strings(discovered)
	return discovered, nil
}

// Heartbeat sends a heartbeat from nodeID to every other known node. Replies
// are answered inline by the receiving transports; this method does not
// update liveness itself.
func (d *Directory) Heartbeat(nodeID string) error {
	d.mu.RLock()
	tr, ok := d.transports[nodeID]
	peers := d.peersLocked(nodeID)
	d.mu.RUnlock()

	if !ok {
		return errors.Wrap(ErrUnknownNode, nodeID)
	}

	self := tr.Addr()
	for _, peer := range peers {
		hb := cluster.NewMessage(cluster.MessageHeartbeat, self, peer.Addr(), cluster.Payload{
			"node_id": nodeID,
		})
		if err := tr.Send(peer.Addr(), hb); err != nil {
			log.Printf("node[%s] heartbeat to %s failed: %v", nodeID, peer.Addr().NodeID, err)
		}
	}
	return nil
}

// peersLocked returns all transports except nodeID's. Callers hold d.mu.
func (d *Directory) peersLocked(nodeID string) []*transport.Transport {
	peers := make([]*transport.Transport, 0, len(d.transports))
	for id, tr := range d.transports {
		if id != nodeID {
			peers = append(peers, tr)
		}
	}
	return peers
}

// StartHeartbeatLoop runs Heartbeat for every node at the configured interval
// until Stop is called. Starting an already running loop is a no-op.
func (d *Directory) StartHeartbeatLoop() {
	d.mu.Lock()
	if d.heartbeatOn {
		d.mu.Unlock()
		return
	}
	d.heartbeatOn = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.heartbeatInterval)
		defer ticker.Stop()

		log.Printf("directory heartbeat loop started with interval %v", d.heartbeatInterval)
		for {
			select {
			case <-ticker.C:
				d.mu.RLock()
				ids := make([]string, 0, len(d.transports))
				for id := range d.transports {
					ids = append(ids, id)
				}
				d.mu.RUnlock()

				for _, id := range ids {
					if err := d.Heartbeat(id); err != nil {
						log.Printf("heartbeat for %s: %v", id, err)
					}
				}
			case <-d.ctx.Done():
				log.Printf("directory heartbeat loop stopped")
				return
			}
		}
	}()
}

// Stop stops the heartbeat loop, every owned transport, and releases every
// address.
func (d *Directory) Stop() {
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	transports := d.transports
	d.transports = make(map[string]*transport.Transport)
	d.status = make(map[string]bool)
	d.mu.Unlock()

	for id, tr := range transports {
		tr.Stop()
		d.registry.Release(id)
	}
}

// GetInfo returns node counts plus copies of the address and status maps.
func (d *Directory) GetInfo() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info := Info{
		TotalNodes: len(d.transports),
		Addresses:  make(map[string]cluster.Addr, len(d.transports)),
		Status:     make(map[string]bool, len(d.status)),
	}
	for id, tr := range d.transports {
		info.Addresses[id] = tr.Addr()
	}
	for id, active := range d.status {
		info.Status[id] = active
		if active {
			info.ActiveNodes++
		}
	}
	return info
}
