package transport

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/moonworks/cloudsim/internal/cluster"
)

const (
	// DefaultAckTimeout is how long a sent message waits for its data ack
	// before the pending entry is dropped. There is no retransmission:
	// delivery is at-most-once, best-effort.
	DefaultAckTimeout = 5 * time.Second

	// dialTimeout bounds outbound connection attempts.
	dialTimeout = 10 * time.Second

	// ackSweepInterval is how often the expiry loop scans pending acks.
	ackSweepInterval = time.Second
)

// Handler processes an inbound message of a registered type. Handlers run on
// the goroutine serving the accepted connection, one per connection.
type Handler func(msg cluster.Message)

// pendingAck tracks a sent message awaiting acknowledgment.
type pendingAck struct {
	msg    cluster.Message
	sentAt time.Time
}

// Transport provides reliable-effort point-to-point delivery of wire messages
// for a single node: a TCP listener for inbound traffic, one outbound
// connection per send, a dispatch table keyed by message type, and tracking
// of messages awaiting acknowledgment.
//
// The wire contract is exactly one JSON-encoded message per connection.
// Heartbeats are answered inline on the inbound connection; data acks travel
// back over a fresh connection to the sender's listener, since the sender
// closes its end right after writing.
//
// All methods are safe for concurrent use.
type Transport struct {
	addr     cluster.Addr
	listener net.Listener

	handlersMu sync.RWMutex
	handlers   map[cluster.MessageType]Handler

	acksMu      sync.Mutex
	pendingAcks map[string]pendingAck
	ackTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a transport bound to addr. The listener is not opened until
// Start is called.
func New(addr cluster.Addr) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		addr:        addr,
		handlers:    make(map[cluster.MessageType]Handler),
		pendingAcks: make(map[string]pendingAck),
		ackTimeout:  DefaultAckTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Addr returns the address this transport serves.
func (t *Transport) Addr() cluster.Addr {
	return t.addr
}

// Start binds the listener and spawns the accept and ack-expiry loops.
// A bind failure is a configuration error (address already in use) and is
// returned to the caller; it is not retried.
func (t *Transport) Start() error {
	ln, err := net.Listen("tcp", t.addr.HostPort())
	if err != nil {
		return errors.Wrapf(err, "node[%s] cannot bind %s", t.addr.NodeID, t.addr.HostPort())
	}
	t.listener = ln

	// Port 0 asks the kernel for a free port; publish the real one.
	if t.addr.Port == 0 {
		t.addr.Port = ln.Addr().(*net.TCPAddr).Port
	}

	t.wg.Add(2)
	go t.acceptLoop()
	go t.ackExpiryLoop()

	log.Printf("node[%s] transport listening on %s", t.addr.NodeID, t.addr.HostPort())
	return nil
}

// Stop closes the listener and waits for the background loops to exit.
func (t *Transport) Stop() {
	t.cancel()
	if t.listener != nil {
		t.listener.Close()
	}
	t.wg.Wait()
}

// RegisterHandler associates a handler with a message type. At most one
// handler per type: a second registration replaces the first.
func (t *Transport) RegisterHandler(mt cluster.MessageType, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[mt] = h
}

// Send opens a new connection to target, writes msg and closes. Failures are
// reported to the caller and never retried. When msg.RequiresAck is set a
// pending acknowledgment entry is recorded before returning.
func (t *Transport) Send(target cluster.Addr, msg cluster.Message) error {
	conn, err := net.DialTimeout("tcp", target.HostPort(), dialTimeout)
	if err != nil {
		return errors.Wrapf(err, "node[%s] connect %s", t.addr.NodeID, target.HostPort())
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return errors.Wrapf(err, "node[%s] send %s to %s", t.addr.NodeID, msg.Type, target.HostPort())
	}

	if msg.RequiresAck {
		t.acksMu.Lock()
		t.pendingAcks[msg.ID] = pendingAck{msg: msg, sentAt: time.Now()}
		t.acksMu.Unlock()
	}
	return nil
}

// PendingAcks returns the number of messages still awaiting acknowledgment.
func (t *Transport) PendingAcks() int {
	t.acksMu.Lock()
	defer t.acksMu.Unlock()
	return len(t.pendingAcks)
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				log.Printf("node[%s] accept error: %v", t.addr.NodeID, err)
				continue
			}
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleConn(conn)
		}()
	}
}

// handleConn reads exactly one message from the connection and processes it.
func (t *Transport) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(dialTimeout))

	var msg cluster.Message
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		log.Printf("node[%s] bad message from %s: %v", t.addr.NodeID, conn.RemoteAddr(), err)
		return
	}

	t.process(msg, conn)
}

func (t *Transport) process(msg cluster.Message, conn net.Conn) {
	switch msg.Type {
	case cluster.MessageHeartbeat:
		reply := cluster.NewMessage(cluster.MessageHeartbeatAck, t.addr, msg.Source, cluster.Payload{
			"node_id": t.addr.NodeID,
			"status":  "alive",
		})
		t.replyInline(conn, reply)
		return

	case cluster.MessageDataAck:
		t.handleAck(msg)
		return
	}

	if h := t.handler(msg.Type); h != nil {
		h(msg)
	} else {
		log.Printf("node[%s] no handler for message type %s, dropping", t.addr.NodeID, msg.Type)
	}

	// The sender closed its end of this connection after writing, so the ack
	// goes back over a fresh one to its listener. Receipt is acknowledged even
	// when no handler consumed the message.
	if msg.RequiresAck {
		ack := cluster.NewMessage(cluster.MessageDataAck, t.addr, msg.Source, cluster.Payload{
			"original_message_id": msg.ID,
		})
		if err := t.Send(msg.Source, ack); err != nil {
			log.Printf("node[%s] ack for message %s undeliverable: %v", t.addr.NodeID, msg.ID, err)
		}
	}
}

func (t *Transport) handler(mt cluster.MessageType) Handler {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	return t.handlers[mt]
}

// replyInline writes a reply on the inbound connection. The peer may already
// have closed its end; the reply is then lost, which the protocol tolerates.
func (t *Transport) replyInline(conn net.Conn, msg cluster.Message) {
	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		log.Printf("node[%s] inline reply %s dropped: %v", t.addr.NodeID, msg.Type, err)
	}
}

// handleAck removes the pending entry matching an inbound data ack. Unmatched
// acks are logged and dropped.
func (t *Transport) handleAck(ack cluster.Message) {
	id := ack.Payload.String("original_message_id")

	t.acksMu.Lock()
	defer t.acksMu.Unlock()

	if _, ok := t.pendingAcks[id]; !ok {
		log.Printf("node[%s] unmatched ack for message %s", t.addr.NodeID, id)
		return
	}
	delete(t.pendingAcks, id)
}

// ackExpiryLoop drops pending acknowledgments older than the ack timeout.
// Expired entries are discarded, not retried.
func (t *Transport) ackExpiryLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(ackSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.expireAcks(time.Now())
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) expireAcks(now time.Time) {
	t.acksMu.Lock()
	defer t.acksMu.Unlock()

	for id, entry := range t.pendingAcks {
		if now.Sub(entry.sentAt) > t.ackTimeout {
			log.Printf("node[%s] ack timeout for message %s (%s)", t.addr.NodeID, id, entry.msg.Type)
			delete(t.pendingAcks, id)
		}
	}
}
