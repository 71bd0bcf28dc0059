package rpc

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/moonworks/cloudsim/internal/cluster"
	"github.com/moonworks/cloudsim/internal/transport"
)

// DefaultCallTimeout bounds a Call when the caller passes no timeout.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrTimeout is returned when a call's response does not arrive in time.
	// The remote side may still complete the call; its late response is
	// dropped as unmatched.
	ErrTimeout = errors.New("rpc call timed out")

	// ErrSendFailed is returned when the request could not be sent at all.
	ErrSendFailed = errors.New("rpc request send failed")
)

// Method is a callable exposed to remote nodes. It receives the caller's
// parameters and returns a result payload or an error; the error travels back
// to the caller as a string in the response payload, never as a transport
// fault.
type Method func(params cluster.Payload) (cluster.Payload, error)

// pendingCall is the result slot a blocked caller waits on. The response
// handler fills result/errMsg and closes done exactly once.
type pendingCall struct {
	done   chan struct{}
	result cluster.Payload
	errMsg string
}

// Service turns the node's asynchronous transport into synchronous remote
// method invocation. Outgoing calls are correlated to responses by a call id
// embedded in the request payload and echoed back in the response.
//
// All methods are safe for concurrent use; any number of calls may be in
// flight at once.
type Service struct {
	tr *transport.Transport

	methodsMu sync.RWMutex
	methods   map[string]Method

	callsMu sync.Mutex
	pending map[string]*pendingCall
}

// NewService creates the RPC service for a node and hooks it into the node's
// transport as the handler for rpc request and response messages.
func NewService(tr *transport.Transport) *Service {
	s := &Service{
		tr:      tr,
		methods: make(map[string]Method),
		pending: make(map[string]*pendingCall),
	}
	tr.RegisterHandler(cluster.MessageRPCRequest, s.handleRequest)
	tr.RegisterHandler(cluster.MessageRPCResponse, s.handleResponse)
	return s
}

// RegisterMethod exposes fn under name. At most one method per name: a second
// registration replaces the first.
func (s *Service) RegisterMethod(name string, fn Method) {
	s.methodsMu.Lock()
	defer s.methodsMu.Unlock()
	s.methods[name] = fn
}

// Call invokes method on the node at target and blocks until the response
// arrives or timeout elapses (DefaultCallTimeout when timeout <= 0).
//
// Failure modes, in order: a send failure fails immediately with
// ErrSendFailed; a timeout removes the pending call and fails with
// ErrTimeout; a remote-reported error string fails with that message.
func (s *Service) Call(target cluster.Addr, method string, params cluster.Payload, timeout time.Duration) (cluster.Payload, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if params == nil {
		params = cluster.Payload{}
	}

	self := s.tr.Addr()
	callID := cluster.NewMessageID(self.NodeID)

	req := cluster.NewMessage(cluster.MessageRPCRequest, self, target, cluster.Payload{
		"call_id":     callID,
		"method_name": method,
		"params":      params,
		// The inbound connection is closed by the time the remote side
		// replies, so it needs the listener port to route the response.
		"source_port": self.Port,
	})
	req.RequiresAck = true

	pc := &pendingCall{done: make(chan struct{})}
	s.callsMu.Lock()
	s.pending[callID] = pc
	s.callsMu.Unlock()

	if err := s.tr.Send(target, req); err != nil {
		s.removeCall(callID)
		return nil, errors.Wrapf(ErrSendFailed, "%s to %s: %v", method, target.HostPort(), err)
	}

	select {
	case <-pc.done:
		if pc.errMsg != "" {
			return nil, errors.Errorf("remote error from %s: %s", target.NodeID, pc.errMsg)
		}
		return pc.result, nil
	case <-time.After(timeout):
		s.removeCall(callID)
		return nil, errors.Wrapf(ErrTimeout, "%s on %s after %s", method, target.HostPort(), timeout)
	}
}

// PendingCalls returns the number of calls still awaiting a response.
func (s *Service) PendingCalls() int {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	return len(s.pending)
}

func (s *Service) removeCall(callID string) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	delete(s.pending, callID)
}

// handleRequest executes an inbound rpc request and sends the response back
// to the requester's listener port.
func (s *Service) handleRequest(msg cluster.Message) {
	callID := msg.Payload.String("call_id")
	method := msg.Payload.String("method_name")
	params := msg.Payload.Map("params")

	result, err := s.invoke(method, params)

	respPayload := cluster.Payload{
		"call_id": callID,
		"result":  result,
		"error":   nil,
	}
	if err != nil {
		respPayload["result"] = nil
		respPayload["error"] = err.Error()
	}

	self := s.tr.Addr()
	replyTo := cluster.Addr{
		NodeID: msg.Source.NodeID,
		Host:   msg.Source.Host,
		Port:   msg.Payload.Int("source_port"),
	}
	if replyTo.Port == 0 {
		replyTo.Port = msg.Source.Port
	}

	resp := cluster.NewMessage(cluster.MessageRPCResponse, self, replyTo, respPayload)
	if sendErr := s.tr.Send(replyTo, resp); sendErr != nil {
		log.Printf("node[%s] rpc response for %s undeliverable: %v", self.NodeID, method, sendErr)
	}
}

// invoke runs a registered method, converting an unknown name or a panicking
// handler into an application error.
func (s *Service) invoke(method string, params cluster.Payload) (result cluster.Payload, err error) {
	s.methodsMu.RLock()
	fn := s.methods[method]
	s.methodsMu.RUnlock()

	if fn == nil {
		return nil, errors.Errorf("method %s not found", method)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("method %s panicked: %v", method, r)
		}
	}()
	return fn(params)
}

// handleResponse completes the pending call matching an inbound response.
// Responses for unknown or already timed-out calls are dropped silently.
func (s *Service) handleResponse(msg cluster.Message) {
	callID := msg.Payload.String("call_id")

	s.callsMu.Lock()
	pc, ok := s.pending[callID]
	if ok {
		delete(s.pending, callID)
	}
	s.callsMu.Unlock()

	if !ok {
		return
	}

	pc.result = msg.Payload.Map("result")
	pc.errMsg = msg.Payload.String("error")
	close(pc.done)
}
