package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"
)

// MessageType identifies the kind of wire message being exchanged.
type MessageType string

const (
	// MessageHeartbeat is a liveness probe sent between nodes.
	MessageHeartbeat MessageType = "heartbeat"
	// MessageHeartbeatAck is the inline reply to a heartbeat.
	MessageHeartbeatAck MessageType = "heartbeat_ack"
	// MessageDataTransfer carries application data requiring handler dispatch.
	MessageDataTransfer MessageType = "data_transfer"
	// MessageDataAck acknowledges receipt of a message sent with RequiresAck.
	MessageDataAck MessageType = "data_ack"
	// MessageRPCRequest carries a remote method invocation.
	MessageRPCRequest MessageType = "rpc_request"
	// MessageRPCResponse carries the result of a remote method invocation.
	MessageRPCResponse MessageType = "rpc_response"
	// MessageDiscovery asks a node to announce itself.
	MessageDiscovery MessageType = "node_discovery"
	// MessageDiscoveryAck is a node's announcement in reply to discovery.
	MessageDiscoveryAck MessageType = "node_announce"
)

// Payload holds the structured key/value body of a wire message.
// Values round-trip through JSON, so numbers decode as float64.
type Payload map[string]any

// Message is the unit of exchange between nodes. It is immutable once sent:
// senders build a new Message per send and never mutate one after handing it
// to the transport.
type Message struct {
	ID          string      `json:"message_id"`
	Type        MessageType `json:"message_type"`
	Source      Addr        `json:"source"`
	Target      Addr        `json:"target"`
	Payload     Payload     `json:"payload"`
	Timestamp   float64     `json:"timestamp"`
	RequiresAck bool        `json:"requires_ack"`
}

// NewMessage builds a message from src to dst with a fresh globally unique id.
func NewMessage(t MessageType, src, dst Addr, payload Payload) Message {
	if payload == nil {
		payload = Payload{}
	}
	return Message{
		ID:        NewMessageID(src.NodeID),
		Type:      t,
		Source:    src,
		Target:    dst,
		Payload:   payload,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// NewMessageID derives a message identifier from the sender, the current time
// and a random value, making collisions overwhelmingly unlikely without any
// cross-node coordination.
func NewMessageID(nodeID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d-%d", nodeID, time.Now().UnixNano(), rand.Int63())))
	return hex.EncodeToString(sum[:16])
}

// String returns a payload value as a string, or "" if absent or mistyped.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Int returns a payload value as an int, tolerating the float64 form JSON
// decoding produces.
func (p Payload) Int(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Bool returns a payload value as a bool, or false if absent or mistyped.
func (p Payload) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Map returns a nested payload object, or nil if absent or mistyped.
func (p Payload) Map(key string) Payload {
	switch v := p[key].(type) {
	case Payload:
		return v
	case map[string]any:
		return Payload(v)
	}
	return nil
}
