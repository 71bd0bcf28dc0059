// Package transport implements point-to-point delivery of wire messages
// between CloudSim nodes.
//
// Each node owns one Transport: a TCP listener plus outbound connection
// logic. A send opens a fresh connection, writes a single JSON-encoded
// message and closes; the receiver reads exactly one message per accepted
// connection and dispatches it by type. Heartbeats are answered inline on the
// inbound connection; acknowledgments for messages sent with RequiresAck go
// back over a fresh connection to the sender's listener.
//
// Delivery is at-most-once and best-effort. Messages sent with RequiresAck
// are tracked in a pending table; a background sweep drops entries whose ack
// never arrived within the ack timeout. Nothing is ever retransmitted — send
// failures and expired acks surface as caller-visible errors or log lines,
// never retries.
package transport
