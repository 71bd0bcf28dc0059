// Package rpc layers synchronous remote method invocation over the
// asynchronous message transport.
//
// A call generates a correlation id, records a pending-call slot, sends an
// rpc request message and blocks on a channel until the matching response
// arrives or the timeout elapses. Correlation is by call id, not arrival
// order, so out-of-order responses are harmless and late responses for timed
// out calls are dropped as unmatched.
//
// Remote application failures — unknown method, handler error or panic —
// travel back as an error string in the response payload and surface to the
// caller as a call failure, never as a transport fault.
package rpc
