package transport

import "context"

// Transport is the pluggable wire under the connection manager. The core
// does not own a concrete transport; it only requires ordered, discrete
// delivery of typed messages. Implementations must be safe for one
// concurrent sender and one concurrent receiver.
//
// Every method suspends: Dial, Send and Receive must honor their context
// and never block past its deadline.
type Transport interface {
	// Dial establishes the underlying connection.
	Dial(ctx context.Context) error
	// Send transmits one envelope. Per connection, frames are delivered
	// in submission order.
	Send(ctx context.Context, msg *Message) error
	// Receive blocks for the next inbound envelope.
	Receive(ctx context.Context) (*Message, error)
	// Close tears the connection down. Idempotent.
	Close() error
}

// Factory builds a fresh transport per connection attempt. The connection
// manager owns the lifecycle of everything a factory returns.
type Factory func() Transport
