// Package brick wraps a user transform: it builds the adapter handed to the
// transform, runs each invocation on a worker goroutine and turns returned
// and emitted values into packets for the output side.
package brick

import (
	"context"

	"github.com/wehubfusion/brickrunner/pkg/packet"
)

// Transform is the business logic of a brick.
type Transform interface {
	// Setup is called once before the first invocation.
	Setup(ctx context.Context, a *Adapter) error

	// Process handles one packet. A nil Result means no output.
	Process(ctx context.Context, inv *Invocation) (*Result, error)

	// Teardown is called exactly once when the runner stops.
	Teardown(ctx context.Context) error
}

// Stopper is implemented by inlet transforms that keep producing until told
// to stop.
type Stopper interface {
	StopProcessing()
}

// Result is the value returned by one invocation. An empty Port means the
// brick's default output port.
type Result struct {
	Value any
	Port  string
}

// Value returns a result on the default port.
func Value(v any) *Result { return &Result{Value: v} }

// ValueOn returns a result on the given port.
func ValueOn(v any, port string) *Result { return &Result{Value: v, Port: port} }

// Invocation is the input of one Process call. Values emitted through it
// are derived from the packet being processed.
type Invocation struct {
	Payload any
	Port    string

	origin *packet.Packet
	emit   func(*packet.Packet)
}

// Emit sends an additional value downstream. It may be called from other
// goroutines, also after Process has returned.
func (inv *Invocation) Emit(value any, port string) {
	inv.emit(inv.origin.Derive(port, value))
}
