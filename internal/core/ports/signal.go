package ports

import (
	"context"
	"encoding/json"
)

// Result is delivered to an Emit callback exactly once.
type Result struct {
	Data json.RawMessage
	Err  error
}

// Callback receives the outcome of an emitted event.
type Callback func(Result)

// Signaler is the control-channel surface services depend on.
type Signaler interface {
	// Emit sends or queues an event; cb may be nil.
	Emit(event string, payload any, cb Callback)
	// Request emits and blocks until the outcome, decoding the response into out when non-nil.
	Request(ctx context.Context, event string, payload any, out any) error
}
