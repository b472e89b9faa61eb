// Package adapter is the boundary between the executor and the backend.
// The executor hands an adapter a step's kind, operation name, and resolved
// inputs; the adapter returns the raw JSON response or a classified error.
// Everything the executor knows about a backend goes through this contract.
package adapter

import (
	"context"
	"encoding/json"

	"github.com/bindrun/bindrun/pkg/schema"
)

// Adapter executes one backend operation. Implementations must classify
// failures as ADAPTER_TRANSIENT (retry may succeed: rate limits, server
// errors, network faults) or ADAPTER_PERMANENT (retry is pointless: bad
// input, missing operation, authorization). The returned payload is opaque
// to the executor; output extraction happens elsewhere.
type Adapter interface {
	Execute(ctx context.Context, kind schema.OperationKind, operation string, inputs map[string]any) (json.RawMessage, error)
}

// Transient wraps an error as a retryable adapter failure.
func Transient(operation, message string, cause error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeAdapterTransient, "%s: %s", operation, message).WithCause(cause)
}

// Permanent wraps an error as a non-retryable adapter failure.
func Permanent(operation, message string, cause error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeAdapterPermanent, "%s: %s", operation, message).WithCause(cause)
}
