package stage

import "github.com/cockroachdb/errors"

// ErrInvalidArgument is returned when a caller-supplied value is unusable: update data
// whose length does not match the stream's element byte length, or a destination offset
// outside the destination resource. The failed operation has no effect.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrResourceExhausted is returned when the device cannot provide a new transfer block,
// or when a pool with a block cap has no ready block to hand out. The pending update is
// abandoned rather than retried.
var ErrResourceExhausted = errors.New("device transfer resources exhausted")

// ErrIncompatibleResource is returned when a destination resource was not created with
// the capability required to receive transfer copies.
var ErrIncompatibleResource = errors.New("destination resource cannot accept transfer copies")
