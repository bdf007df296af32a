// Package errors defines sentinel errors used across slotctl.
package errors

import "errors"

// Sentinel errors for topology parsing and node state.
var (
	// ErrMalformedTopologyLine indicates a CLUSTER NODES line that does not match
	// the expected record shape.
	ErrMalformedTopologyLine = errors.New("malformed topology line")

	// ErrNotInitialized indicates a node accessor was used before the first refresh.
	ErrNotInitialized = errors.New("node topology not initialized")
)

// Sentinel errors for connection/protocol.
var (
	// ErrConnection indicates the command channel to a node could not be opened
	// or broke while a command was in flight.
	ErrConnection = errors.New("connection error")

	// ErrTopologyUnavailable indicates the node failed to describe its cluster view.
	ErrTopologyUnavailable = errors.New("topology unavailable")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")
)

// Sentinel errors for cluster operations.
var (
	// ErrClusterInit indicates a peer was unreachable during initial discovery.
	ErrClusterInit = errors.New("cluster init failed")

	// ErrNodeNotFound indicates the address is not part of the known node set.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoTargetAvailable indicates the rebalance planner had a slot to move
	// but no node left to receive it.
	ErrNoTargetAvailable = errors.New("no rebalance target available")
)
