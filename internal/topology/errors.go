// Package topology coordinates cache topologies across a meshtopo cluster.
package topology

import (
	"errors"
	"fmt"
)

var (
	// ErrShuttingDown is returned when the topology manager is stopping.
	ErrShuttingDown = errors.New("topology: shutting down")

	// ErrNoRebalanceInProgress reports a confirmation for a store that never
	// started a rebalance.
	ErrNoRebalanceInProgress = errors.New("topology: no rebalance in progress")

	// ErrUnsuccessfulResponse reports a failed remote invocation.
	ErrUnsuccessfulResponse = errors.New("topology: unsuccessful response")

	// ErrNotCoordinator is returned when a coordinator-only request reaches
	// another node.
	ErrNotCoordinator = errors.New("topology: not coordinator")

	// ErrUnknownCommand is returned for an unrecognised command type.
	ErrUnknownCommand = errors.New("topology: unknown command")

	// ErrUnknownHashFactory is returned when a join names an unregistered
	// hash factory.
	ErrUnknownHashFactory = errors.New("topology: unknown hash factory")

	// ErrRebalanceInProgress is returned when a rebalance is started while
	// another one has not finished.
	ErrRebalanceInProgress = errors.New("topology: rebalance already in progress")

	// ErrUnknownStore is returned for a store without status.
	ErrUnknownStore = errors.New("topology: unknown store")
)

// RemoteError is a failure returned by one member of a remote invocation.
type RemoteError struct {
	Member Address
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("topology: member %s: %s", e.Member, e.Reason)
}

// Unwrap makes RemoteError match ErrUnsuccessfulResponse.
func (e *RemoteError) Unwrap() error {
	return ErrUnsuccessfulResponse
}
