// Package topology coordinates cache topologies across a meshtopo cluster.
package topology

import (
	"context"
	"encoding/json"
	"fmt"
)

// ResponseMode selects how InvokeRemotely waits for responses.
type ResponseMode int

const (
	// Sync waits for every target and reports members that left as failures.
	Sync ResponseMode = iota
	// SyncIgnoreLeavers waits for every target but drops members that left
	// the view before answering.
	SyncIgnoreLeavers
	// Async sends the command and returns without responses.
	Async
)

func (m ResponseMode) String() string {
	switch m {
	case Sync:
		return "sync"
	case SyncIgnoreLeavers:
		return "sync_ignore_leavers"
	case Async:
		return "async"
	default:
		return fmt.Sprintf("ResponseMode(%d)", int(m))
	}
}

// Response is a single member's answer to a command.
type Response struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Transport is the group communication contract the topology managers run on.
//
// View changes are delivered separately to ClusterTopologyManager.HandleView;
// Members and ViewID reflect the latest installed view.
type Transport interface {
	Address() Address
	Members() []Address
	ViewID() int64
	Coordinator() Address
	IsCoordinator() bool

	// InvokeRemotely sends cmd to targets, or to every member when targets is
	// nil. The local node is never invoked. The deadline comes from ctx.
	InvokeRemotely(ctx context.Context, targets []Address, cmd Command, mode ResponseMode) (map[Address]Response, error)
}

// View is a membership snapshot delivered by the membership layer.
type View struct {
	ID          int64     `json:"id"`
	Members     []Address `json:"members"`
	Coordinator Address   `json:"coordinator"`
	// Merge is set when the view joins previously separated partitions.
	Merge bool `json:"merge,omitempty"`
}

// CommandHandler executes commands received from other nodes.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd Command) (any, error)
}

// decodeResponse unmarshals a successful response or converts a failed one
// into a *RemoteError.
func decodeResponse(member Address, resp Response, v any) error {
	if resp.Error != "" {
		return &RemoteError{Member: member, Reason: resp.Error}
	}
	if v == nil || len(resp.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Value, v); err != nil {
		return fmt.Errorf("decode response from %s: %w", member, err)
	}
	return nil
}
