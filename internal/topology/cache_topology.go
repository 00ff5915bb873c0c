// Package topology coordinates cache topologies across a meshtopo cluster.
package topology

import (
	"fmt"
	"log/slog"
	"time"
)

// CacheTopology is one immutable version of a store's hash assignment.
//
// PendingCH is non-nil only while a rebalance is in progress. A new version
// is always a new value; callers must not mutate a published topology.
type CacheTopology struct {
	TopologyID int   `json:"topology_id"`
	CurrentCH  *Hash `json:"current_ch"`
	PendingCH  *Hash `json:"pending_ch,omitempty"`
}

// Members returns the union of the current and pending members, current
// members first.
func (t *CacheTopology) Members() []Address {
	if t == nil {
		return nil
	}
	return unionMembers(t.CurrentCH, t.PendingCH)
}

// RebalanceInProgress reports whether a pending hash is installed.
func (t *CacheTopology) RebalanceInProgress() bool {
	return t != nil && t.PendingCH != nil
}

// ReadCH returns the hash used for reads.
func (t *CacheTopology) ReadCH() *Hash {
	if t == nil {
		return nil
	}
	return t.CurrentCH
}

// WriteCH returns the hash used for writes. Writes go to the pending owners
// during a rebalance.
func (t *CacheTopology) WriteCH() *Hash {
	if t == nil {
		return nil
	}
	if t.PendingCH != nil {
		return t.PendingCH
	}
	return t.CurrentCH
}

func (t *CacheTopology) String() string {
	if t == nil {
		return "CacheTopology{<nil>}"
	}
	return fmt.Sprintf("CacheTopology{id=%d, currentCH=%s, pendingCH=%s}", t.TopologyID, t.CurrentCH, t.PendingCH)
}

// LogValue implements slog.LogValuer.
func (t *CacheTopology) LogValue() slog.Value {
	if t == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.Int("id", t.TopologyID),
		slog.Any("members", t.Members()),
		slog.Bool("rebalancing", t.PendingCH != nil),
	)
}

// JoinInfo holds the join parameters supplied by the first joiner of a store.
type JoinInfo struct {
	HashFactory    string        `json:"hash_factory"`
	HashFunction   string        `json:"hash_function"`
	NumOwners      int           `json:"num_owners"`
	NumSegments    int           `json:"num_segments"`
	CapacityFactor float32       `json:"capacity_factor"`
	Timeout        time.Duration `json:"timeout"`
}

// Validate checks the join parameters.
func (j JoinInfo) Validate() error {
	if j.NumOwners < 1 {
		return fmt.Errorf("num owners must be at least 1, got %d", j.NumOwners)
	}
	if j.NumSegments < 1 {
		return fmt.Errorf("num segments must be at least 1, got %d", j.NumSegments)
	}
	if j.CapacityFactor < 0 {
		return fmt.Errorf("capacity factor must not be negative, got %v", j.CapacityFactor)
	}
	return nil
}

// AvailabilityMode is the availability of a store in the local partition.
type AvailabilityMode int

const (
	Available AvailabilityMode = iota
	DegradedMode
)

func (m AvailabilityMode) String() string {
	switch m {
	case Available:
		return "AVAILABLE"
	case DegradedMode:
		return "DEGRADED_MODE"
	default:
		return fmt.Sprintf("AvailabilityMode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m AvailabilityMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *AvailabilityMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "AVAILABLE", "":
		*m = Available
	case "DEGRADED_MODE":
		*m = DegradedMode
	default:
		return fmt.Errorf("unknown availability mode %q", string(b))
	}
	return nil
}
