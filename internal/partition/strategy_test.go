package partition

import (
	"testing"

	"github.com/yndnr/meshtopo/internal/topology"
)

// threeNodeHash gives every pair of {A,B,C} one of three segments.
func threeNodeHash() *topology.Hash {
	return &topology.Hash{
		NumOwners:   2,
		NumSegments: 3,
		Members:     []topology.Address{"A", "B", "C"},
		Owners: [][]topology.Address{
			{"A", "B"},
			{"B", "C"},
			{"C", "A"},
		},
	}
}

func stableTopology() *topology.CacheTopology {
	return &topology.CacheTopology{TopologyID: 4, CurrentCH: threeNodeHash()}
}

func TestQuorumStrategy(t *testing.T) {
	tests := []struct {
		name    string
		members []topology.Address
		start   topology.AvailabilityMode
		merge   bool
		want    topology.AvailabilityMode
	}{
		{"all members", []topology.Address{"A", "B", "C"}, topology.Available, false, topology.Available},
		{"majority keeps owners", []topology.Address{"B", "C"}, topology.Available, false, topology.Available},
		{"minority", []topology.Address{"A"}, topology.Available, false, topology.DegradedMode},
		{"merge heals", []topology.Address{"A", "B", "C"}, topology.DegradedMode, true, topology.Available},
		{"merge still minority", []topology.Address{"A", "D"}, topology.DegradedMode, true, topology.DegradedMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := stableTopology()
			ctx := topology.NewPartitionContext("c1", 2, st, st, tt.members, tt.merge, tt.start)
			NewQuorumStrategy(nil).OnMembershipChanged(ctx)
			if got := ctx.Mode(); got != tt.want {
				t.Errorf("Mode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuorumStrategy_LostSegmentsDegrade(t *testing.T) {
	h := &topology.Hash{
		NumOwners:   1,
		NumSegments: 3,
		Members:     []topology.Address{"A", "B", "C"},
		Owners:      [][]topology.Address{{"A"}, {"B"}, {"C"}},
	}
	st := &topology.CacheTopology{TopologyID: 2, CurrentCH: h}
	ctx := topology.NewPartitionContext("c1", 1, st, st, []topology.Address{"A", "B"}, false, topology.Available)

	NewQuorumStrategy(nil).OnMembershipChanged(ctx)

	if ctx.Mode() != topology.DegradedMode {
		t.Errorf("Mode() = %v, want DEGRADED_MODE when a segment lost every owner", ctx.Mode())
	}
}

func TestAllowAllStrategy(t *testing.T) {
	st := stableTopology()
	ctx := topology.NewPartitionContext("c1", 2, st, st, []topology.Address{"A"}, false, topology.DegradedMode)
	AllowAllStrategy{}.OnMembershipChanged(ctx)
	if ctx.Mode() != topology.Available {
		t.Errorf("Mode() = %v, want AVAILABLE", ctx.Mode())
	}
}

func TestNewStrategy(t *testing.T) {
	for _, name := range []string{"", StrategyQuorum, StrategyAllowAll} {
		if _, err := NewStrategy(name, nil); err != nil {
			t.Errorf("NewStrategy(%q) error = %v", name, err)
		}
	}
	if _, err := NewStrategy("majority-ish", nil); err == nil {
		t.Error("NewStrategy(unknown) error = nil, want error")
	}
}

func TestIsMinority(t *testing.T) {
	stable := []topology.Address{"A", "B", "C", "D"}
	tests := []struct {
		members []topology.Address
		want    bool
	}{
		{[]topology.Address{"A", "B", "C"}, false},
		{[]topology.Address{"A", "B"}, true},
		{[]topology.Address{"A", "B", "X", "Y"}, true},
	}
	for _, tt := range tests {
		if got := IsMinority(stable, tt.members); got != tt.want {
			t.Errorf("IsMinority(%v) = %v, want %v", tt.members, got, tt.want)
		}
	}
}
