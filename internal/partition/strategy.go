// Package partition provides the partition handling strategies.
package partition

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/yndnr/meshtopo/internal/topology"
)

// Strategy names accepted in the configuration.
const (
	StrategyQuorum   = "quorum"
	StrategyAllowAll = "allow_all"
)

// NewStrategy returns the strategy registered under name.
func NewStrategy(name string, logger *slog.Logger) (topology.PartitionHandlingStrategy, error) {
	switch name {
	case StrategyQuorum, "":
		return NewQuorumStrategy(logger), nil
	case StrategyAllowAll:
		return AllowAllStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown partition strategy %q", name)
	}
}

// QuorumStrategy keeps a store available only while the new members hold a
// majority of the stable members and at least one owner of every segment of
// the stable hash. Otherwise the store enters degraded mode.
type QuorumStrategy struct {
	logger *slog.Logger
}

// NewQuorumStrategy creates a quorum strategy.
func NewQuorumStrategy(logger *slog.Logger) *QuorumStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuorumStrategy{logger: logger}
}

// OnMembershipChanged implements topology.PartitionHandlingStrategy.
func (s *QuorumStrategy) OnMembershipChanged(ctx *topology.PartitionContext) {
	stable := ctx.StableMembers()
	if len(stable) == 0 {
		return
	}

	if IsMinority(stable, ctx.NewMembers) {
		s.logger.Warn("minority partition, entering degraded mode",
			"store", ctx.StoreName, "stable_members", stable, "members", ctx.NewMembers)
		ctx.EnterDegradedMode()
		return
	}
	if lost := LostSegments(ctx.StableCH(), ctx.NewMembers); len(lost) > 0 {
		s.logger.Warn("all owners of some segments lost, entering degraded mode",
			"store", ctx.StoreName, "lost_segments", len(lost), "lost_members", ctx.LostMembers())
		ctx.EnterDegradedMode()
		return
	}
	if ctx.Mode() == topology.DegradedMode {
		s.logger.Info("partition healed, store available again", "store", ctx.StoreName)
	}
	ctx.EnterAvailableMode()
}

// AllowAllStrategy keeps every partition available, accepting divergence.
type AllowAllStrategy struct{}

// OnMembershipChanged implements topology.PartitionHandlingStrategy.
func (AllowAllStrategy) OnMembershipChanged(ctx *topology.PartitionContext) {
	ctx.EnterAvailableMode()
}

// IsMinority reports whether members hold fewer than stable/2+1 of the
// stable members.
func IsMinority(stable, members []topology.Address) bool {
	present := 0
	for _, m := range stable {
		if slices.Contains(members, m) {
			present++
		}
	}
	return present < len(stable)/2+1
}

// LostSegments returns the segments of h whose owners are all missing from
// members.
func LostSegments(h *topology.Hash, members []topology.Address) []int {
	if h == nil {
		return nil
	}
	var lost []int
	for s := 0; s < h.NumSegments; s++ {
		owners := h.LocateOwners(s)
		if len(owners) == 0 {
			continue
		}
		if !slices.ContainsFunc(owners, func(o topology.Address) bool { return slices.Contains(members, o) }) {
			lost = append(lost, s)
		}
	}
	return lost
}
