// Package topology coordinates cache topologies across a meshtopo cluster.
package topology

// PartitionContext describes one membership change of a store for a
// PartitionHandlingStrategy. The strategy inspects it and may switch the
// resulting availability mode.
type PartitionContext struct {
	StoreName      string
	NumOwners      int
	StableTopology *CacheTopology
	Topology       *CacheTopology
	NewMembers     []Address
	Merge          bool

	mode AvailabilityMode
}

// NewPartitionContext returns a context that starts in mode.
func NewPartitionContext(store string, numOwners int, stable, current *CacheTopology, newMembers []Address, merge bool, mode AvailabilityMode) *PartitionContext {
	return &PartitionContext{
		StoreName:      store,
		NumOwners:      numOwners,
		StableTopology: stable,
		Topology:       current,
		NewMembers:     newMembers,
		Merge:          merge,
		mode:           mode,
	}
}

// StableMembers returns the members of the last stable topology.
func (c *PartitionContext) StableMembers() []Address {
	if c.StableTopology != nil {
		return c.StableTopology.Members()
	}
	return c.Topology.Members()
}

// LostMembers returns the stable members missing from the new member list.
func (c *PartitionContext) LostMembers() []Address {
	return subtract(c.StableMembers(), c.NewMembers)
}

// StableCH returns the hash of the stable topology, falling back to the
// current one.
func (c *PartitionContext) StableCH() *Hash {
	if c.StableTopology != nil && c.StableTopology.CurrentCH != nil {
		return c.StableTopology.CurrentCH
	}
	return c.Topology.ReadCH()
}

// Mode returns the availability decided so far.
func (c *PartitionContext) Mode() AvailabilityMode { return c.mode }

// EnterDegradedMode restricts the store to segments whose owners are all
// reachable.
func (c *PartitionContext) EnterDegradedMode() { c.mode = DegradedMode }

// EnterAvailableMode restores full availability.
func (c *PartitionContext) EnterAvailableMode() { c.mode = Available }

// PartitionHandlingStrategy decides the availability of a store after its
// membership changed.
type PartitionHandlingStrategy interface {
	OnMembershipChanged(ctx *PartitionContext)
}
