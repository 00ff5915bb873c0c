// Package adminv1 defines the JSON documents of the admin HTTP API.
package adminv1

// NodeStatus describes a node and the membership view it runs on.
type NodeStatus struct {
	NodeID        string   `json:"node_id"`
	RPCAddr       string   `json:"rpc_addr"`
	Backend       string   `json:"backend"`
	ViewID        int64    `json:"view_id"`
	Coordinator   string   `json:"coordinator"`
	IsCoordinator bool     `json:"is_coordinator"`
	Members       []Member `json:"members"`

	RebalancingEnabled bool   `json:"rebalancing_enabled"`
	Version            string `json:"version,omitempty"`
	Uptime             string `json:"uptime,omitempty"`
}

// Member is a cluster member with its advertised address.
type Member struct {
	ID      string `json:"id"`
	RPCAddr string `json:"rpc_addr,omitempty"`
}

// StoreSummary is one row of the store list.
type StoreSummary struct {
	Name                string `json:"name"`
	TopologyID          int    `json:"topology_id"`
	Availability        string `json:"availability"`
	Members             int    `json:"members"`
	NumOwners           int    `json:"num_owners"`
	NumSegments         int    `json:"num_segments"`
	RebalanceInProgress bool   `json:"rebalance_in_progress"`
	// Source is "coordinator" when the row comes from the cluster status and
	// "local" when it is this node's installed topology.
	Source string `json:"source" table:"wide"`
}

// StoreDetail is the full topology of a store.
type StoreDetail struct {
	StoreSummary

	HashFactory  string     `json:"hash_factory"`
	HashFunction string     `json:"hash_function"`
	CurrentCH    *Hash      `json:"current_ch,omitempty"`
	PendingCH    *Hash      `json:"pending_ch,omitempty"`
	StableCH     *Hash      `json:"stable_ch,omitempty"`
	Confirmed    []string   `json:"confirmed,omitempty"`
	Capacity     []Capacity `json:"capacity,omitempty"`
}

// Hash is a consistent hash summarised per member.
type Hash struct {
	Members     []string       `json:"members"`
	NumSegments int            `json:"num_segments"`
	NumOwners   int            `json:"num_owners"`
	Owned       map[string]int `json:"owned"`
}

// Capacity is the capacity factor of a store member.
type Capacity struct {
	Member string  `json:"member"`
	Factor float32 `json:"factor"`
}

// RebalancingRequest is the body of PUT /admin/v1/rebalancing.
type RebalancingRequest struct {
	Enabled bool `json:"enabled"`
}

// RebalancingResponse reports the rebalancing switch.
type RebalancingResponse struct {
	Enabled bool `json:"enabled"`
}

// TriggerResponse acknowledges a rebalance trigger.
type TriggerResponse struct {
	Store     string `json:"store"`
	Triggered bool   `json:"triggered"`
}

// KeyLocation reports the segment and owners of a key and whether this node
// may serve it under the current availability mode.
type KeyLocation struct {
	Store        string   `json:"store"`
	Key          string   `json:"key"`
	TopologyID   int      `json:"topology_id"`
	Segment      int      `json:"segment"`
	Availability string   `json:"availability"`
	ReadOwners   []string `json:"read_owners"`
	WriteOwners  []string `json:"write_owners" table:"wide"`
	Readable     bool     `json:"readable"`
	Writable     bool     `json:"writable"`
}
