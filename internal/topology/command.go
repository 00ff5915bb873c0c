// Package topology provides the control commands exchanged by cluster nodes.
package topology

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// CommandType enumerates the control commands exchanged between nodes.
type CommandType string

const (
	// CmdJoin asks the coordinator to add the sender to a store.
	CmdJoin CommandType = "JOIN"
	// CmdLeave asks the coordinator to remove the sender from a store.
	CmdLeave CommandType = "LEAVE"
	// CmdRebalanceConfirm reports that the sender finished a rebalance.
	CmdRebalanceConfirm CommandType = "REBALANCE_CONFIRM"
	// CmdCHUpdate installs a new topology without a state transfer.
	CmdCHUpdate CommandType = "CH_UPDATE"
	// CmdRebalanceStart installs a topology with a pending hash.
	CmdRebalanceStart CommandType = "REBALANCE_START"
	// CmdGetStatus collects every store known to the receiver.
	CmdGetStatus CommandType = "GET_STATUS"
)

// Command is the envelope of every control message.
//
// Payload holds the JSON encoding of the type-specific payload; Store is
// empty for cluster-wide commands such as GET_STATUS.
type Command struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Sender  Address         `json:"sender"`
	ViewID  int64           `json:"view_id"`
	Store   string          `json:"store,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload is the payload of CmdJoin.
type JoinPayload struct {
	JoinInfo JoinInfo `json:"join_info"`
}

// RebalanceConfirmPayload is the payload of CmdRebalanceConfirm.
type RebalanceConfirmPayload struct {
	TopologyID int    `json:"topology_id"`
	Error      string `json:"error,omitempty"`
}

// TopologyPayload is the payload of CmdCHUpdate and CmdRebalanceStart.
type TopologyPayload struct {
	Topology       *CacheTopology   `json:"topology"`
	StableTopology *CacheTopology   `json:"stable_topology,omitempty"`
	Availability   AvailabilityMode `json:"availability"`
}

// JoinResponse answers CmdJoin. Retry asks the joiner to send the request
// again, typically to the next coordinator.
type JoinResponse struct {
	Topology     *CacheTopology   `json:"topology,omitempty"`
	Availability AvailabilityMode `json:"availability"`
	Retry        bool             `json:"retry,omitempty"`
}

// StoreStatus is one node's local knowledge about a store.
type StoreStatus struct {
	JoinInfo       JoinInfo         `json:"join_info"`
	Topology       *CacheTopology   `json:"topology,omitempty"`
	StableTopology *CacheTopology   `json:"stable_topology,omitempty"`
	Availability   AvailabilityMode `json:"availability"`
}

// StatusResponse answers CmdGetStatus.
type StatusResponse struct {
	Stores map[string]StoreStatus `json:"stores"`
}

// NewCommand builds a command with a fresh id and an encoded payload.
// A nil payload leaves Payload empty.
func NewCommand(typ CommandType, sender Address, viewID int64, store string, payload any) (Command, error) {
	cmd := Command{
		ID:     ulid.Make().String(),
		Type:   typ,
		Sender: sender,
		ViewID: viewID,
		Store:  store,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Command{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		cmd.Payload = data
	}
	return cmd, nil
}

// Decode unmarshals the payload into v.
func (c Command) Decode(v any) error {
	if len(c.Payload) == 0 {
		return fmt.Errorf("%s command %s has no payload", c.Type, c.ID)
	}
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", c.Type, err)
	}
	return nil
}
