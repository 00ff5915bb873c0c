// Package membership produces the ordered membership views that drive topology coordination.
package membership

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/yndnr/meshtopo/internal/topology"
	"github.com/yndnr/meshtopo/pkg/cmap"
)

// ViewSink consumes membership views. It is called from a single goroutine.
type ViewSink func(ctx context.Context, v topology.View) error

// Source produces membership views and tracks member addresses.
type Source interface {
	Start(ctx context.Context, sink ViewSink) error
	View() topology.View
	Directory() *Directory
	Leave(timeout time.Duration) error
	Shutdown() error
}

var (
	_ Source = (*Gossip)(nil)
	_ Source = (*Raft)(nil)
)

// Member describes a cluster node as advertised in gossip metadata.
type Member struct {
	ID       topology.Address `json:"id"`
	RPCAddr  string           `json:"rpc_addr"`
	RaftAddr string           `json:"raft_addr,omitempty"`
}

// nodeMeta is the memberlist metadata of a node. It must stay below
// memberlist.MetaMaxSize once encoded.
type nodeMeta struct {
	RPCAddr     string           `json:"r"`
	RaftAddr    string           `json:"f,omitempty"`
	ViewID      int64            `json:"v"`
	Coordinator topology.Address `json:"c,omitempty"`
}

func encodeMeta(m nodeMeta, limit int) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode node meta: %w", err)
	}
	if len(data) > limit {
		return nil, fmt.Errorf("node meta is %d bytes, limit %d", len(data), limit)
	}
	return data, nil
}

func decodeMeta(data []byte) (nodeMeta, error) {
	var m nodeMeta
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nodeMeta{}, fmt.Errorf("decode node meta: %w", err)
	}
	return m, nil
}

// Directory maps node ids to their advertised addresses.
type Directory struct {
	members *cmap.Map[topology.Address, Member]
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{members: cmap.New[topology.Address, Member]()}
}

// Set records a member.
func (d *Directory) Set(m Member) {
	d.members.Set(m.ID, m)
}

// Delete forgets a member.
func (d *Directory) Delete(id topology.Address) {
	d.members.Delete(id)
}

// Lookup returns a member by id.
func (d *Directory) Lookup(id topology.Address) (Member, bool) {
	return d.members.Get(id)
}

// RPCAddr returns the control RPC address of a member.
func (d *Directory) RPCAddr(id topology.Address) (string, bool) {
	m, ok := d.members.Get(id)
	if !ok || m.RPCAddr == "" {
		return "", false
	}
	return m.RPCAddr, true
}

// Members returns every known member sorted by id.
func (d *Directory) Members() []Member {
	out := d.members.Values()
	slices.SortFunc(out, func(a, b Member) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
