// Package topology coordinates cache topologies across a meshtopo cluster.
package topology

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yndnr/meshtopo/internal/telemetry/metric"
)

// Dispatcher routes incoming control commands to the coordinator or the
// local manager. Every command kind is handled by the switch in dispatch.
type Dispatcher struct {
	cluster *ClusterTopologyManager
	local   *LocalTopologyManager
	metrics *metric.Registry
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cluster *ClusterTopologyManager, local *LocalTopologyManager, metrics *metric.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cluster: cluster,
		local:   local,
		metrics: metrics,
		logger:  logger,
	}
}

// HandleCommand implements CommandHandler.
func (d *Dispatcher) HandleCommand(ctx context.Context, cmd Command) (any, error) {
	res, err := d.dispatch(ctx, cmd)
	d.metrics.RecordCommand(string(cmd.Type), err)
	if err != nil {
		d.logger.Debug("command failed", "id", cmd.ID, "type", cmd.Type,
			"sender", cmd.Sender, "store", cmd.Store, "error", err)
	}
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Type {
	case CmdJoin:
		var p JoinPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		return d.cluster.HandleJoin(ctx, cmd.Store, cmd.Sender, p.JoinInfo, cmd.ViewID)

	case CmdLeave:
		return nil, d.cluster.HandleLeave(ctx, cmd.Store, cmd.Sender, cmd.ViewID)

	case CmdRebalanceConfirm:
		var p RebalanceConfirmPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		return nil, d.cluster.HandleRebalanceCompleted(ctx, cmd.Store, cmd.Sender, p.TopologyID, p.Error, cmd.ViewID)

	case CmdCHUpdate:
		var p TopologyPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		d.local.HandleTopologyUpdate(cmd.Store, p, cmd.ViewID)
		return nil, nil

	case CmdRebalanceStart:
		var p TopologyPayload
		if err := cmd.Decode(&p); err != nil {
			return nil, err
		}
		return nil, d.local.HandleRebalanceStart(ctx, cmd.Store, p, cmd.ViewID)

	case CmdGetStatus:
		return d.local.HandleStatusRequest(cmd.ViewID), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}
