// Package clusterserver provides RPC handlers for cluster communication.
package clusterserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/yndnr/meshtopo/internal/topology"
)

const (
	// ServiceName is the fully-qualified name of the cluster service.
	ServiceName = "meshtopo.cluster.v1.ClusterService"

	// InvokeProcedure runs a control command on the receiving node.
	InvokeProcedure = "/" + ServiceName + "/Invoke"
)

// Handler serves control commands sent by other nodes.
type Handler struct {
	commands topology.CommandHandler
	logger   *slog.Logger
}

// NewHandler creates a handler that executes commands on commands.
func NewHandler(commands topology.CommandHandler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{commands: commands, logger: logger}
}

// Invoke runs a command. A failing command is answered with
// Response.Error set, so the caller can tell it apart from a node that
// could not be reached.
func (h *Handler) Invoke(
	ctx context.Context,
	req *connect.Request[topology.Command],
) (*connect.Response[topology.Response], error) {
	cmd := req.Msg
	if cmd.ID == "" || cmd.Type == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("command id and type are required"))
	}

	var resp topology.Response
	res, err := h.commands.HandleCommand(ctx, *cmd)
	if err != nil {
		resp.Error = err.Error()
		return connect.NewResponse(&resp), nil
	}
	if res != nil {
		data, err := json.Marshal(res)
		if err != nil {
			h.logger.Error("failed to encode command result", "id", cmd.ID, "type", cmd.Type, "error", err)
			return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("encode %s result: %w", cmd.Type, err))
		}
		resp.Value = data
	}
	return connect.NewResponse(&resp), nil
}

// NewServiceHandler returns the path prefix and handler of the cluster
// service, ready to mount on a mux.
func NewServiceHandler(h *Handler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)
	mux := http.NewServeMux()
	mux.Handle(InvokeProcedure, connect.NewUnaryHandler(InvokeProcedure, h.Invoke, opts...))
	return "/" + ServiceName + "/", mux
}
