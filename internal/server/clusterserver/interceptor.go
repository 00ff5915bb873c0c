// Package clusterserver provides Connect interceptors for cluster RPC.
package clusterserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"connectrpc.com/connect"

	"github.com/yndnr/meshtopo/internal/membership"
	"github.com/yndnr/meshtopo/internal/topology"
)

// commandAttrs returns log attributes describing the command carried by req.
func commandAttrs(req connect.AnyRequest) []any {
	cmd, ok := req.Any().(*topology.Command)
	if !ok || cmd == nil {
		return nil
	}
	return []any{"command_id", cmd.ID, "type", cmd.Type, "sender", cmd.Sender, "store", cmd.Store}
}

// LoggingInterceptor logs control RPCs on both the client and the server.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor.
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// WrapUnary implements connect.Interceptor.
func (i *LoggingInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		start := time.Now()
		side := "server"
		if req.Spec().IsClient {
			side = "client"
		}
		attrs := append([]any{"side", side, "method", req.Spec().Procedure, "peer", req.Peer().Addr},
			commandAttrs(req)...)

		i.logger.Debug("cluster rpc request", attrs...)
		resp, err := next(ctx, req)

		attrs = append(attrs, "duration_ms", time.Since(start).Milliseconds())
		if err != nil {
			i.logger.Warn("cluster rpc error", append(attrs, "error", err)...)
		} else {
			i.logger.Debug("cluster rpc response", attrs...)
		}
		return resp, err
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *LoggingInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *LoggingInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}

// RecoveryInterceptor turns handler panics into internal errors.
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor.
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// WrapUnary implements connect.Interceptor.
func (i *RecoveryInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, err error) {
		defer func() {
			if r := recover(); r != nil {
				i.logger.Error("cluster rpc panic recovered",
					append([]any{"method", req.Spec().Procedure, "panic", r}, commandAttrs(req)...)...)
				err = connect.NewError(connect.CodeInternal,
					fmt.Errorf("internal server error: panic recovered"))
			}
		}()
		return next(ctx, req)
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *RecoveryInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *RecoveryInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}

// MemberInterceptor rejects commands whose sender is not a known cluster
// member.
type MemberInterceptor struct {
	directory *membership.Directory
	logger    *slog.Logger
}

// NewMemberInterceptor creates an interceptor checking senders against dir.
func NewMemberInterceptor(dir *membership.Directory, logger *slog.Logger) *MemberInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemberInterceptor{directory: dir, logger: logger}
}

// WrapUnary implements connect.Interceptor.
func (i *MemberInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if req.Spec().IsClient {
			return next(ctx, req)
		}
		cmd, ok := req.Any().(*topology.Command)
		if !ok || cmd == nil {
			return next(ctx, req)
		}
		if _, known := i.directory.Lookup(cmd.Sender); !known {
			i.logger.Warn("rejecting command from unknown node",
				"sender", cmd.Sender, "type", cmd.Type, "peer", req.Peer().Addr)
			return nil, connect.NewError(connect.CodePermissionDenied,
				fmt.Errorf("sender %q is not a cluster member", cmd.Sender))
		}
		return next(ctx, req)
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *MemberInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *MemberInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}

// DefaultInterceptors returns the server-side interceptor chain.
func DefaultInterceptors(dir *membership.Directory, logger *slog.Logger) []connect.Interceptor {
	return []connect.Interceptor{
		NewRecoveryInterceptor(logger),
		NewLoggingInterceptor(logger),
		NewMemberInterceptor(dir, logger),
	}
}
