package clusterserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"connectrpc.com/connect"

	"github.com/yndnr/meshtopo/internal/membership"
	"github.com/yndnr/meshtopo/internal/topology"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func commandRequest(sender string) *connect.Request[topology.Command] {
	return connect.NewRequest(&topology.Command{
		ID:     "01J0000000000000000000000",
		Type:   topology.CmdGetStatus,
		Sender: topology.Address(sender),
	})
}

// ============================================================================
// LoggingInterceptor Tests
// ============================================================================

func TestNewLoggingInterceptor_NilLogger(t *testing.T) {
	interceptor := NewLoggingInterceptor(nil)
	if interceptor.logger == nil {
		t.Error("expected default logger to be set")
	}
}

func TestLoggingInterceptor_WrapUnary(t *testing.T) {
	interceptor := NewLoggingInterceptor(discardLogger())
	wantErr := errors.New("test error")

	tests := []struct {
		name string
		err  error
	}{
		{"success", nil},
		{"error", wantErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			wrapped := interceptor.WrapUnary(func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
				called = true
				if tt.err != nil {
					return nil, tt.err
				}
				return connect.NewResponse(&topology.Response{}), nil
			})
			_, err := wrapped(context.Background(), commandRequest("node-a"))
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
			if !called {
				t.Error("expected next handler to be called")
			}
		})
	}
}

// ============================================================================
// RecoveryInterceptor Tests
// ============================================================================

func TestRecoveryInterceptor_RecoversPanic(t *testing.T) {
	interceptor := NewRecoveryInterceptor(discardLogger())
	wrapped := interceptor.WrapUnary(func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		panic("boom")
	})

	_, err := wrapped(context.Background(), commandRequest("node-a"))
	if connect.CodeOf(err) != connect.CodeInternal {
		t.Errorf("code = %v, want %v", connect.CodeOf(err), connect.CodeInternal)
	}
}

func TestRecoveryInterceptor_PassesThrough(t *testing.T) {
	interceptor := NewRecoveryInterceptor(discardLogger())
	wrapped := interceptor.WrapUnary(func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		return connect.NewResponse(&topology.Response{}), nil
	})
	if _, err := wrapped(context.Background(), commandRequest("node-a")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// ============================================================================
// MemberInterceptor Tests
// ============================================================================

func TestMemberInterceptor(t *testing.T) {
	dir := membership.NewDirectory()
	dir.Set(membership.Member{ID: "node-a", RPCAddr: "127.0.0.1:9001"})
	interceptor := NewMemberInterceptor(dir, discardLogger())

	tests := []struct {
		name     string
		sender   string
		wantCode connect.Code
		wantNext bool
	}{
		{"known sender", "node-a", 0, true},
		{"unknown sender", "intruder", connect.CodePermissionDenied, false},
		{"empty sender", "", connect.CodePermissionDenied, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			wrapped := interceptor.WrapUnary(func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
				called = true
				return connect.NewResponse(&topology.Response{}), nil
			})
			_, err := wrapped(context.Background(), commandRequest(tt.sender))
			if tt.wantCode == 0 && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantCode != 0 && connect.CodeOf(err) != tt.wantCode {
				t.Errorf("code = %v, want %v", connect.CodeOf(err), tt.wantCode)
			}
			if called != tt.wantNext {
				t.Errorf("next called = %v, want %v", called, tt.wantNext)
			}
		})
	}
}

func TestDefaultInterceptors(t *testing.T) {
	interceptors := DefaultInterceptors(membership.NewDirectory(), discardLogger())
	if len(interceptors) != 3 {
		t.Fatalf("len = %d, want 3", len(interceptors))
	}
	if _, ok := interceptors[0].(*RecoveryInterceptor); !ok {
		t.Errorf("first interceptor = %T, want *RecoveryInterceptor", interceptors[0])
	}
}
