package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestRedactSensitive(t *testing.T) {
	tests := []struct {
		name string
		attr slog.Attr
		want string
	}{
		{"token", slog.String("admin_token", "s3cret"), redactedValue},
		{"authorization", slog.String("Authorization", "Bearer abc"), redactedValue},
		{"empty value kept", slog.String("token", ""), ""},
		{"plain key kept", slog.String("store", "users"), "users"},
		{"non-string kept", slog.Int("token_count", 3), "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := redactSensitive(tt.attr)
			if got.Value.String() != tt.want {
				t.Errorf("redactSensitive(%v) = %q, want %q", tt.attr, got.Value.String(), tt.want)
			}
		})
	}
}

func TestRedactSensitive_Group(t *testing.T) {
	a := slog.Group("admin", slog.String("addr", "127.0.0.1:5080"), slog.String("token", "s3cret"))
	got := redactSensitive(a).Value.Group()
	if got[0].Value.String() != "127.0.0.1:5080" {
		t.Errorf("addr = %q", got[0].Value.String())
	}
	if got[1].Value.String() != redactedValue {
		t.Errorf("token = %q, want redacted", got[1].Value.String())
	}
}

func TestLogger_RedactsOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Format: "text", Output: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l.Info("admin configured", "admin_token", "super-secret")
	if strings.Contains(buf.String(), "super-secret") {
		t.Errorf("secret leaked: %s", buf.String())
	}
}

func TestIsSensitiveKey(t *testing.T) {
	for _, key := range []string{"password", "API_SECRET", "admin_token", "credentials"} {
		if !IsSensitiveKey(key) {
			t.Errorf("IsSensitiveKey(%q) = false", key)
		}
	}
	for _, key := range []string{"store", "node", "view_id", "member"} {
		if IsSensitiveKey(key) {
			t.Errorf("IsSensitiveKey(%q) = true", key)
		}
	}
}
