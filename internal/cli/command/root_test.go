package command

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestApp(t *testing.T) {
	app := App()
	if app.Name != "meshtopo-cli" {
		t.Errorf("Name = %q, want meshtopo-cli", app.Name)
	}

	names := make(map[string]bool)
	for _, cmd := range app.Commands {
		names[cmd.Name] = true
	}
	for _, want := range []string{"status", "health", "ready", "stores", "store", "rebalance", "rebalancing", "config"} {
		if !names[want] {
			t.Errorf("missing command %q", want)
		}
	}
}

func TestGlobalFlags(t *testing.T) {
	names := make(map[string]bool)
	for _, f := range globalFlags() {
		names[f.Names()[0]] = true
	}
	for _, want := range []string{"server", "token", "profile", "config", "output", "wide", "no-headers"} {
		if !names[want] {
			t.Errorf("missing global flag %q", want)
		}
	}
}

func TestBefore_ResolvesProfile(t *testing.T) {
	srv := newMockServer(t)
	srv.handle("GET /health", func(w http.ResponseWriter, r *http.Request) {
		okResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	path := filepath.Join(t.TempDir(), "cli.yaml")
	content := "default_server: http://127.0.0.1:1\n" +
		"profiles:\n" +
		"  lab:\n" +
		"    server: " + srv.URL + "\n" +
		"    token: from-profile\n" +
		"current_profile: lab\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	res := runApp(t, path, "health")
	if res.err != nil {
		t.Fatalf("health error = %v", res.err)
	}
	if got := srv.lastRequest().Header.Get("Authorization"); got != "Bearer from-profile" {
		t.Errorf("Authorization = %q, want profile token", got)
	}

	res = runApp(t, path, "--token", "explicit", "health")
	if res.err != nil {
		t.Fatalf("health error = %v", res.err)
	}
	if got := srv.lastRequest().Header.Get("Authorization"); got != "Bearer explicit" {
		t.Errorf("Authorization = %q, want explicit token", got)
	}
}

func TestBefore_UnknownProfile(t *testing.T) {
	res := runApp(t, "", "--profile", "missing", "health")
	if res.err == nil || !strings.Contains(res.err.Error(), "unknown profile") {
		t.Errorf("error = %v, want unknown profile", res.err)
	}
}

func TestOutputFormat_Invalid(t *testing.T) {
	srv := newMockServer(t)
	srv.handle("GET /admin/v1/rebalancing", func(w http.ResponseWriter, r *http.Request) {
		okResponse(w, http.StatusOK, map[string]bool{"enabled": true})
	})

	res := runApp(t, "", "--server", srv.URL, "--output", "xml", "rebalancing", "get")
	if res.err == nil || !strings.Contains(res.err.Error(), "unknown output format") {
		t.Errorf("error = %v, want unknown output format", res.err)
	}
}

func TestBefore_TLSFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing ca file", []string{"--ca-file", "/nonexistent/ca.pem"}, "/nonexistent/ca.pem"},
		{"cert without key", []string{"--cert-file", "/nonexistent/client.crt"}, "must be given together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runApp(t, "", append(tt.args, "health")...)
			if res.err == nil || !strings.Contains(res.err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", res.err, tt.want)
			}
		})
	}
}
