package tlsroots

import (
	"crypto/tls"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewPools(t *testing.T) {
	if NewPool().CertPool() == nil {
		t.Error("NewPool().CertPool() = nil")
	}
	if NewSystemPool().CertPool() == nil {
		t.Error("NewSystemPool().CertPool() = nil")
	}
}

func TestAddCertPEM(t *testing.T) {
	certFile, keyFile := writeKeyPair(t, t.TempDir(), "ca")
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr error
		anyErr  bool
	}{
		{name: "certificate", data: certPEM},
		{name: "key blocks are skipped", data: append(append([]byte{}, keyPEM...), certPEM...)},
		{name: "empty", data: nil, wantErr: ErrNoCertsFound},
		{name: "not pem", data: []byte("not a certificate"), wantErr: ErrNoCertsFound},
		{name: "key only", data: keyPEM, wantErr: ErrNoCertsFound},
		{
			name:   "corrupt certificate",
			data:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("garbage")}),
			anyErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPool().AddCertPEM(tt.data)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("AddCertPEM() error = %v, want %v", err, tt.wantErr)
				}
			case tt.anyErr:
				if err == nil {
					t.Error("AddCertPEM() error = nil")
				}
			default:
				if err != nil {
					t.Errorf("AddCertPEM() error = %v", err)
				}
			}
		})
	}
}

func TestLoadPool(t *testing.T) {
	dir := t.TempDir()
	a, _ := writeKeyPair(t, dir, "a")
	b, _ := writeKeyPair(t, dir, "b")

	if _, err := LoadPool(a, b); err != nil {
		t.Fatalf("LoadPool() error = %v", err)
	}
	if _, err := LoadPool(a, filepath.Join(dir, "missing.crt")); err == nil {
		t.Error("LoadPool() with a missing file should fail")
	}
}

func TestClientTLSConfig(t *testing.T) {
	cfg := NewPool().ClientTLSConfig()
	if cfg.RootCAs == nil {
		t.Error("RootCAs = nil")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
}
