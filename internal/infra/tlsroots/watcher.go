// Package tlsroots provides TLS material for the admin API.
package tlsroots

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/yndnr/meshtopo/internal/infra/confloader"
)

// KeyPair serves a certificate and key pair that is reloaded whenever
// either file changes. A failed reload keeps the previous pair.
type KeyPair struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *confloader.Watcher
}

// LoadKeyPair loads certFile and keyFile.
func LoadKeyPair(certFile, keyFile string, logger *slog.Logger) (*KeyPair, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kp := &KeyPair{
		certFile: filepath.Clean(certFile),
		keyFile:  filepath.Clean(keyFile),
		logger:   logger.With("component", "tls"),
	}
	if err := kp.Reload(); err != nil {
		return nil, err
	}
	return kp, nil
}

// Reload reads the key pair from disk.
func (kp *KeyPair) Reload() error {
	cert, err := tls.LoadX509KeyPair(kp.certFile, kp.keyFile)
	if err != nil {
		return fmt.Errorf("tlsroots: load key pair: %w", err)
	}
	kp.mu.Lock()
	kp.cert = &cert
	kp.mu.Unlock()
	return nil
}

// Watch starts reloading the pair on file changes until Stop.
func (kp *KeyPair) Watch(opts ...confloader.WatcherOption) error {
	w, err := confloader.NewWatcher(append([]confloader.WatcherOption{confloader.WithWatcherLogger(kp.logger)}, opts...)...)
	if err != nil {
		return err
	}
	for _, f := range []string{kp.certFile, kp.keyFile} {
		if err := w.Watch(f); err != nil {
			_ = w.Stop()
			return err
		}
	}
	w.OnChange(func(path string) {
		if err := kp.Reload(); err != nil {
			kp.logger.Error("certificate reload failed, keeping previous", "file", path, "error", err)
			return
		}
		kp.logger.Info("certificate reloaded", "cert_file", kp.certFile)
	})
	w.StartAsync()
	kp.watcher = w
	return nil
}

// Stop stops watching. It is safe to call without Watch or on nil.
func (kp *KeyPair) Stop() error {
	if kp == nil || kp.watcher == nil {
		return nil
	}
	return kp.watcher.Stop()
}

// GetCertificate implements tls.Config.GetCertificate.
func (kp *KeyPair) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	return kp.cert, nil
}

// ServerTLSConfig returns a server config presenting this pair. When
// clientCAs is non-nil, clients must present a certificate it trusts.
func (kp *KeyPair) ServerTLSConfig(clientCAs *Pool) *tls.Config {
	cfg := &tls.Config{
		GetCertificate: kp.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
	if clientCAs != nil {
		cfg.ClientCAs = clientCAs.CertPool()
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg
}
