// Package logger configures structured logging for meshtopo.
//
// It builds log/slog handlers from configuration:
//
//   - logger.go: handler construction, dynamic level
//   - redact.go: masking of credential-bearing attributes
//
// Components take a *slog.Logger; the server builds one here and installs
// it as the slog default.
package logger
