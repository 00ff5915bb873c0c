// Package tlsroots provides TLS material for the admin API.
//
//   - roots.go: trusted CA pools for clients and client-certificate checks
//   - watcher.go: server key pair kept current via confloader.Watcher
package tlsroots
