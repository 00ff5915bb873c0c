// Package buildinfo exposes build metadata of the meshtopo binaries.
//
// Values are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/yndnr/meshtopo/internal/infra/buildinfo.Version=v1.0.0 \
//	  -X github.com/yndnr/meshtopo/internal/infra/buildinfo.Commit=$(git rev-parse --short HEAD)"
//
// GoVersion falls back to the running toolchain when not injected.
package buildinfo
