// Package command provides CLI command definitions for meshtopo-cli.
//
// Every command talks to the admin HTTP API of one node. The target comes
// from --server, the selected profile or the config default, in that
// order; see internal/cli/config.
package command
