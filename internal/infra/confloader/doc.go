// Package confloader loads meshtopo-server configuration with koanf.
//
// Sources, lowest priority first:
//
//  1. Default values (the target struct as passed in)
//  2. Configuration file (YAML)
//  3. Environment variables (MESHTOPO_ prefix)
//  4. Explicit overrides (LoadMap, used for command-line flags)
//
// Environment variables separate sections with a double underscore so
// that keys may contain single underscores:
//
//	MESHTOPO_NODE__RPC_ADDR=0.0.0.0:5343          -> node.rpc_addr
//	MESHTOPO_TOPOLOGY__RPC_TIMEOUT=10s            -> topology.rpc_timeout
//	MESHTOPO_MEMBERSHIP__SEEDS=10.0.0.1:5344,...  -> membership.seeds
//
// Watcher reports changes of watched files so the server can re-apply
// hot-reloadable settings such as the log level.
package confloader
