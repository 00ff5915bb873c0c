// Package handler provides the admin HTTP handlers of a cluster node.
//
//   - health.go: liveness and readiness checks
//   - admin.go: node status, store topologies and rebalance control
//
// Every JSON response uses the Response envelope.
package handler
