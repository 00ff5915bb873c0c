// Package httpserver provides the admin HTTP server of a cluster node.
//
//   - Probes: /health, /ready
//   - Metrics: /metrics (Prometheus format)
//   - Admin API: /admin/v1/status, /admin/v1/stores, /admin/v1/stores/{name},
//     /admin/v1/stores/{name}/rebalance, /admin/v1/rebalancing
//
// The admin API runs behind RequestID, Recover, Audit, RateLimit, NetworkACL
// and an optional bearer token.
package httpserver
