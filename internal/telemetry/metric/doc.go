// Package metric provides Prometheus metrics for meshtopo.
//
// Metrics cover the coordination core:
//
//   - membership view id and coordinator role
//   - topology id and availability mode per store
//   - rebalance starts, completions and confirmation errors
//   - join requests, cluster status recovery and handled commands
//   - worker pool task outcomes
//
// Metrics are exposed at /metrics in Prometheus format.
package metric
