// Package shutdown runs named cleanup hooks when the process is asked to
// stop, either by SIGINT/SIGTERM or by cancellation of a context.
//
// Usage:
//
//	h := shutdown.NewHandler(30*time.Second, logger)
//	h.OnShutdown("admin http", adminServer.Shutdown)
//	h.OnShutdown("cluster node", node.Shutdown)
//	err := h.Wait(ctx)
package shutdown
