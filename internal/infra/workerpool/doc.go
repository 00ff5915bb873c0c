// Package workerpool provides a bounded pool of goroutines for meshtopo.
//
// The coordinator submits rebalance triggers and other coordination work to
// a pool instead of spawning a goroutine per event:
//
//   - A fixed number of workers drain a bounded queue
//   - Submit never blocks; a full queue rejects the task
//   - Panics are recovered and counted as failures
//   - Stop cancels the task context and waits for running tasks
//
// Usage:
//
//	pool := workerpool.New(workerpool.Config{Name: "coordinator", Workers: 4})
//	defer pool.Stop(5 * time.Second)
//	pool.Submit("rebalance c1", func(ctx context.Context) error { ... })
package workerpool
