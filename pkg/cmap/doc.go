// Package cmap provides a sharded concurrent map.
//
// Each shard has its own RWMutex, so readers and writers of different keys
// rarely contend. GetOrCompute gives create-if-absent semantics: among
// concurrent callers for the same key exactly one constructor result wins
// and every caller observes it.
//
// Range holds a shard's read lock while calling fn; fn must not write to
// the map. Take a snapshot with Keys or Values when the callback needs to.
package cmap
