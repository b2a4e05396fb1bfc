// Package cache implements the memory tier: a sharded entry index, a frequency sketch and the eviction engine.
//
// Entries live in per-shard arenas and are addressed by stable handles. The index maps keys to handles and the
// eviction policy threads the very same arena slots through its ordering lists, so index membership and list
// membership share one allocation. Each shard is a single lock domain holding its index, arena, policy state and
// byte budget; the sum of shard budgets is the configured memory capacity.
//
// Evicted entries are returned to the caller instead of being written anywhere: spilling them to disk is the
// caller's decision. Until the caller publishes or abandons a spill, the entry is "in flight" and still served by
// Get from the shard's pending set.
package cache
