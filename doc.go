// Package corevault is an in-memory key/value cache built from five
// cooperating engines:
//
//   - Entry Store (internal/store): the sharded concurrent keyspace.
//   - Locksmith (internal/lock): row-level locks and a serial
//     transaction queue, used only when a cache enables transactions.
//   - Courier (internal/courier): a coalescing fallback executor so a
//     cache miss triggers at most one concurrent load per key.
//   - Janitor (internal/janitor): a ticker-driven expired-entry sweep.
//   - Informant (internal/hook): an ordered pre/post hook dispatcher.
//
// A process may run many independently configured caches at once;
// Start registers each under a process-wide name via internal/registry
// and returns a *Cache handle that resolves to its backing state on
// every call.
package corevault
