// Package lineage tracks the derivation graph of cached segments.
//
// Every cached segment extends some shorter prefix that was cached before
// it, so cache entries form a forest: a node's payload is only meaningful
// while its ancestors are present. The index records that forest in
// memory, together with per-node sizes and access times, and supports the
// cache's eviction policy with cascade removal and LRU selection.
//
// The index is purely in-memory. Persistence is delegated to an optional
// Mirror which replays a snapshot of node records at startup.
package lineage
