// Package segment persists cached payloads as authenticated files.
//
// Each segment is a single file named after its 32 byte cache key,
// holding a keyed-hash tag followed by the raw payload. Writes go to a
// temporary file in the cache root, are fsynced, then atomically renamed
// into place: a segment is either fully visible or absent, never partial.
//
// Reads return zero-copy views backed by a read-only memory mapping of
// the file, with OS readahead disabled since access patterns are random.
// Every read verifies the payload against its stored tag; verification
// failures purge the offending file. Live mappings are tracked and
// reference counted, so a store shutdown releases every mapping exactly
// once. A small LRU keeps recently used mappings alive to spare the
// map/unmap churn on hot keys.
package segment
