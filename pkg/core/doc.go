// Package core coordinates the attention state cache.
//
// The coordinator ties the other packages together: it fingerprints token
// sequences, looks segments up in the lineage index, serves hits as
// zero-copy views and fills misses by invoking the caller's compute
// function, then persisting the result best effort. A cache failure on
// the persist path never fails the request: the computed payload is
// returned and the cache simply stays colder than it could be.
//
// The one exception is startup. A coordinator that cannot resolve its
// integrity key or validate its configuration refuses to start, because
// every later read depends on both.
package core
