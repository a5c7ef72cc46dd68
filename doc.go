/*
Package kvshare provides content-addressed caching of transformer attention
state, so that inference workers handling overlapping prompts reuse each
other's computed key/value tensors instead of recomputing them.

The library entry point is pkg/core, which wires fingerprinting, integrity
tagging, the segment store and the lineage index together. The kvshare
command wraps the same coordinator for shell use.
*/
package kvshare
