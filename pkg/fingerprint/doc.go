// Package fingerprint derives cache keys from token sequences.
//
// A fingerprint is a 256 bit blake2b digest over a canonical encoding of
// the tokens: a fixed 8 byte big-endian count, followed by each token as
// 8 bytes big-endian. The same sequence always produces the same key, on
// any platform and across processes.
//
// By default tokens are sorted before encoding, so permutations of the
// same tokens share one key. Order-sensitive callers opt out with the
// PreserveOrder option; the two modes never produce colliding keys.
package fingerprint
