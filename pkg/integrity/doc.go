// Package integrity authenticates cached payloads with a keyed blake2b MAC.
//
// A Guard is built around a secret key held by the process. It computes a
// fixed 32 byte tag over a payload and verifies payloads against their
// stored tag in constant time. The guard never loads or persists the
// secret itself: the key is handed over by the caller, typically resolved
// from a secret store at startup.
package integrity
