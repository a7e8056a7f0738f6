// Package store implements the content-addressed layer cache.
//
// Every build step produces an immutable filesystem delta, stored as a tar
// blob addressed by its content digest. A cache key identifies the step
// that produced a layer: the digest of the parent layer's key combined with
// the step's canonical encoding. Rebuilding an unchanged prefix of a
// manifest therefore resolves entirely from the store without running any
// step.
//
// The store is an explicit, injectable value with its own lifecycle. It is
// populated during builds, read during builds and image export, and never
// mutated by launches. Concurrent builders that reach the same cache key
// are coalesced so the step runs at most once.
package store
