// Package build turns a manifest into an immutable OCI image archive.
//
// A build executes the manifest's steps strictly in order on top of the
// base runtime archive. Each operation step (copy or run) materializes one
// filesystem layer; modifier steps update the shell, working directory,
// and environment carried into subsequent steps without producing a layer.
//
// Layers are cached by content-addressed keys that chain the base digest,
// the effective step state, and the operation payload, so an unchanged
// prefix of steps is skipped on rebuild without starting any containers.
// Copy keys include a digest of the source files; editing a copied file
// invalidates that step and everything after it.
//
// Builds fail fast: the first failing step aborts the run with a
// [StepError] naming its position in the manifest, and no image is
// produced.
package build
