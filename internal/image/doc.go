// Package image assembles and inspects OCI image archives.
//
// An [Image] is the immutable product of a build: a base archive digest, an
// ordered stack of layer digests from the content-addressed store, and a
// runtime [Contract] (port, entrypoint, working directory). Export appends
// the built layers to the base image's manifest, records the contract on
// the image config, and writes a self-contained OCI archive that any
// OCI-compliant runtime can import. Inspect reads the contract back from an
// exported archive without unpacking any layer.
package image
