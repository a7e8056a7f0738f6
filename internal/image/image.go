package image

import (
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kilnproject/kilnd/internal/store"
)

// The runtime contract recorded as image metadata.
//
// The port is declarative: it advertises where the entrypoint intends to
// listen, but binding the socket is entirely the entrypoint's job. A
// mismatch between the two is a configuration error observable only at
// runtime.
type Contract struct {
	Port       int      // Advertised port, 0 when none is declared.
	Entrypoint []string // Command run as the sole foreground process.
	Workdir    string   // Working directory of the entrypoint process.
}

// An immutable build artifact: an ordered stack of layers on top of a base
// image, plus the runtime contract.
//
// Images are owned by the builder once produced and are never mutated.
type Image struct {
	Base     digest.Digest // Digest of the base runtime archive.
	Layers   []store.Layer // Built layers in application order.
	Contract Contract
}

// Returns the OCI ExposedPorts entry for the contract, or nil when no port
// is declared.
func (c Contract) exposedPorts() map[string]struct{} {
	if c.Port == 0 {
		return nil
	}
	return map[string]struct{}{
		fmt.Sprintf("%d/tcp", c.Port): {},
	}
}

// Applies the contract to an OCI image config.
func (c Contract) apply(config *ocispec.Image) {
	if len(c.Entrypoint) > 0 {
		config.Config.Entrypoint = c.Entrypoint
		config.Config.Cmd = nil
	}
	if c.Workdir != "" {
		config.Config.WorkingDir = c.Workdir
	}
	if ports := c.exposedPorts(); ports != nil {
		config.Config.ExposedPorts = ports
	}
}

// Reads the contract back out of an OCI image config.
func contractFromConfig(config ocispec.Image) Contract {
	c := Contract{
		Entrypoint: config.Config.Entrypoint,
		Workdir:    config.Config.WorkingDir,
	}

	for entry := range config.Config.ExposedPorts {
		var port int
		var proto string
		if _, err := fmt.Sscanf(entry, "%d/%s", &port, &proto); err == nil {
			c.Port = port
			break
		}
		if _, err := fmt.Sscanf(entry, "%d", &port); err == nil {
			c.Port = port
			break
		}
	}

	return c
}
