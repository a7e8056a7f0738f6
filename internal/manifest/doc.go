// Package manifest defines the declarative build description.
//
// A manifest (a "kilnfile") names a base runtime archive, a working
// directory, an ordered list of copy and run steps, and the runtime
// contract of the resulting image: the port the service intends to listen
// on and the entrypoint command. Manifests are plain YAML documents:
//
//	base: python-3.12.tar
//	workdir: /app
//	steps:
//	  - copy: "pyproject.toml ."
//	  - run: "pip install ."
//	  - copy: ". ."
//	port: 8000
//	entrypoint: ["python", "main.py"]
//
// Step order is significant and preserved exactly as authored. Copying
// rarely-changing metadata before frequently-changing source maximizes
// layer cache reuse across rebuilds.
package manifest
