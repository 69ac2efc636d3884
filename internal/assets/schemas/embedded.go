// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory, including on compute nodes that only have the binary.
package schemasassets

import _ "embed"

// EnsembleManifestSchema validates the batch definition consumed by
// `goforward prepare` and `goforward queue run`.
//
//go:embed ensemble-manifest.schema.json
var EnsembleManifestSchema []byte

// ChainSchema validates goforward.chain.json files written into run
// directories.
//
//go:embed chain.schema.json
var ChainSchema []byte
