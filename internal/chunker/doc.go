// Package chunker splits an ordered dataset into contiguous chunks.
//
// New(records, size) returns a pull-based Chunker: Next yields chunks in
// input order, every chunk except possibly the last has exactly size
// records, and concatenating all chunks reconstructs the input. Chunks are
// sub-slices of the input, so no records are copied.
//
// Size(n, workers) gives the engine's chunk size, ceil(n/workers), which
// yields at most workers chunks.
package chunker
