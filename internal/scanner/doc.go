// Package scanner finds duplicate candidates in the catalog and records them
// as pending detections.
//
// A scan runs in two phases. The first reads the scope in chunks and builds a
// block index: each blocking key (title prefix, identifier, attachment hash,
// repository and level) maps to a roaring bitmap of record ids. The second
// walks records in id order, comparing each record only with block mates
// that have a larger id, so every pair is scored once per pass no matter how
// many blocks it shares. Progress is checkpointed after every chunk; a failed
// or cancelled job resumes after its last checkpoint.
package scanner
