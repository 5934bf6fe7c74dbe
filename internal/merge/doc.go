// Package merge folds a secondary record into a primary one.
//
// A merge runs in a single immediate SQLite transaction: claim the detection
// (pending|confirmed -> merging), snapshot the secondary, reparent its
// children, move its digital objects, repoint its slugs, mark it superseded,
// write the merge log and finally mark the detection merged. Any failure
// rolls the whole transaction back, including the claim.
//
// The database write lock serializes merges across processes. Within a
// process an in-memory lock set rejects a second merge touching the same
// detection or record immediately with a conflict instead of queueing it
// behind the first.
//
// Preview computes the same plan without writing. It is racy by nature: a
// clean preview does not guarantee the merge will succeed.
package merge
