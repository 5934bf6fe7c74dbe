// Package detection persists duplicate-pair candidates and enforces their
// review lifecycle.
//
// Pairs are stored with the smaller record id first, so (a, b) and (b, a)
// name the same row, and a unique index keeps one row per pair per method.
// Rescans refresh pending rows in place; reviewed rows only change on a
// forced rescan, and merged rows never change again.
//
//	pending --confirm--> confirmed --beginMerge--> merging --commit--> merged
//	pending --dismiss--> dismissed
//	confirmed --dismiss--> dismissed
//	dismissed --reopen--> pending   (only when review.allow_reopen is set)
package detection
