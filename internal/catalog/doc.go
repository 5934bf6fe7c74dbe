// Package catalog is the record store the dedupe engine reads from and the
// merge engine mutates: descriptive records arranged in a hierarchy, their
// digital object attachments, and the public URL slugs that resolve to them.
//
// Records are never deleted. A merged-away record is marked superseded and
// keeps resolving through its redirected slugs.
package catalog
