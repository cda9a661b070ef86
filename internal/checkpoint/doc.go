// Package checkpoint persists point-in-time snapshots of session progress
// and exposes recovery lookup and invalidation.
//
// Checkpoint numbers are strictly increasing per session with no gaps; the
// numbering read and the insert share one transaction. Invalidated
// checkpoints can never be used to resume.
package checkpoint
