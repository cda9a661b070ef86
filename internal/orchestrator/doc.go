// Package orchestrator ties the session lifecycle, intervention,
// checkpoint, and retest services into one engine.
//
// # Overview
//
// The engine is the integration point the daemon and the HTTP API talk
// to. It owns the cross-service flows that no single service can do
// alone:
//
//   - completion handling: persist the outcome, evaluate the quality
//     gate, and surface review decisions through the notifier
//   - epic completion counting: after every Nth completed epic, select
//     retest candidates and run them through the driver
//   - stale-session scanning: a ticker loop that surfaces running
//     sessions with aged heartbeats for intervention
//
// Individual state transitions stay with their owning services; the
// engine only sequences them.
package orchestrator
