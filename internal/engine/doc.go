// Package engine schedules input items across a fixed pool of workers.
//
// Each item moves through a validated state machine
// (Pending -> InFlight -> Succeeded | FailedPermanently | Interrupted, or
// Pending -> Skipped when already checkpointed). All state transitions happen
// on the coordinator goroutine under a single mutex; workers only detect,
// refine and persist.
package engine
