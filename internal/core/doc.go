// Package core defines the domain model shared by every stage of the
// annotation engine.
//
// The types here are plain values:
//
//   - InputItem: one image frame submitted to the engine. Immutable.
//   - Detection: a labelled, categorised box in absolute pixel space.
//   - AnnotationResult: the terminal outcome of one item.
//   - Failure: the typed per-item failure, classified into the error taxonomy
//     (TransientRemote, MalformedResponse, PermanentRemote, InvalidInput).
//   - Result: the tagged success/failure envelope returned by a unit of work.
//   - Issue: an observability record (warning or error) raised while
//     processing an item.
//
// Nothing in this package performs I/O.
package core
