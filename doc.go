// Package watchtower is the compliance monitoring core: a checkpointed
// workflow orchestrator paired with a live WebSocket delivery channel.
//
// Each regulatory circular submitted to the orchestrator flows through a
// fixed pipeline — ingest, compare, score, decide — with a durable
// checkpoint written after every step. External collaborators (text
// extraction, embedding, vector search, notification sinks) are invoked
// through the capability registry, never directly, so the pipeline can be
// resumed after a crash without re-invoking completed steps.
//
// Every state transition is published on the event bus; the live package
// fans those events out to connected viewers as invalidation signals.
//
// # Quick start
//
//	store := memory.New()
//	eng, err := engine.Build(store,
//	    engine.WithAlertThreshold(80),
//	)
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package watchtower
