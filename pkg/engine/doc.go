// Package engine contains the run engine that drives experiment plans.
//
// A RunEngine consumes one plan's message stream at a time, dispatching
// actions to a ModuleController and tracking lifecycle state (idle, running,
// paused, complete, error). Progress is observable two ways: Status gives a
// point-in-time snapshot, and the document broadcast delivers Event and Stop
// records to any number of subscribers.
//
// Run lifecycle:
//
//	runUID, err := eng.Queue(p)   // validate and stage
//	err = eng.Start(ctx)          // execute to completion
//
// or eng.Run(ctx, p) to do both. Queue returning the run UID before
// execution lets callers subscribe and filter the document stream without
// racing the first events.
//
// Pause, Resume and Abort act on the running plan from any goroutine. A
// paused run blocks inside its own loop until resumed. Checkpoints are
// diagnostic snapshots persisted as JSON; they never mutate engine state and
// cannot be resumed from.
package engine
