// Package plan defines the message protocol and plan abstraction for LabDAQ
// experiment execution. A Plan produces a lazy, finite, ordered stream of
// Messages; the engine package consumes that stream and translates each
// Message into module commands.
//
// The Message vocabulary is closed: experiment procedures are expressed
// entirely in terms of BeginRun, EndRun, Set, Trigger, Read, Sleep,
// Checkpoint, Pause, Resume and Log. Plans, by contrast, are open: anything
// implementing the Plan interface can run, including plans assembled
// dynamically by scripts.
//
// Built-in plan primitives cover the common acquisition patterns:
//
//   - TimeSeriesPlan: trigger+read a module at a fixed interval for a duration
//   - ScanPlan: sweep a parameter across a range, reading a detector at each point
//   - CountPlan: a fixed number of trigger+read cycles
//   - SequencePlan: an explicit message list, used for imperative one-offs
package plan
