// Package scripting embeds a Starlark host for driving experiment runs and
// the orchestration that connects it to the run engine.
//
// Starlark evaluation is synchronous, so scripts run on an isolated worker
// goroutine and talk to the orchestrator through a YieldHandle: a bounded
// request channel for backpressure and a single-slot reply channel that
// forces a full round trip per yield. A script that yields N times receives
// exactly N replies, in order.
//
// ScriptPlanRunner owns one script end to end. It pumps the bridge,
// dispatches each yielded plan or command to the engine, collects the run's
// documents into the reply, and enforces a global timeout and plan-count
// limit. It never fails outward: syntax errors, runtime failures, worker
// panics and limit overruns all fold into a ScriptRunReport with
// Success=false.
//
// On timeout or limit overrun the worker is detached rather than killed; a
// leaked worker keeps running until its own logic finishes, with every later
// emit failing with ErrDetached.
package scripting
