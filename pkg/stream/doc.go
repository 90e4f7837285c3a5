// Package stream serves the live run document stream and recorded run
// history over HTTP.
//
// Live documents are pushed to WebSocket clients at /stream, optionally
// filtered to a single run with the run_uid query parameter. Recorded
// runs and their events are available under /api/runs when a store is
// attached. Slow clients never block the engine: the underlying
// subscription drops documents instead.
package stream
