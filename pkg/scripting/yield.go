package scripting

import (
	"errors"
	"sync"

	"github.com/labdaq/labdaq/pkg/plan"
)

// ErrDetached is returned from Emit after the orchestrator has detached.
// A leaked script worker keeps running but every later yield fails with
// this error instead of blocking forever.
var ErrDetached = errors.New("scripting: orchestrator detached")

// YieldKind identifies the variant of a YieldedValue.
type YieldKind string

const (
	// YieldPlan hands a whole plan to the orchestrator.
	YieldPlan YieldKind = "plan"

	// YieldCommand hands a single message, executed as a one-step run.
	YieldCommand YieldKind = "command"

	// YieldDone signals normal script completion.
	YieldDone YieldKind = "done"

	// YieldError signals a script failure with a reason.
	YieldError YieldKind = "error"
)

// YieldedValue is one script-to-orchestrator handoff.
type YieldedValue struct {
	Kind    YieldKind
	Plan    plan.Plan
	Command plan.Message
	Err     string
}

// PlanYield wraps a plan for emission.
func PlanYield(p plan.Plan) YieldedValue {
	return YieldedValue{Kind: YieldPlan, Plan: p}
}

// CommandYield wraps a single message for emission.
func CommandYield(msg plan.Message) YieldedValue {
	return YieldedValue{Kind: YieldCommand, Command: msg}
}

// DoneYield signals normal completion.
func DoneYield() YieldedValue {
	return YieldedValue{Kind: YieldDone}
}

// ErrorYield signals a script failure.
func ErrorYield(msg string) YieldedValue {
	return YieldedValue{Kind: YieldError, Err: msg}
}

// ResultStatus is the outcome class of one yielded plan.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultAbort   ResultStatus = "abort"
	ResultFail    ResultStatus = "fail"
)

// YieldResult is the orchestrator-to-script reply for one yield.
type YieldResult struct {
	Status        ResultStatus
	RunUID        string
	LastEventData map[string]float64
	LastPositions map[string]float64
	NumEvents     int
	Reason        string
}

// SuccessResult builds a successful reply.
func SuccessResult(runUID string, data, positions map[string]float64, numEvents int) YieldResult {
	return YieldResult{
		Status:        ResultSuccess,
		RunUID:        runUID,
		LastEventData: data,
		LastPositions: positions,
		NumEvents:     numEvents,
	}
}

// AbortResult builds a reply for an aborted run.
func AbortResult(runUID, reason string, numEvents int) YieldResult {
	return YieldResult{Status: ResultAbort, RunUID: runUID, Reason: reason, NumEvents: numEvents}
}

// FailResult builds a reply for a failed run.
func FailResult(runUID, reason string, numEvents int) YieldResult {
	return YieldResult{Status: ResultFail, RunUID: runUID, Reason: reason, NumEvents: numEvents}
}

// OK reports whether the yield succeeded.
func (r YieldResult) OK() bool {
	return r.Status == ResultSuccess
}

// requestBuffer bounds how far a script can run ahead of the orchestrator.
const requestBuffer = 16

// YieldHandle is the bridge between a synchronously-evaluated script and the
// orchestration loop. The script side calls Emit, SignalDone and
// SignalError; the orchestrator side reads Requests and answers via Reply.
//
// The request channel is bounded for backpressure. The reply channel holds a
// single slot: the script always waits for exactly one reply before it may
// yield again, so N yields receive exactly N replies in order.
type YieldHandle struct {
	requests chan YieldedValue
	replies  chan YieldResult

	detach chan struct{}
	once   sync.Once
}

// NewYieldHandle creates a connected handle pair.
func NewYieldHandle() *YieldHandle {
	return &YieldHandle{
		requests: make(chan YieldedValue, requestBuffer),
		replies:  make(chan YieldResult, 1),
		detach:   make(chan struct{}),
	}
}

// Emit hands a value to the orchestrator and blocks the calling worker until
// the matching reply arrives. After Detach it fails with ErrDetached.
func (h *YieldHandle) Emit(v YieldedValue) (YieldResult, error) {
	select {
	case h.requests <- v:
	case <-h.detach:
		return YieldResult{}, ErrDetached
	}

	select {
	case r := <-h.replies:
		return r, nil
	case <-h.detach:
		return YieldResult{}, ErrDetached
	}
}

// SignalDone tells the orchestrator the script finished normally. No reply
// is awaited.
func (h *YieldHandle) SignalDone() {
	h.signal(DoneYield())
}

// SignalError tells the orchestrator the script failed. No reply is awaited.
func (h *YieldHandle) SignalError(msg string) {
	h.signal(ErrorYield(msg))
}

func (h *YieldHandle) signal(v YieldedValue) {
	select {
	case h.requests <- v:
	case <-h.detach:
	}
}

// Requests exposes the orchestrator side of the bridge.
func (h *YieldHandle) Requests() <-chan YieldedValue {
	return h.requests
}

// Reply answers the pending yield. The reply slot is free whenever the
// worker is blocked in Emit, so this never blocks in the one-reply-per-yield
// protocol.
func (h *YieldHandle) Reply(r YieldResult) {
	select {
	case h.replies <- r:
	case <-h.detach:
	}
}

// Detach abandons the script worker. The worker is not forcibly stopped; it
// keeps running until its own logic finishes, with every later Emit failing
// with ErrDetached. Detach is idempotent.
func (h *YieldHandle) Detach() {
	h.once.Do(func() { close(h.detach) })
}
