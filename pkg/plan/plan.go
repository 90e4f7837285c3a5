package plan

import "errors"

// ErrEndOfStream is returned by Plan.Next when the message stream is
// exhausted. It signals normal completion, not a failure.
var ErrEndOfStream = errors.New("plan: end of stream")

// Plan produces a finite, ordered sequence of Messages for one experiment
// procedure. The stream is lazy (messages are produced on demand) and
// one-shot: once Next has returned ErrEndOfStream the plan cannot be rerun.
type Plan interface {
	// Next returns the next message in the stream. It returns
	// ErrEndOfStream when the plan is complete, or any other error to
	// abort the run.
	Next() (Message, error)

	// Validate checks the plan's parameters before execution. A plan that
	// fails validation is never started.
	Validate() error

	// Metadata returns the plan's name and a short human description.
	Metadata() (name, description string)
}

// ModuleLister is an optional interface for plans that can enumerate the
// module IDs they will touch. The policy interlock uses it to check module
// allowlists before dispatch; plans that cannot enumerate their modules are
// checked on metadata alone.
type ModuleLister interface {
	Modules() []string
}
