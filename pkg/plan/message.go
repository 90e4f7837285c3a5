package plan

import "fmt"

// MessageKind identifies the variant of a Message.
type MessageKind string

// Message kinds. The vocabulary is fixed; the engine rejects nothing else
// because nothing else can be constructed through this package.
const (
	// KindBeginRun opens a run and carries its metadata.
	KindBeginRun MessageKind = "begin_run"

	// KindEndRun closes the run successfully.
	KindEndRun MessageKind = "end_run"

	// KindSet writes a parameter value on a target module.
	KindSet MessageKind = "set"

	// KindTrigger starts an acquisition on a module and awaits acknowledgement.
	KindTrigger MessageKind = "trigger"

	// KindRead reads the current value from a module.
	KindRead MessageKind = "read"

	// KindSleep suspends the run for a number of seconds.
	KindSleep MessageKind = "sleep"

	// KindCheckpoint persists a progress snapshot synchronously.
	KindCheckpoint MessageKind = "checkpoint"

	// KindPause requests a pause; effective only while running.
	KindPause MessageKind = "pause"

	// KindResume requests a resume; effective only while paused.
	KindResume MessageKind = "resume"

	// KindLog forwards a message to the log sink.
	KindLog MessageKind = "log"
)

// LogLevel is the severity of a Log message.
type LogLevel string

// Log levels understood by the engine's log sink.
const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Message is one atomic instruction in a plan's stream. It is a closed
// tagged variant: Kind selects which payload fields are meaningful.
type Message struct {
	Kind MessageKind

	// Metadata is the run metadata (BeginRun only).
	Metadata map[string]string

	// Target and Param identify a module parameter (Set only).
	Target string
	Param  string
	Value  string

	// ModuleID identifies the module to trigger or read.
	ModuleID string

	// Seconds is the sleep duration (Sleep only).
	Seconds float64

	// Label is an optional checkpoint label (Checkpoint only).
	Label string

	// Level and Text carry a log record (Log only).
	Level LogLevel
	Text  string
}

// BeginRun constructs a BeginRun message with the given run metadata.
func BeginRun(metadata map[string]string) Message {
	return Message{Kind: KindBeginRun, Metadata: metadata}
}

// EndRun constructs an EndRun message.
func EndRun() Message {
	return Message{Kind: KindEndRun}
}

// Set constructs a Set message for target.param = value.
func Set(target, param, value string) Message {
	return Message{Kind: KindSet, Target: target, Param: param, Value: value}
}

// Trigger constructs a Trigger message for the given module.
func Trigger(moduleID string) Message {
	return Message{Kind: KindTrigger, ModuleID: moduleID}
}

// Read constructs a Read message for the given module.
func Read(moduleID string) Message {
	return Message{Kind: KindRead, ModuleID: moduleID}
}

// Sleep constructs a Sleep message for the given number of seconds.
func Sleep(seconds float64) Message {
	return Message{Kind: KindSleep, Seconds: seconds}
}

// Checkpoint constructs a Checkpoint message. The label may be empty.
func Checkpoint(label string) Message {
	return Message{Kind: KindCheckpoint, Label: label}
}

// Pause constructs a Pause message.
func Pause() Message {
	return Message{Kind: KindPause}
}

// Resume constructs a Resume message.
func Resume() Message {
	return Message{Kind: KindResume}
}

// Log constructs a Log message at the given level.
func Log(level LogLevel, text string) Message {
	return Message{Kind: KindLog, Level: level, Text: text}
}

// String returns a compact human-readable form for logs and errors.
func (m Message) String() string {
	switch m.Kind {
	case KindBeginRun:
		return fmt.Sprintf("begin_run(%d metadata keys)", len(m.Metadata))
	case KindEndRun:
		return "end_run"
	case KindSet:
		return fmt.Sprintf("set(%s.%s=%s)", m.Target, m.Param, m.Value)
	case KindTrigger:
		return fmt.Sprintf("trigger(%s)", m.ModuleID)
	case KindRead:
		return fmt.Sprintf("read(%s)", m.ModuleID)
	case KindSleep:
		return fmt.Sprintf("sleep(%.3fs)", m.Seconds)
	case KindCheckpoint:
		if m.Label != "" {
			return fmt.Sprintf("checkpoint(%s)", m.Label)
		}
		return "checkpoint"
	case KindPause:
		return "pause"
	case KindResume:
		return "resume"
	case KindLog:
		return fmt.Sprintf("log(%s: %s)", m.Level, m.Text)
	default:
		return fmt.Sprintf("unknown(%s)", string(m.Kind))
	}
}
