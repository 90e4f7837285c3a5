package scripting

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/labdaq/labdaq/pkg/engine"
	"github.com/labdaq/labdaq/pkg/plan"
)

// Host evaluates one experiment script. Scripts are plain Starlark with the
// yield handle surfaced as native functions: run_plan dispatches a whole
// plan, the command helpers (trigger, set, read, wait, checkpoint, log)
// dispatch single-step runs, and the plan constructors (time_series, scan,
// count, sequence) build plans without executing them. Caller-supplied
// parameters are exposed as the frozen dict `params`.
//
// Evaluation is synchronous; the caller is expected to run it on its own
// goroutine.
type Host struct {
	handle *YieldHandle
	params map[string]interface{}
	logger zerolog.Logger
}

// NewHost creates a host bound to the given yield handle. The params map is
// exposed to the script as the read-only dict `params`; values may be
// scalars, lists, or nested maps.
func NewHost(handle *YieldHandle, params map[string]interface{}, logger zerolog.Logger) *Host {
	return &Host{
		handle: handle,
		params: params,
		logger: logger.With().Str("component", "script-host").Logger(),
	}
}

// Run evaluates the script to completion. Script syntax and runtime failures
// come back as script errors; a panic in a native callback comes back as a
// worker panic error. Run itself never panics.
func (h *Host) Run(filename string, src []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.NewWorkerPanicError(fmt.Sprintf("script worker panicked: %v", r))
		}
	}()

	thread := &starlark.Thread{
		Name: "labdaq-script",
		Print: func(_ *starlark.Thread, msg string) {
			h.logger.Info().Str("script", filename).Msg(msg)
		},
	}

	params, err := toStarlarkValue(h.params)
	if err != nil {
		return engine.NewScriptError("invalid script params", err)
	}
	params.Freeze()

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"params": params,

		"run_plan":   starlark.NewBuiltin("run_plan", h.builtinRunPlan),
		"trigger":    starlark.NewBuiltin("trigger", h.builtinTrigger),
		"set":        starlark.NewBuiltin("set", h.builtinSet),
		"read":       starlark.NewBuiltin("read", h.builtinRead),
		"wait":       starlark.NewBuiltin("wait", h.builtinWait),
		"checkpoint": starlark.NewBuiltin("checkpoint", h.builtinCheckpoint),
		"log":        starlark.NewBuiltin("log", h.builtinLog),

		"time_series": starlark.NewBuiltin("time_series", builtinTimeSeries),
		"scan":        starlark.NewBuiltin("scan", builtinScan),
		"count":       starlark.NewBuiltin("count", builtinCount),
		"sequence":    starlark.NewBuiltin("sequence", builtinSequence),
	}

	if _, err := starlark.ExecFile(thread, filename, src, predeclared); err != nil {
		return engine.NewScriptError("script execution failed", err)
	}
	return nil
}

// starPlan wraps a plan as a Starlark value so scripts can build plans and
// hand them to run_plan. Plan streams are one-shot, so a plan may only be
// executed once.
type starPlan struct {
	plan     plan.Plan
	consumed bool
}

func (p *starPlan) String() string {
	name, _ := p.plan.Metadata()
	return fmt.Sprintf("<plan %s>", name)
}

func (p *starPlan) Type() string          { return "plan" }
func (p *starPlan) Freeze()               {}
func (p *starPlan) Truth() starlark.Bool  { return starlark.True }
func (p *starPlan) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: plan") }

func (h *Host) builtinRunPlan(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pv starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "plan", &pv); err != nil {
		return nil, err
	}
	sp, ok := pv.(*starPlan)
	if !ok {
		return nil, fmt.Errorf("run_plan: got %s, want plan", pv.Type())
	}
	if sp.consumed {
		return nil, fmt.Errorf("run_plan: plan already executed, plan streams are one-shot")
	}
	sp.consumed = true

	res, err := h.handle.Emit(PlanYield(sp.plan))
	if err != nil {
		return nil, err
	}
	return resultToStarlark(res), nil
}

// emitCommand dispatches a single message as a one-step run.
func (h *Host) emitCommand(msg plan.Message) (starlark.Value, error) {
	res, err := h.handle.Emit(CommandYield(msg))
	if err != nil {
		return nil, err
	}
	return resultToStarlark(res), nil
}

func (h *Host) builtinTrigger(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var module string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "module", &module); err != nil {
		return nil, err
	}
	return h.emitCommand(plan.Trigger(module))
}

func (h *Host) builtinSet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, param string
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &target, "param", &param, "value", &value); err != nil {
		return nil, err
	}
	s, err := scalarToString(value)
	if err != nil {
		return nil, err
	}
	return h.emitCommand(plan.Set(target, param, s))
}

func (h *Host) builtinRead(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var module string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "module", &module); err != nil {
		return nil, err
	}
	return h.emitCommand(plan.Read(module))
}

func (h *Host) builtinWait(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seconds float64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "seconds", &seconds); err != nil {
		return nil, err
	}
	if seconds < 0 {
		return nil, fmt.Errorf("wait: seconds must not be negative")
	}
	return h.emitCommand(plan.Sleep(seconds))
}

func (h *Host) builtinCheckpoint(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var label string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "label?", &label); err != nil {
		return nil, err
	}
	return h.emitCommand(plan.Checkpoint(label))
}

func (h *Host) builtinLog(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	level := "info"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg, "level?", &level); err != nil {
		return nil, err
	}
	switch level {
	case "info", "warn", "error":
	default:
		return nil, fmt.Errorf("log: unknown level %q", level)
	}
	return h.emitCommand(plan.Log(plan.LogLevel(level), msg))
}

// Plan constructors. These build plans without dispatching them.

func builtinTimeSeries(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var module string
	var duration, interval float64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "module", &module, "duration", &duration, "interval", &interval); err != nil {
		return nil, err
	}
	p := plan.NewTimeSeriesPlan(module, secondsToDuration(duration), secondsToDuration(interval))
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &starPlan{plan: p}, nil
}

func builtinScan(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, param, detector string
	var start, stop float64
	var steps int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"target", &target, "param", &param,
		"start", &start, "stop", &stop, "steps", &steps,
		"detector", &detector); err != nil {
		return nil, err
	}
	p := plan.NewScanPlan(target, param, start, stop, steps, detector)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &starPlan{plan: p}, nil
}

func builtinCount(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var module string
	var count int
	var delay float64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "module", &module, "count", &count, "delay?", &delay); err != nil {
		return nil, err
	}
	p := plan.NewCountPlan(module, count, secondsToDuration(delay))
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &starPlan{plan: p}, nil
}

func builtinSequence(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var modules *starlark.List
	var metadata *starlark.Dict
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "modules", &modules, "metadata?", &metadata); err != nil {
		return nil, err
	}

	meta := map[string]string{"plan": name}
	if metadata != nil {
		raw, err := fromStarlarkValue(metadata)
		if err != nil {
			return nil, fmt.Errorf("sequence: %w", err)
		}
		for k, v := range raw.(map[string]interface{}) {
			meta[k] = fmt.Sprint(v)
		}
	}

	// A simple acquisition over a list of modules: trigger then read each.
	msgs := []plan.Message{plan.BeginRun(meta)}
	for i := 0; i < modules.Len(); i++ {
		s, ok := modules.Index(i).(starlark.String)
		if !ok {
			return nil, fmt.Errorf("sequence: module %d is %s, want string", i, modules.Index(i).Type())
		}
		msgs = append(msgs, plan.Trigger(string(s)), plan.Read(string(s)))
	}
	msgs = append(msgs, plan.EndRun())

	p := plan.NewSequencePlan(name, msgs)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &starPlan{plan: p}, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
