package plan

import (
	"fmt"
	"strconv"
	"time"
)

// TimeSeriesPlan collects data from one module at a fixed interval for a
// fixed duration. This is the most common acquisition pattern: trigger the
// module, read its value, sleep until the next sample.
type TimeSeriesPlan struct {
	// ModuleID is the module to acquire from.
	ModuleID string

	// Duration is the total acquisition time.
	Duration time.Duration

	// Interval is the time between samples.
	Interval time.Duration

	step int
	buf  []Message
	done bool
}

// NewTimeSeriesPlan creates a time series acquisition plan.
func NewTimeSeriesPlan(moduleID string, duration, interval time.Duration) *TimeSeriesPlan {
	return &TimeSeriesPlan{
		ModuleID: moduleID,
		Duration: duration,
		Interval: interval,
	}
}

// TotalSteps returns the number of samples the plan will take.
func (p *TimeSeriesPlan) TotalSteps() int {
	if p.Interval <= 0 {
		return 0
	}
	n := int(p.Duration.Seconds()/p.Interval.Seconds() + 0.999999)
	if n < 1 {
		n = 1
	}
	return n
}

// Validate implements Plan.
func (p *TimeSeriesPlan) Validate() error {
	if p.ModuleID == "" {
		return fmt.Errorf("time series plan: module id is required")
	}
	if p.Interval <= 0 {
		return fmt.Errorf("time series plan: interval must be positive, got %v", p.Interval)
	}
	if p.Duration < p.Interval {
		return fmt.Errorf("time series plan: duration %v shorter than interval %v", p.Duration, p.Interval)
	}
	return nil
}

// Metadata implements Plan.
func (p *TimeSeriesPlan) Metadata() (string, string) {
	return "time_series", fmt.Sprintf("%d samples from %s every %v", p.TotalSteps(), p.ModuleID, p.Interval)
}

// Modules implements ModuleLister.
func (p *TimeSeriesPlan) Modules() []string {
	return []string{p.ModuleID}
}

// Next implements Plan.
func (p *TimeSeriesPlan) Next() (Message, error) {
	if len(p.buf) == 0 {
		p.fill()
	}
	if len(p.buf) == 0 {
		return Message{}, ErrEndOfStream
	}
	m := p.buf[0]
	p.buf = p.buf[1:]
	return m, nil
}

func (p *TimeSeriesPlan) fill() {
	if p.done {
		return
	}
	total := p.TotalSteps()

	if p.step == 0 {
		p.buf = append(p.buf, BeginRun(map[string]string{
			"plan":        "time_series",
			"module":      p.ModuleID,
			"total_steps": strconv.Itoa(total),
			"interval":    p.Interval.String(),
		}))
	}
	if p.step >= total {
		p.buf = append(p.buf, EndRun())
		p.done = true
		return
	}

	if p.step%10 == 0 {
		p.buf = append(p.buf, Log(LogInfo, fmt.Sprintf("time series: step %d/%d", p.step+1, total)))
	}
	p.buf = append(p.buf, Trigger(p.ModuleID), Read(p.ModuleID))
	if p.step < total-1 {
		p.buf = append(p.buf, Sleep(p.Interval.Seconds()))
	}
	if (p.step+1)%100 == 0 {
		p.buf = append(p.buf, Checkpoint(fmt.Sprintf("step_%d", p.step+1)))
	}
	p.step++
}

// ScanPlan sweeps a parameter on a target module across a linear range,
// reading a detector module at each point.
type ScanPlan struct {
	// Target is the module whose parameter is swept.
	Target string

	// Param is the parameter to sweep (typically "position").
	Param string

	// Start and Stop bound the sweep range, inclusive.
	Start float64
	Stop  float64

	// Steps is the number of points in the sweep.
	Steps int

	// Detector is the module read at each point.
	Detector string

	step int
	buf  []Message
	done bool
}

// NewScanPlan creates a 1D scan plan.
func NewScanPlan(target, param string, start, stop float64, steps int, detector string) *ScanPlan {
	return &ScanPlan{
		Target:   target,
		Param:    param,
		Start:    start,
		Stop:     stop,
		Steps:    steps,
		Detector: detector,
	}
}

// Validate implements Plan.
func (p *ScanPlan) Validate() error {
	if p.Target == "" || p.Param == "" {
		return fmt.Errorf("scan plan: target and param are required")
	}
	if p.Detector == "" {
		return fmt.Errorf("scan plan: detector is required")
	}
	if p.Steps < 2 {
		return fmt.Errorf("scan plan: need at least 2 steps, got %d", p.Steps)
	}
	return nil
}

// Metadata implements Plan.
func (p *ScanPlan) Metadata() (string, string) {
	return "scan", fmt.Sprintf("%s.%s from %g to %g in %d steps, reading %s",
		p.Target, p.Param, p.Start, p.Stop, p.Steps, p.Detector)
}

// Modules implements ModuleLister.
func (p *ScanPlan) Modules() []string {
	return []string{p.Target, p.Detector}
}

// position returns the sweep value for step i.
func (p *ScanPlan) position(i int) float64 {
	return p.Start + (p.Stop-p.Start)*float64(i)/float64(p.Steps-1)
}

// Next implements Plan.
func (p *ScanPlan) Next() (Message, error) {
	if len(p.buf) == 0 {
		p.fill()
	}
	if len(p.buf) == 0 {
		return Message{}, ErrEndOfStream
	}
	m := p.buf[0]
	p.buf = p.buf[1:]
	return m, nil
}

func (p *ScanPlan) fill() {
	if p.done {
		return
	}
	if p.step == 0 {
		p.buf = append(p.buf, BeginRun(map[string]string{
			"plan":     "scan",
			"target":   p.Target,
			"param":    p.Param,
			"detector": p.Detector,
			"steps":    strconv.Itoa(p.Steps),
		}))
	}
	if p.step >= p.Steps {
		p.buf = append(p.buf, EndRun())
		p.done = true
		return
	}

	pos := p.position(p.step)
	p.buf = append(p.buf,
		Set(p.Target, p.Param, strconv.FormatFloat(pos, 'g', -1, 64)),
		Trigger(p.Detector),
		Read(p.Detector),
	)
	if (p.step+1)%10 == 0 {
		p.buf = append(p.buf, Checkpoint(fmt.Sprintf("point_%d", p.step+1)))
	}
	p.step++
}

// CountPlan performs a fixed number of trigger+read cycles on one module,
// with an optional delay between cycles.
type CountPlan struct {
	// ModuleID is the module to acquire from.
	ModuleID string

	// Count is the number of acquisition cycles.
	Count int

	// Delay is the pause between cycles; zero means back-to-back.
	Delay time.Duration

	step int
	buf  []Message
	done bool
}

// NewCountPlan creates a fixed-count acquisition plan.
func NewCountPlan(moduleID string, count int, delay time.Duration) *CountPlan {
	return &CountPlan{ModuleID: moduleID, Count: count, Delay: delay}
}

// Validate implements Plan.
func (p *CountPlan) Validate() error {
	if p.ModuleID == "" {
		return fmt.Errorf("count plan: module id is required")
	}
	if p.Count < 1 {
		return fmt.Errorf("count plan: count must be at least 1, got %d", p.Count)
	}
	return nil
}

// Metadata implements Plan.
func (p *CountPlan) Metadata() (string, string) {
	return "count", fmt.Sprintf("%d readings from %s", p.Count, p.ModuleID)
}

// Modules implements ModuleLister.
func (p *CountPlan) Modules() []string {
	return []string{p.ModuleID}
}

// Next implements Plan.
func (p *CountPlan) Next() (Message, error) {
	if len(p.buf) == 0 {
		p.fill()
	}
	if len(p.buf) == 0 {
		return Message{}, ErrEndOfStream
	}
	m := p.buf[0]
	p.buf = p.buf[1:]
	return m, nil
}

func (p *CountPlan) fill() {
	if p.done {
		return
	}
	if p.step == 0 {
		p.buf = append(p.buf, BeginRun(map[string]string{
			"plan":   "count",
			"module": p.ModuleID,
			"count":  strconv.Itoa(p.Count),
		}))
	}
	if p.step >= p.Count {
		p.buf = append(p.buf, EndRun())
		p.done = true
		return
	}

	p.buf = append(p.buf, Trigger(p.ModuleID), Read(p.ModuleID))
	if p.Delay > 0 && p.step < p.Count-1 {
		p.buf = append(p.buf, Sleep(p.Delay.Seconds()))
	}
	p.step++
}

// SequencePlan replays an explicit message list. It is the imperative
// escape hatch: single commands yielded by scripts are wrapped in a
// SequencePlan before dispatch.
type SequencePlan struct {
	// Name identifies the sequence in logs and reports.
	Name string

	// Messages is the exact stream to replay, in order.
	Messages []Message

	i int
}

// NewSequencePlan creates a plan that replays the given messages in order.
func NewSequencePlan(name string, messages []Message) *SequencePlan {
	return &SequencePlan{Name: name, Messages: messages}
}

// WrapCommand wraps a single message as a one-step sequence, bracketed by
// BeginRun/EndRun so the run lifecycle stays well-formed.
func WrapCommand(msg Message) *SequencePlan {
	return NewSequencePlan("command", []Message{
		BeginRun(map[string]string{"plan": "command", "command": string(msg.Kind)}),
		msg,
		EndRun(),
	})
}

// Validate implements Plan.
func (p *SequencePlan) Validate() error {
	if len(p.Messages) == 0 {
		return fmt.Errorf("sequence plan: message list is empty")
	}
	return nil
}

// Metadata implements Plan.
func (p *SequencePlan) Metadata() (string, string) {
	name := p.Name
	if name == "" {
		name = "sequence"
	}
	return name, fmt.Sprintf("%d messages", len(p.Messages))
}

// Modules implements ModuleLister.
func (p *SequencePlan) Modules() []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, m := range p.Messages {
		add(m.ModuleID)
		add(m.Target)
	}
	return ids
}

// Next implements Plan.
func (p *SequencePlan) Next() (Message, error) {
	if p.i >= len(p.Messages) {
		return Message{}, ErrEndOfStream
	}
	m := p.Messages[p.i]
	p.i++
	return m, nil
}
