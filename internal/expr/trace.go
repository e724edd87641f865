package expr

import (
	"fmt"
	"strings"
)

// TraceWriter captures condition evaluation steps for debugging, mirroring
// GitHub Actions' condition tracing. It is a no-op collector when disabled
// so callers never have to branch on whether debug logging is on.
type TraceWriter struct {
	enabled bool
	traces  []string
}

// NewTraceWriter creates a TraceWriter. Pass enabled=true only when
// ACTIONS_STEP_DEBUG or ACTIONS_RUNNER_DEBUG is set.
func NewTraceWriter(enabled bool) *TraceWriter {
	return &TraceWriter{enabled: enabled}
}

// Enabled reports whether tracing is active.
func (w *TraceWriter) Enabled() bool {
	return w.enabled
}

func (w *TraceWriter) add(format string, args ...interface{}) {
	if !w.enabled {
		return
	}
	w.traces = append(w.traces, fmt.Sprintf(format, args...))
}

// TraceConditionStart records the start of condition evaluation for a step.
func (w *TraceWriter) TraceConditionStart(condition, stepName string) {
	w.add("Evaluating condition for step %q: %s", stepName, condition)
}

// TraceStatusFunction records a success()/failure()/always()/cancelled()
// call result.
func (w *TraceWriter) TraceStatusFunction(name string, result bool) {
	w.add("  %s() => %v", name, result)
}

// TraceComparison records a binary comparison's operands and result.
func (w *TraceWriter) TraceComparison(left, operator, right, leftValue, rightValue string, result bool) {
	w.add("  %s %s %s => %q %s %q => %v", left, operator, right, leftValue, operator, rightValue, result)
}

// TraceConditionResult records the final evaluation outcome for a step.
func (w *TraceWriter) TraceConditionResult(stepName string, result bool) {
	action := "will be skipped"
	if result {
		action = "will execute"
	}
	w.add("Step %q %s (condition evaluated to %v)", stepName, action, result)
}

// Traces returns the accumulated trace lines.
func (w *TraceWriter) Traces() []string {
	return w.traces
}

// String joins all accumulated trace lines, one per line.
func (w *TraceWriter) String() string {
	return strings.Join(w.traces, "\n")
}

// Clear discards all accumulated trace lines.
func (w *TraceWriter) Clear() {
	w.traces = nil
}
