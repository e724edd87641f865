// Package taskresult defines the job/step result domain shared by the
// Worker's steps runner and the return-code protocol back to the Listener.
package taskresult

import "fmt"

// Result mirrors the distributed task pipeline's TaskResult enum.
type Result int

const (
	Succeeded Result = iota
	SucceededWithIssues
	Failed
	Canceled
	Skipped
	Abandoned
)

// returnCodeOffset is added to a Result to produce a process exit code.
const returnCodeOffset = 100

func (r Result) String() string {
	switch r {
	case Succeeded:
		return "Succeeded"
	case SucceededWithIssues:
		return "SucceededWithIssues"
	case Failed:
		return "Failed"
	case Canceled:
		return "Canceled"
	case Skipped:
		return "Skipped"
	case Abandoned:
		return "Abandoned"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Conclusion returns the lower-cased camelCase conclusion string used in the
// Run Service's completejob request body.
func (r Result) Conclusion() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case SucceededWithIssues:
		return "succeededWithIssues"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	case Skipped:
		return "skipped"
	case Abandoned:
		return "abandoned"
	default:
		return "failed"
	}
}

// Outcome returns the steps-context status string ("success", "failure",
// "cancelled", "skipped") for this result.
func (r Result) Outcome() string {
	switch r {
	case Succeeded, SucceededWithIssues:
		return "success"
	case Failed, Abandoned:
		return "failure"
	case Canceled:
		return "cancelled"
	case Skipped:
		return "skipped"
	default:
		return "failure"
	}
}

// FromInt converts an integer to a Result, returning ok=false if out of range.
func FromInt(value int) (Result, bool) {
	if value < int(Succeeded) || value > int(Abandoned) {
		return Failed, false
	}
	return Result(value), true
}

// ToReturnCode translates a Result to a Worker process exit code.
func ToReturnCode(r Result) int {
	return returnCodeOffset + int(r)
}

// FromReturnCode translates a process exit code to a Result. Out-of-range
// codes decode to Failed, per the return-code protocol.
func FromReturnCode(code int) Result {
	r, ok := FromInt(code - returnCodeOffset)
	if !ok {
		return Failed
	}
	return r
}

// IsValidReturnCode reports whether code is in the closed interval [100,105].
func IsValidReturnCode(code int) bool {
	_, ok := FromInt(code - returnCodeOffset)
	return ok
}

// Merge folds coming into current using severity ordering (low to high):
// Succeeded < SucceededWithIssues < Failed < Canceled < Skipped < Abandoned.
// A nil current simply adopts coming.
func Merge(current *Result, coming Result) Result {
	if current == nil {
		return coming
	}
	cur := *current
	// Once the accumulator is worse than Failed, it never improves.
	if cur > Failed {
		return cur
	}
	if coming >= cur {
		return coming
	}
	return cur
}
