package taskresult

import "testing"

func TestToReturnCode(t *testing.T) {
	cases := map[Result]int{
		Succeeded: 100,
		Failed:    102,
		Canceled:  103,
		Abandoned: 105,
	}
	for result, want := range cases {
		if got := ToReturnCode(result); got != want {
			t.Errorf("ToReturnCode(%v) = %d, want %d", result, got, want)
		}
	}
}

func TestFromReturnCodeRoundTrip(t *testing.T) {
	for v := int(Succeeded); v <= int(Abandoned); v++ {
		r := Result(v)
		if got := FromReturnCode(ToReturnCode(r)); got != r {
			t.Errorf("round trip failed for %v: got %v", r, got)
		}
	}
}

func TestFromReturnCodeOutOfRange(t *testing.T) {
	cases := []int{0, 99, 106, 999, -5}
	for _, code := range cases {
		if got := FromReturnCode(code); got != Failed {
			t.Errorf("FromReturnCode(%d) = %v, want Failed", code, got)
		}
	}
}

func TestIsValidReturnCode(t *testing.T) {
	for code := 100; code <= 105; code++ {
		if !IsValidReturnCode(code) {
			t.Errorf("IsValidReturnCode(%d) = false, want true", code)
		}
	}
	if IsValidReturnCode(99) || IsValidReturnCode(106) {
		t.Errorf("boundary codes incorrectly reported valid")
	}
}

func TestMergeNilCurrent(t *testing.T) {
	if got := Merge(nil, Succeeded); got != Succeeded {
		t.Errorf("Merge(nil, Succeeded) = %v, want Succeeded", got)
	}
}

func TestMergeWorseIncoming(t *testing.T) {
	cur := Succeeded
	if got := Merge(&cur, Failed); got != Failed {
		t.Errorf("Merge(Succeeded, Failed) = %v, want Failed", got)
	}
}

func TestMergeKeepsWorseThanFailed(t *testing.T) {
	cur := Canceled
	if got := Merge(&cur, Failed); got != Canceled {
		t.Errorf("Merge(Canceled, Failed) = %v, want Canceled (Canceled outranks Failed)", got)
	}
}

func TestMergeSkippedDoesNotDowngrade(t *testing.T) {
	cur := Failed
	if got := Merge(&cur, Skipped); got != Skipped {
		t.Errorf("Merge(Failed, Skipped) = %v, want Skipped", got)
	}
}

func TestOutcomeStrings(t *testing.T) {
	cases := map[Result]string{
		Succeeded:           "success",
		SucceededWithIssues: "success",
		Failed:              "failure",
		Abandoned:           "failure",
		Canceled:            "cancelled",
		Skipped:             "skipped",
	}
	for r, want := range cases {
		if got := r.Outcome(); got != want {
			t.Errorf("%v.Outcome() = %q, want %q", r, got, want)
		}
	}
}

func TestConclusionStrings(t *testing.T) {
	if SucceededWithIssues.Conclusion() != "succeededWithIssues" {
		t.Errorf("unexpected conclusion string: %s", SucceededWithIssues.Conclusion())
	}
}
