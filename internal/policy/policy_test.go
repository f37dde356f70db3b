package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesCleanTextAlone(t *testing.T) {
	input := "tell me about the weather tomorrow"
	out, changed := RedactPII(input)
	if changed || out != input {
		t.Fatalf("RedactPII(%q) = %q changed=%v, want unchanged", input, out, changed)
	}
}

func TestValidatorCheck(t *testing.T) {
	v := Validator{MinLength: 2, MaxLength: 20, BlockedTerms: []string{"forbidden"}}
	cases := []struct {
		name     string
		response string
		wantOK   bool
		reason   string
	}{
		{"acceptable", "all good here", true, ""},
		{"too short", "x", false, "response_too_short"},
		{"whitespace only", "   ", false, "response_too_short"},
		{"too long", strings.Repeat("a", 21), false, "response_too_long"},
		{"blocked term", "this is Forbidden text", false, "blocked_term"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := v.Check(tc.response)
			if ok != tc.wantOK || reason != tc.reason {
				t.Fatalf("Check(%q) = %v %q, want %v %q", tc.response, ok, reason, tc.wantOK, tc.reason)
			}
		})
	}
}

func TestValidatorZeroMaxLengthIsUnbounded(t *testing.T) {
	v := Validator{MinLength: 1}
	ok, reason := v.Check(strings.Repeat("long ", 10000))
	if !ok {
		t.Fatalf("Check() = false %q, want unbounded max", reason)
	}
}
