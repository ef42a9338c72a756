package summarize

import (
	"strings"
	"testing"
)

func TestContainsHardLeakage(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"system reminder tag", "<system-reminder>Plan Mode</system-reminder>", true},
		{"two combination markers", "You are in plan mode. This is a read-only phase.", true},
		{"single combination marker", "This step is strictly forbidden here.", false},
		{"soft marker only", "Critical: system warning", false},
		{"plain text", "A quiet morning by the river.", false},
		{"empty", "   ", false},
		{"case and whitespace folded", "PLAN   MODE and READ-ONLY\nPHASE", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ContainsHardLeakage(tc.text); got != tc.want {
				t.Fatalf("ContainsHardLeakage(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestContainsSoftLeakage(t *testing.T) {
	if !ContainsSoftLeakage("Critical: system warning") {
		t.Fatal("soft marker not detected")
	}
	if !ContainsSoftLeakage("<system-reminder>x</system-reminder>") {
		t.Fatal("hard leakage must imply soft leakage")
	}
	if ContainsSoftLeakage("A quiet morning by the river.") {
		t.Fatal("plain text flagged as soft leakage")
	}
}

func TestLeakageHits(t *testing.T) {
	hits := LeakageHits("critical: you are in plan mode during a read-only phase")
	want := []string{"plan mode", "read-only phase", "critical:"}
	if len(hits) != len(want) {
		t.Fatalf("hits = %v, want %v", hits, want)
	}
	for i := range want {
		if hits[i] != want[i] {
			t.Fatalf("hits[%d] = %q, want %q", i, hits[i], want[i])
		}
	}
}

func TestScrubRemovesReminderBlocks(t *testing.T) {
	in := "Before. <system-reminder>Plan Mode - READ-ONLY phase.</system-reminder> After."
	got, changed := Scrub(in)
	if !changed {
		t.Fatal("expected scrub to report a change")
	}
	if strings.Contains(strings.ToLower(got), "system-reminder") {
		t.Fatalf("reminder tag survived scrub: %q", got)
	}
	if got != "Before. After." {
		t.Fatalf("scrubbed text = %q", got)
	}
}

func TestScrubDropsLeakingLines(t *testing.T) {
	in := "Good line one.\nYou may only observe, this is plan mode.\nGood line two."
	got, changed := Scrub(in)
	if !changed {
		t.Fatal("expected scrub to report a change")
	}
	if strings.Contains(strings.ToLower(got), "plan mode") {
		t.Fatalf("leaking line survived: %q", got)
	}
	if got != "Good line one. Good line two." {
		t.Fatalf("scrubbed text = %q", got)
	}
}

func TestScrubCleanTextUnchanged(t *testing.T) {
	got, changed := Scrub("A quiet morning by the river.")
	if changed {
		t.Fatal("clean text reported as changed")
	}
	if got != "A quiet morning by the river." {
		t.Fatalf("clean text altered: %q", got)
	}
}
