package model

import "testing"

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{StatusCompleted, StatusFailed, StatusSkipped}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	nonTerminal := []TaskStatus{StatusPending, StatusWaiting, StatusRunning}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestModelTimeoutCeiling(t *testing.T) {
	cases := []struct {
		model Model
		want  string
	}{
		{ModelSonnet, "30m0s"},
		{ModelOpus, "1h0m0s"},
		{ModelHaiku, "10m0s"},
		{"", "30m0s"},
		{"unknown-model", "30m0s"},
	}
	for _, c := range cases {
		if got := c.model.TimeoutCeiling().String(); got != c.want {
			t.Errorf("Model(%q).TimeoutCeiling() = %s, want %s", c.model, got, c.want)
		}
	}
}

func TestOrchestrationStatusIsTerminal(t *testing.T) {
	terminal := []OrchestrationStatus{OrchCompleted, OrchFailed, OrchCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if OrchPending.IsTerminal() || OrchRunning.IsTerminal() {
		t.Error("pending/running orchestrations should not be terminal")
	}
}
