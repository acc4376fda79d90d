package scheduler

import "testing"

func TestIsBlockedWhenBlockerUnresolved(t *testing.T) {
	g := NewBlockerGraph(map[string][]string{"EMI-2": {"EMI-1"}}, map[string]bool{"EMI-1": false})
	if !g.IsBlocked("EMI-2") {
		t.Fatal("expected EMI-2 to be blocked by unresolved EMI-1")
	}
}

func TestNotBlockedOnceResolved(t *testing.T) {
	g := NewBlockerGraph(map[string][]string{"EMI-2": {"EMI-1"}}, map[string]bool{"EMI-1": true})
	if g.IsBlocked("EMI-2") {
		t.Fatal("expected EMI-2 to be unblocked once EMI-1 is resolved")
	}
}

func TestNoBlockersMeansNotBlocked(t *testing.T) {
	g := NewBlockerGraph(nil, nil)
	if g.IsBlocked("EMI-3") {
		t.Fatal("expected EMI-3 with no edges to be unblocked")
	}
}

func TestHasCycleDetectsCircularBlockers(t *testing.T) {
	g := NewBlockerGraph(map[string][]string{
		"EMI-1": {"EMI-2"},
		"EMI-2": {"EMI-1"},
	}, nil)
	if !g.HasCycle() {
		t.Fatal("expected cycle to be detected")
	}
}

func TestHasCycleFalseForAcyclicGraph(t *testing.T) {
	g := NewBlockerGraph(map[string][]string{
		"EMI-2": {"EMI-1"},
		"EMI-3": {"EMI-2"},
	}, nil)
	if g.HasCycle() {
		t.Fatal("expected no cycle")
	}
}
