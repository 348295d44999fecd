package database

import "testing"

func TestIsTerminal(t *testing.T) {
	terminal := []string{TargetStatusCompleted, TargetStatusFailed, TargetStatusCancelled}
	for _, status := range terminal {
		if !IsTerminal(status) {
			t.Errorf("%s should be terminal", status)
		}
	}
	live := []string{TargetStatusPending, TargetStatusReady, TargetStatusExecuting}
	for _, status := range live {
		if IsTerminal(status) {
			t.Errorf("%s should not be terminal", status)
		}
	}
}

func TestValidTransition(t *testing.T) {
	allowed := [][2]string{
		{TargetStatusPending, TargetStatusReady},
		{TargetStatusPending, TargetStatusFailed},
		{TargetStatusPending, TargetStatusCancelled},
		{TargetStatusReady, TargetStatusExecuting},
		{TargetStatusReady, TargetStatusFailed},
		{TargetStatusReady, TargetStatusCancelled},
		{TargetStatusExecuting, TargetStatusReady}, // retry requeue
		{TargetStatusExecuting, TargetStatusCompleted},
		{TargetStatusExecuting, TargetStatusFailed},
	}
	for _, tr := range allowed {
		if !ValidTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be allowed", tr[0], tr[1])
		}
	}

	forbidden := [][2]string{
		{TargetStatusPending, TargetStatusExecuting}, // must pass through ready
		{TargetStatusExecuting, TargetStatusCancelled},
		{TargetStatusCompleted, TargetStatusReady},
		{TargetStatusFailed, TargetStatusReady},
		{TargetStatusCancelled, TargetStatusPending},
		{TargetStatusReady, TargetStatusPending},
	}
	for _, tr := range forbidden {
		if ValidTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be rejected", tr[0], tr[1])
		}
	}
}
