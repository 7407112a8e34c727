package store

import (
	"strings"
	"testing"
)

func TestValidTransition(t *testing.T) {
	valid := [][2]ActionStatus{
		{StatusPending, StatusApproved},
		{StatusPending, StatusRejected},
		{StatusPending, StatusExpired},
		{StatusApproved, StatusExecuted},
	}
	for _, tr := range valid {
		if !ValidTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s→%s to be valid", tr[0], tr[1])
		}
	}

	terminals := []ActionStatus{StatusRejected, StatusExpired, StatusExecuted}
	all := []ActionStatus{StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusExecuted}
	for _, from := range terminals {
		for _, to := range all {
			if ValidTransition(from, to) {
				t.Fatalf("expected terminal %s to have no outgoing transitions, found →%s", from, to)
			}
		}
	}

	invalid := [][2]ActionStatus{
		{StatusPending, StatusExecuted},
		{StatusApproved, StatusPending},
		{StatusApproved, StatusRejected},
		{StatusApproved, StatusExpired},
	}
	for _, tr := range invalid {
		if ValidTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s→%s to be invalid", tr[0], tr[1])
		}
	}
}

func TestTransitionError_Message(t *testing.T) {
	err := &TransitionError{ActionID: "a-1", From: StatusRejected, To: StatusApproved}
	if !strings.Contains(err.Error(), "Cannot transition") {
		t.Fatalf("expected message to contain %q, got %q", "Cannot transition", err.Error())
	}
}
