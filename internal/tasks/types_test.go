package tasks

import (
	"errors"
	"sort"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPendingConfirmation, StatusInProgress, true},
		{StatusPendingConfirmation, StatusRejected, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusRejected, true},
		{StatusPendingConfirmation, StatusCompleted, false},
		{StatusCompleted, StatusRejected, false},
		{StatusRejected, StatusInProgress, false},
		{StatusInProgress, StatusPendingConfirmation, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCheckTransitionAllowsNonTerminalSelfEdge(t *testing.T) {
	if err := CheckTransition(StatusInProgress, StatusInProgress); err != nil {
		t.Fatalf("CheckTransition(in_progress, in_progress) error = %v", err)
	}
	err := CheckTransition(StatusCompleted, StatusCompleted)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("CheckTransition(completed, completed) error = %v, want ErrIllegalTransition", err)
	}
}

func TestPreviousStatuses(t *testing.T) {
	got := PreviousStatuses(StatusRejected)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != 2 || got[0] != StatusInProgress || got[1] != StatusPendingConfirmation {
		t.Fatalf("PreviousStatuses(rejected) = %v", got)
	}
	in := PreviousStatuses(StatusInProgress)
	if len(in) != 2 {
		t.Fatalf("PreviousStatuses(in_progress) = %v, want pending + self", in)
	}
}
