package domain

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func mkGoal(t *testing.T, typ GoalType, status Status) *Goal {
	t.Helper()
	g, err := NewGoal("g-1", typ, ModeAutomatic, nil, 0, "", false, testNow)
	if err != nil {
		t.Fatalf("new goal: %v", err)
	}
	g.status = status
	return g
}

func TestAllowedTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusBlocked, true},
		{StatusPending, StatusDone, false},
		{StatusPending, StatusOngoing, false},
		{StatusActive, StatusDone, true},
		{StatusActive, StatusIncomplete, true},
		{StatusActive, StatusBlocked, true},
		{StatusActive, StatusOngoing, true},
		{StatusActive, StatusPending, false},
		{StatusActive, StatusFrozen, false},
		{StatusActive, StatusPermanent, false},
		{StatusBlocked, StatusActive, true},
		{StatusBlocked, StatusIncomplete, true},
		{StatusBlocked, StatusDone, false},
		{StatusIncomplete, StatusActive, true},
		{StatusIncomplete, StatusBlocked, true},
		{StatusOngoing, StatusActive, true},
		{StatusOngoing, StatusDone, true},
	}
	for _, tc := range cases {
		g := mkGoal(t, GoalAchievable, tc.from)
		_, err := Transition(g, Change{To: tc.to, Reason: "test"}, testNow)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected rejection: %v", tc.from, tc.to, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s -> %s: expected rejection", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []Status{StatusDone, StatusFrozen, StatusPermanent} {
		for _, to := range Statuses() {
			g := mkGoal(t, GoalAchievable, from)
			_, err := Transition(g, Change{To: to, ArtifactsAdded: true}, testNow)
			if err == nil {
				t.Errorf("%s -> %s: expected rejection out of terminal state", from, to)
			}
			if g.Status() != from {
				t.Errorf("%s -> %s: status mutated on rejection", from, to)
			}
		}
	}
}

func TestContinuousNeverDone(t *testing.T) {
	for _, from := range Statuses() {
		g := mkGoal(t, GoalContinuous, from)
		_, err := Transition(g, Change{To: StatusDone, ArtifactsAdded: true}, testNow)
		if err == nil {
			t.Errorf("continuous %s -> done: expected rejection", from)
		}
	}
	// ongoing is the legal settling state
	g := mkGoal(t, GoalContinuous, StatusActive)
	if _, err := Transition(g, Change{To: StatusOngoing}, testNow); err != nil {
		t.Fatalf("continuous active -> ongoing: %v", err)
	}
	if g.Status() != StatusOngoing {
		t.Fatalf("expected ongoing, got %s", g.Status())
	}
}

func TestDirectionalNeverDone(t *testing.T) {
	for _, from := range Statuses() {
		g := mkGoal(t, GoalDirectional, from)
		_, err := Transition(g, Change{To: StatusDone, ArtifactsAdded: true}, testNow)
		if err == nil {
			t.Errorf("directional %s -> done: expected rejection", from)
		}
	}
}

func TestNoOpTransitionRejected(t *testing.T) {
	g := mkGoal(t, GoalAchievable, StatusActive)
	_, err := Transition(g, Change{To: StatusActive}, testNow)
	var re *RuleError
	if !errors.As(err, &re) {
		t.Fatalf("expected rule error, got %v", err)
	}
	if len(re.Violations) == 0 {
		t.Fatalf("expected violations in rule error")
	}
}

func TestIncompleteToDoneRequiresArtifacts(t *testing.T) {
	g := mkGoal(t, GoalAchievable, StatusIncomplete)
	if _, err := Transition(g, Change{To: StatusDone}, testNow); err == nil {
		t.Fatalf("incomplete -> done without artifacts: expected rejection")
	}
	if g.Status() != StatusIncomplete {
		t.Fatalf("status mutated on rejection: %s", g.Status())
	}
	ev, err := Transition(g, Change{To: StatusDone, Reason: "artifacts attached", ArtifactsAdded: true}, testNow)
	if err != nil {
		t.Fatalf("incomplete -> done with artifacts: %v", err)
	}
	if ev.From != StatusIncomplete || ev.To != StatusDone {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestManualModeDoneRequiresApproval(t *testing.T) {
	g, err := NewGoal("g-1", GoalAchievable, ModeManual, nil, 0, "", false, testNow)
	if err != nil {
		t.Fatalf("new goal: %v", err)
	}
	g.status = StatusActive
	_, err = Transition(g, Change{To: StatusDone, Reason: "finished"}, testNow)
	var re *RuleError
	if !errors.As(err, &re) {
		t.Fatalf("manual-mode active -> done without approval: expected rule error, got %v", err)
	}
	if g.Status() != StatusActive {
		t.Fatalf("status mutated on rejection: %s", g.Status())
	}
	// the approval gate is the only caller that sets CompletionApproved
	if _, err := Transition(g, Change{To: StatusDone, CompletionApproved: true}, testNow); err != nil {
		t.Fatalf("manual-mode done with approval: %v", err)
	}
	if g.Status() != StatusDone {
		t.Fatalf("expected done, got %s", g.Status())
	}
}

func TestTransitionEventAndCompletion(t *testing.T) {
	g := mkGoal(t, GoalAchievable, StatusActive)
	ev, err := Transition(g, Change{To: StatusDone, Reason: "shipped"}, testNow)
	if err != nil {
		t.Fatalf("active -> done: %v", err)
	}
	if ev.GoalID != g.ID || ev.From != StatusActive || ev.To != StatusDone || ev.Reason != "shipped" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if g.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	if g.Progress != 1.0 {
		t.Fatalf("expected progress 1.0, got %f", g.Progress)
	}
}

func TestRuleErrorListsAllViolations(t *testing.T) {
	// A continuous goal in a terminal state asked to repeat it: several
	// independent constraints fail at once.
	g := mkGoal(t, GoalContinuous, StatusDone)
	_, err := Transition(g, Change{To: StatusDone}, testNow)
	var re *RuleError
	if !errors.As(err, &re) {
		t.Fatalf("expected rule error, got %v", err)
	}
	if len(re.Violations) < 3 {
		t.Fatalf("expected no-op, terminal and type violations, got %v", re.Violations)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	parent := "g-parent"
	g, err := NewGoal("g-2", GoalMeta, ModeAggregate, &parent, 2, "quarterly plan", true, testNow)
	if err != nil {
		t.Fatalf("new goal: %v", err)
	}
	rec := g.Record()
	if rec.Status != StatusPending {
		t.Fatalf("new goals start pending, got %s", rec.Status)
	}
	back := rec.Goal()
	if back.Status() != StatusPending || back.ID != g.ID || back.DepthLevel != 2 || !back.IsAtomic {
		t.Fatalf("round trip mismatch: %+v", back.Record())
	}
}

func TestNewGoalValidation(t *testing.T) {
	if _, err := NewGoal("", GoalAchievable, ModeManual, nil, 0, "", false, testNow); err == nil {
		t.Fatalf("expected error for empty id")
	}
	if _, err := NewGoal("g", "bogus", ModeManual, nil, 0, "", false, testNow); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if _, err := NewGoal("g", GoalAchievable, "bogus", nil, 0, "", false, testNow); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
