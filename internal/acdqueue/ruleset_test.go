package acdqueue

import (
	"testing"
	"time"
)

func TestPenaltyRule_Apply(t *testing.T) {
	tests := []struct {
		name           string
		rule           PenaltyRule
		curMin, curMax int
		wantMin, wantMax int
	}{
		{"absolute widen", PenaltyRule{MaxValue: 5}, 0, 0, 0, 5},
		{"relative widen", PenaltyRule{MaxValue: 5, MaxRelative: true}, 0, 2, 0, 7},
		{"floors at zero", PenaltyRule{MaxValue: -10, MaxRelative: true}, 0, 2, 0, 0},
		{"min clamped to max", PenaltyRule{MinValue: 10, MaxValue: 5}, 0, 0, 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotMin, gotMax := tt.rule.Apply(tt.curMin, tt.curMax)
			if gotMin != tt.wantMin || gotMax != tt.wantMax {
				t.Errorf("Apply(%d,%d) = (%d,%d), want (%d,%d)", tt.curMin, tt.curMax, gotMin, gotMax, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestRuleSet_BestRuleAfter_SortsByTime(t *testing.T) {
	rs := NewRuleSet("escalate", []PenaltyRule{
		{Time: 30, MaxValue: 10},
		{Time: 10, MaxValue: 5},
		{Time: 20, MaxValue: 7},
	})

	rule, idx, ok := rs.BestRuleAfter(-1, 5)
	if ok {
		t.Fatalf("elapsed=5 should find no due rule yet, got rule at idx %d", idx)
	}
	_ = rule

	rule, idx, ok = rs.BestRuleAfter(-1, 10)
	if !ok || rule.Time != 10 {
		t.Fatalf("elapsed=10 should select the Time=10 rule, got %+v ok=%v", rule, ok)
	}

	rule, idx2, ok := rs.BestRuleAfter(idx, 25)
	if !ok || rule.Time != 20 {
		t.Fatalf("next rule after idx %d at elapsed=25 should be Time=20, got %+v", idx, rule)
	}
	if idx2 <= idx {
		t.Errorf("cursor must advance forward: idx2=%d, idx=%d", idx2, idx)
	}
}

// TestWaitingClient_ApplyRule_Idempotent exercises property 7: advancing the
// rule cursor twice with no time elapsed between the calls produces no
// further mutation of the penalty window or cursor.
func TestWaitingClient_ApplyRule_Idempotent(t *testing.T) {
	rs := NewRuleSet("escalate", []PenaltyRule{
		{Time: 10, MaxValue: 5, MaxRelative: true},
	})

	c := NewWaitingClient(&fakeCallerChannel{id: "c"}, 0, 0, 0, time.Time{})

	rule, idx, ok := rs.BestRuleAfter(c.RuleCursor(), 15)
	if !ok {
		t.Fatal("expected rule to be due at elapsed=15")
	}
	c.ApplyRule(rule, idx)

	minAfterFirst, maxAfterFirst := c.PenaltyWindow()
	cursorAfterFirst := c.RuleCursor()

	// Re-check at the same elapsed time: BestRuleAfter must not return the
	// same rule again for an unchanged cursor, so ApplyRule is never called
	// a second time by the dispatch loop.
	_, _, ok = rs.BestRuleAfter(c.RuleCursor(), 15)
	if ok {
		t.Fatal("BestRuleAfter should not re-surface a rule already applied at the same cursor")
	}

	minAfterSecond, maxAfterSecond := c.PenaltyWindow()
	if minAfterFirst != minAfterSecond || maxAfterFirst != maxAfterSecond {
		t.Errorf("penalty window mutated on idempotence check: (%d,%d) -> (%d,%d)", minAfterFirst, maxAfterFirst, minAfterSecond, maxAfterSecond)
	}
	if cursorAfterFirst != c.RuleCursor() {
		t.Errorf("rule cursor mutated on idempotence check: %d -> %d", cursorAfterFirst, c.RuleCursor())
	}
}
