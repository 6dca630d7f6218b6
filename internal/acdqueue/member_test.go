package acdqueue

import (
	"testing"
	"time"
)

func TestMemberSet_Insert_ProvenancePrecedence(t *testing.T) {
	tests := []struct {
		name        string
		existing    Provenance
		incoming    Provenance
		wantChanged bool
	}{
		{"static overwrites dynamic", ProvenanceDynamic, ProvenanceStatic, true},
		{"static overwrites realtime", ProvenanceRealtime, ProvenanceStatic, true},
		{"static overwrites static", ProvenanceStatic, ProvenanceStatic, true},
		{"realtime overwrites dynamic", ProvenanceDynamic, ProvenanceRealtime, true},
		{"realtime does not overwrite static", ProvenanceStatic, ProvenanceRealtime, false},
		{"dynamic overwrites dynamic", ProvenanceDynamic, ProvenanceDynamic, true},
		{"dynamic does not overwrite realtime", ProvenanceRealtime, ProvenanceDynamic, false},
		{"dynamic does not overwrite static", ProvenanceStatic, ProvenanceDynamic, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := NewMemberSet()
			first := NewMember("sip/100", nil)
			first.Provenance = tt.existing
			first.DisplayName = "first"
			set.Insert(first)

			second := NewMember("sip/100", nil)
			second.Provenance = tt.incoming
			second.DisplayName = "second"
			changed := set.Insert(second)

			if changed != tt.wantChanged {
				t.Fatalf("Insert changed = %v, want %v", changed, tt.wantChanged)
			}
			got, _ := set.Get("sip/100")
			wantName := "first"
			if tt.wantChanged {
				wantName = "second"
			}
			if got.DisplayName != wantName {
				t.Errorf("after insert, display name = %q, want %q", got.DisplayName, wantName)
			}
		})
	}
}

func TestMemberSet_Ordered_InsertionOrder(t *testing.T) {
	set := NewMemberSet()
	ifaces := []string{"sip/a", "sip/b", "sip/c"}
	for _, iface := range ifaces {
		set.Insert(NewMember(iface, nil))
	}

	ordered := set.Ordered()
	if len(ordered) != len(ifaces) {
		t.Fatalf("len(ordered) = %d, want %d", len(ordered), len(ifaces))
	}
	for i, m := range ordered {
		if m.Interface != ifaces[i] {
			t.Errorf("position %d: interface = %q, want %q", i, m.Interface, ifaces[i])
		}
	}

	set.Remove("sip/b")
	ordered = set.Ordered()
	if len(ordered) != 2 || ordered[0].Interface != "sip/a" || ordered[1].Interface != "sip/c" {
		t.Errorf("after remove, ordered = %v, want [sip/a sip/c]", ordered)
	}
}

func TestMemberSet_RealtimeReconcile(t *testing.T) {
	// Scenario S6: initial realtime members {x, y, z}, reload with {y, w}.
	set := NewMemberSet()
	for _, iface := range []string{"x", "y", "z"} {
		m := NewMember(iface, nil)
		m.Provenance = ProvenanceRealtime
		set.Insert(m)
	}

	keep := map[string]struct{}{"y": {}, "w": {}}
	set.MarkAllDeadExcept(keep)

	w := NewMember("w", nil)
	w.Provenance = ProvenanceRealtime
	set.Insert(w)

	removed := set.SweepDead()
	if len(removed) != 2 {
		t.Fatalf("removed = %v, want 2 entries", removed)
	}
	removedSet := map[string]bool{}
	for _, iface := range removed {
		removedSet[iface] = true
	}
	if !removedSet["x"] || !removedSet["z"] {
		t.Errorf("removed = %v, want x and z", removed)
	}

	if _, ok := set.Get("y"); !ok {
		t.Error("y should remain unchanged")
	}
	if _, ok := set.Get("w"); !ok {
		t.Error("w should have been added")
	}
	if set.Len() != 2 {
		t.Errorf("Len() = %d, want 2", set.Len())
	}
}

func TestMember_ReadyForCall_Wrapup(t *testing.T) {
	m := NewMember("sip/100", nil)
	m.WrapupSecs = 10

	now := nowFunc()
	if !m.ReadyForCall(now) {
		t.Error("member with no prior call should be ready immediately")
	}

	m.RecordCallEnd(now)
	if m.ReadyForCall(now.Add(5 * time.Second)) {
		t.Error("member should not be ready before wrapup elapses")
	}
	if !m.ReadyForCall(now.Add(11 * time.Second)) {
		t.Error("member should be ready after wrapup elapses")
	}
}
