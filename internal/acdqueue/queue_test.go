package acdqueue

import (
	"testing"
	"time"
)

// TestQueueRegistry_WeightDominance exercises property 6 and scenario S5:
// queue H with strictly higher weight than L, sharing an idle member with
// unserved waiting callers, dominates L's attempt on that member.
func TestQueueRegistry_WeightDominance(t *testing.T) {
	devices := newTestDevices()
	defer devices.Close()

	registry := NewQueueRegistry()

	dev, err := devices.Acquire("sip/shared")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	high := NewQueue(Config{Name: "high", Weight: 10}, nil)
	high.Members().Insert(NewMember("sip/shared", dev))
	if err := registry.Put(high); err != nil {
		t.Fatalf("Put(high): %v", err)
	}

	low := NewQueue(Config{Name: "low", Weight: 0}, nil)
	low.Members().Insert(NewMember("sip/shared", dev))
	if err := registry.Put(low); err != nil {
		t.Fatalf("Put(low): %v", err)
	}

	// No one is waiting in H yet: L's attempt on the shared member should
	// proceed (no dominance).
	if registry.WeightDominance("low", low.Weight, "sip/shared") {
		t.Fatal("expected no dominance while H has no waiting callers")
	}

	// H gets a waiting caller while it has zero available members (the
	// shared member is its only one and is about to be claimed) — H should
	// now dominate L's attempt on that member.
	c := NewWaitingClient(&fakeCallerChannel{id: "h-caller"}, 0, 0, 0, time.Time{})
	if err := high.Data.Insert(c, 0, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	dev.addReserved(1) // simulate the shared member being claimed elsewhere, making it unavailable

	if !registry.WeightDominance("low", low.Weight, "sip/shared") {
		t.Fatal("expected H to dominate L's attempt on the shared, contended member")
	}

	// L itself never dominates over H since its weight is not strictly higher.
	if registry.WeightDominance("high", high.Weight, "sip/shared") {
		t.Fatal("L must never dominate H")
	}
}

func TestQueue_EvaluateEmpty(t *testing.T) {
	q := NewQueue(Config{Name: "q"}, nil)

	// No members at all: only Unknown/Unavailable masks match an empty set.
	if q.EvaluateEmpty(EmptyPaused) {
		t.Error("EvaluateEmpty(Paused) on an empty member set should be false")
	}
	if !q.EvaluateEmpty(EmptyUnknown) {
		t.Error("EvaluateEmpty(Unknown) on an empty member set should be true")
	}

	m := NewMember("sip/1", nil)
	m.Paused = true
	q.Members().Insert(m)

	if !q.EvaluateEmpty(EmptyPaused) {
		t.Error("EvaluateEmpty(Paused) should be true when every member is paused")
	}

	m2 := NewMember("sip/2", nil)
	q.Members().Insert(m2)
	if q.EvaluateEmpty(EmptyPaused) {
		t.Error("EvaluateEmpty(Paused) should be false once one member is unpaused")
	}
}
