package acdqueue

import (
	"context"
	"testing"
)

// TestPersistence_RoundTrip exercises property 9: dump, clear dynamic
// members, load reproduces the exact dynamic-member set (interface, penalty,
// paused, name, state key, call-in-use).
func TestPersistence_RoundTrip(t *testing.T) {
	devices := newTestDevices()
	defer devices.Close()

	kv := newFakeKVStore()
	persist := NewPersistence(kv, devices)

	q := NewQueue(Config{Name: "support", Persisted: true}, nil)

	add := func(iface string, penalty int, paused bool, display string, callInUse bool) {
		dev, err := devices.Acquire(iface)
		if err != nil {
			t.Fatalf("Acquire(%q): %v", iface, err)
		}
		m := NewMember(iface, dev)
		m.Penalty = penalty
		m.Paused = paused
		m.DisplayName = display
		m.CallInUse = callInUse
		m.Provenance = ProvenanceDynamic
		q.Members().Insert(m)
	}
	add("sip/100", 2, true, "Alice", false)
	add("sip/200", 0, false, "Bob", true)

	// A static member must never be dumped.
	staticDev, _ := devices.Acquire("sip/300")
	staticMember := NewMember("sip/300", staticDev)
	staticMember.Provenance = ProvenanceStatic
	q.Members().Insert(staticMember)

	ctx := context.Background()
	if err := persist.Dump(ctx, q); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	before := snapshotDynamic(q)

	if err := persist.Load(ctx, q); err != nil {
		t.Fatalf("Load: %v", err)
	}

	after := snapshotDynamic(q)

	if len(before) != len(after) {
		t.Fatalf("dynamic member count mismatch: before=%d after=%d", len(before), len(after))
	}
	for iface, want := range before {
		got, ok := after[iface]
		if !ok {
			t.Fatalf("member %q missing after round-trip", iface)
		}
		if got != want {
			t.Errorf("member %q round-tripped as %+v, want %+v", iface, got, want)
		}
	}

	// The static member must survive the dynamic-only clear untouched.
	if _, ok := q.Members().Get("sip/300"); !ok {
		t.Error("static member must not be removed by dynamic-member reload")
	}
}

type dynamicSnapshot struct {
	penalty   int
	paused    bool
	display   string
	callInUse bool
}

func snapshotDynamic(q *Queue) map[string]dynamicSnapshot {
	out := make(map[string]dynamicSnapshot)
	for _, m := range q.Members().Ordered() {
		snap := m.Snapshot()
		if snap.Provenance != ProvenanceDynamic {
			continue
		}
		out[snap.Interface] = dynamicSnapshot{
			penalty:   snap.Penalty,
			paused:    snap.Paused,
			display:   snap.DisplayName,
			callInUse: snap.CallInUse,
		}
	}
	return out
}
