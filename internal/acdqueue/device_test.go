package acdqueue

import "testing"

func TestDevice_Effective_ReservationMasksStatus(t *testing.T) {
	tests := []struct {
		name      string
		raw       DeviceStatus
		reserved  int
		active    int
		callInUse bool
		want      DeviceStatus
	}{
		{"idle, no reservation", StatusNotInUse, 0, 0, false, StatusNotInUse},
		{"idle, reserved, not this call", StatusNotInUse, 1, 0, false, StatusBusy},
		{"idle, reserved, this call", StatusNotInUse, 1, 0, true, StatusRinging},
		{"idle, active, this call", StatusNotInUse, 0, 1, true, StatusInUse},
		{"idle, active, not this call", StatusNotInUse, 0, 1, false, StatusBusy},
		{"in-use raw, contended", StatusInUse, 1, 0, false, StatusBusy},
		{"in-use raw, this call", StatusInUse, 1, 0, true, StatusInUse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDevice("sip/100")
			d.setStatus(tt.raw)
			d.addReserved(tt.reserved)
			d.addActive(tt.active)
			if got := d.Effective(tt.callInUse); got != tt.want {
				t.Errorf("Effective(%v) = %v, want %v", tt.callInUse, got, tt.want)
			}
		})
	}
}

// TestAttempt_ReservationBalance exercises property 3 (reservation balance)
// and property 4 (at-most-one-winner) across a batch of randomized attempt
// lifecycles sharing one Device.
func TestAttempt_ReservationBalance(t *testing.T) {
	devices := newTestDevices()
	defer devices.Close()

	dev, err := devices.Acquire("sip/100")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	member := NewMember("sip/100", dev)

	const rounds = 100
	for i := 0; i < rounds; i++ {
		a := NewAttempt(member)
		a.MarkReserved()
		if got := dev.Reserved(); got != 1 {
			t.Fatalf("round %d: reserved = %d, want 1 after MarkReserved", i, got)
		}

		switch i % 3 {
		case 0:
			// Answered: reserved -> active -> released.
			a.MarkActive()
			if !a.IsActive() {
				t.Fatalf("round %d: expected attempt active", i)
			}
			if got := dev.Active(); got != 1 {
				t.Fatalf("round %d: active = %d, want 1", i, got)
			}
			a.Release()
		case 1:
			// Busy/no-answer: reserved released directly, never active.
			a.Release()
			if a.IsActive() {
				t.Fatalf("round %d: attempt should never have gone active", i)
			}
		case 2:
			// Double-release must stay idempotent.
			a.Release()
			a.Release()
		}

		if got := dev.Reserved(); got != 0 {
			t.Fatalf("round %d: reserved = %d, want 0 after release", i, got)
		}
		if got := dev.Active(); got != 0 {
			t.Fatalf("round %d: active = %d, want 0 after release", i, got)
		}
	}
}

func TestAttempt_AtMostOneWinner(t *testing.T) {
	devices := newTestDevices()
	defer devices.Close()

	dev, _ := devices.Acquire("sip/200")
	member := NewMember("sip/200", dev)

	set := NewAttemptSet()
	var attempts []*Attempt
	for i := 0; i < 5; i++ {
		a := NewAttempt(member)
		a.MarkReserved()
		set.Add(a)
		attempts = append(attempts, a)
	}

	// Exactly one attempt answers; the rest lose the race and release.
	winner := attempts[2]
	winner.MarkActive()
	for _, a := range attempts {
		if a != winner {
			a.Release()
		}
	}

	activeCount := 0
	for _, a := range set.All() {
		if a.IsActive() {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("active count = %d, want exactly 1", activeCount)
	}
	if got := dev.Active(); got != 1 {
		t.Errorf("device active = %d, want 1", got)
	}
	if got := dev.Reserved(); got != 0 {
		t.Errorf("device reserved = %d, want 0 (loser attempts released their reservation)", got)
	}
}
