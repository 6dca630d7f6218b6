package acdqueue

import (
	"testing"
	"time"
)

func TestQueueData_Insert_PositionMonotonicity(t *testing.T) {
	data := NewQueueData()

	var clients []*WaitingClient
	for i := 0; i < 5; i++ {
		c := NewWaitingClient(&fakeCallerChannel{id: "c"}, 0, 0, 0, time.Time{})
		clients = append(clients, c)
		if err := data.Insert(c, 0, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	snapshot := data.Snapshot()
	for i, c := range snapshot {
		if c.Position() != i+1 {
			t.Errorf("entry %d: position = %d, want %d", i, c.Position(), i+1)
		}
	}

	// Removing the middle entry must renumber every entry after it.
	data.Remove(clients[2])
	snapshot = data.Snapshot()
	for i, c := range snapshot {
		if c.Position() != i+1 {
			t.Errorf("after remove, entry %d: position = %d, want %d", i, c.Position(), i+1)
		}
	}
}

func TestQueueData_Insert_PriorityOrdering(t *testing.T) {
	data := NewQueueData()

	priorities := []int{0, 5, 2, 5, 0, 10}
	for _, p := range priorities {
		c := NewWaitingClient(&fakeCallerChannel{id: "c"}, p, 0, 0, time.Time{})
		if err := data.Insert(c, 0, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	snapshot := data.Snapshot()
	for i := 1; i < len(snapshot); i++ {
		if snapshot[i-1].Priority < snapshot[i].Priority {
			t.Fatalf("priority ordering violated at %d: %d before %d", i, snapshot[i-1].Priority, snapshot[i].Priority)
		}
	}
}

func TestQueueData_Insert_MaxLen(t *testing.T) {
	data := NewQueueData()

	for i := 0; i < 3; i++ {
		c := NewWaitingClient(&fakeCallerChannel{id: "c"}, 0, 0, 0, time.Time{})
		if err := data.Insert(c, 3, 0); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	overflow := NewWaitingClient(&fakeCallerChannel{id: "c"}, 0, 0, 0, time.Time{})
	if err := data.Insert(overflow, 3, 0); err != ErrQueueFull {
		t.Errorf("Insert beyond maxlen = %v, want ErrQueueFull", err)
	}
}

func TestQueueData_RecordCompletion_HoldtimeAverage(t *testing.T) {
	data := NewQueueData()

	// First completion seeds the average directly (no prior sample).
	data.RecordCompletion(100, 50, true)
	stats := data.Stats()
	if stats.Holdtime != 100 {
		t.Fatalf("first holdtime = %v, want 100", stats.Holdtime)
	}

	// Run the exponential filter toward a fixed point of 200 and check
	// convergence within 1 unit, per spec §8.8.
	for i := 0; i < 200; i++ {
		data.RecordCompletion(200, 50, false)
	}
	stats = data.Stats()
	if diff := stats.Holdtime - 200; diff > 1 || diff < -1 {
		t.Errorf("holdtime did not converge: got %v, want within 1 of 200", stats.Holdtime)
	}
	if stats.Completed != 201 {
		t.Errorf("completed = %d, want 201", stats.Completed)
	}
	if stats.CompletedInSL != 1 {
		t.Errorf("completedInSL = %d, want 1", stats.CompletedInSL)
	}
}

func TestQueueData_RecordAbandon(t *testing.T) {
	data := NewQueueData()
	data.RecordAbandon()
	data.RecordAbandon()
	if got := data.Stats().Abandoned; got != 2 {
		t.Errorf("abandoned = %d, want 2", got)
	}
}
