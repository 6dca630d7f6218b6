package acdqueue

import (
	"context"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T, devices *DeviceRegistry, transport *fakeTransport) (*Dispatcher, *QueueRegistry, *fakeEventBus, *fakeAuditLog) {
	t.Helper()
	queues := NewQueueRegistry()
	rules := NewRuleRegistry()
	events := &fakeEventBus{}
	audit := &fakeAuditLog{}
	kv := newFakeKVStore()
	d := NewDispatcher(queues, devices, rules, transport, nil, events, audit, kv, noopDialPlan{}, nil, nil)
	return d, queues, events, audit
}

// TestDispatcher_RingAll_FirstAnswers is scenario S1: RingAll two members,
// first answers. The other must be hung up as answered-elsewhere and the
// caller must connect with the winner.
func TestDispatcher_RingAll_FirstAnswers(t *testing.T) {
	devices := newTestDevices()
	defer devices.Close()

	transport := newFakeTransport()
	d, queues, events, audit := newTestDispatcher(t, devices, transport)

	q := NewQueue(Config{
		Name:               "support",
		Strategy:           StrategyRingAll,
		RingTimeoutSeconds: 10,
		RetrySeconds:       1,
		ServiceLevelSecs:   2,
	}, nil)
	for _, iface := range []string{"sip/a", "sip/b"} {
		dev, err := devices.Acquire(iface)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		q.Members().Insert(NewMember(iface, dev))
	}
	if err := queues.Put(q); err != nil {
		t.Fatalf("Put: %v", err)
	}

	caller := newFakeCallerChannel("c1")

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		res, err := d.Run(ctx, RunParams{Caller: caller, QueueName: "support", TimeoutSeconds: 20})
		resultCh <- res
		errCh <- err
	}()

	// Give the ring loop a moment to place both outbound attempts.
	waitForDialCount(t, transport, 2)

	chB := transport.channelFor("sip/b")
	if chB == nil {
		t.Fatal("expected sip/b to have been dialed")
	}
	chA := transport.channelFor("sip/a")
	if chA == nil {
		t.Fatal("expected sip/a to have been dialed")
	}

	// A answers first.
	chA.events <- Frame{Kind: FrameControl, Control: ControlAnswer}

	var res Result
	select {
	case res = <-resultCh:
	case <-time.After(4 * time.Second):
		t.Fatal("Run did not return in time")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if res.Member != "sip/a" {
		t.Errorf("Result.Member = %q, want sip/a", res.Member)
	}
	if !chB.wasHungUp() {
		t.Error("sip/b should have been hung up as answered-elsewhere")
	}
	if !audit.has(TagConnect) {
		t.Error("expected a CONNECT audit entry")
	}
	if !events.has(EventAgentConnect) {
		t.Error("expected an AgentConnect event")
	}

	stats := q.Data.Stats()
	if stats.Completed != 1 {
		t.Errorf("completed = %d, want 1", stats.Completed)
	}
	if stats.CompletedInSL != 1 {
		t.Errorf("completedInSL = %d, want 1 (holdtime should be within the 2s service level)", stats.CompletedInSL)
	}
}

// TestDispatcher_CallerHangupDuringRing is scenario S4: caller hangs up
// while attempts are still ringing. Expect abandoned incremented, completed
// unchanged, and an ABANDON audit entry.
func TestDispatcher_CallerHangupDuringRing(t *testing.T) {
	devices := newTestDevices()
	defer devices.Close()

	transport := newFakeTransport()
	d, queues, events, audit := newTestDispatcher(t, devices, transport)

	q := NewQueue(Config{
		Name:               "support",
		Strategy:           StrategyRingAll,
		RingTimeoutSeconds: 10,
		RetrySeconds:       1,
	}, nil)
	for _, iface := range []string{"sip/a", "sip/b"} {
		dev, _ := devices.Acquire(iface)
		q.Members().Insert(NewMember(iface, dev))
	}
	if err := queues.Put(q); err != nil {
		t.Fatalf("Put: %v", err)
	}

	caller := newFakeCallerChannel("c1")

	resultCh := make(chan Result, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		res, _ := d.Run(ctx, RunParams{Caller: caller, QueueName: "support", TimeoutSeconds: 20})
		resultCh <- res
	}()

	waitForDialCount(t, transport, 2)

	caller.hangupNow()

	var res Result
	select {
	case res = <-resultCh:
	case <-time.After(4 * time.Second):
		t.Fatal("Run did not return in time")
	}

	if res.Reason != ExitUnknown {
		t.Errorf("Result.Reason = %v, want ExitUnknown (caller-hangup path)", res.Reason)
	}
	stats := q.Data.Stats()
	if stats.Abandoned != 1 {
		t.Errorf("abandoned = %d, want 1", stats.Abandoned)
	}
	if stats.Completed != 0 {
		t.Errorf("completed = %d, want 0", stats.Completed)
	}
	if !audit.has(TagAbandon) {
		t.Error("expected an ABANDON audit entry")
	}
	if !events.has(EventCallerAbandon) {
		t.Error("expected a QueueCallerAbandon event")
	}

	for _, iface := range []string{"sip/a", "sip/b"} {
		dev, _ := devices.Acquire(iface)
		defer devices.Release(dev)
		if r := dev.Reserved(); r != 0 {
			t.Errorf("device %q reserved = %d, want 0 after abandon (attempts must release)", iface, r)
		}
	}
}

// TestDispatcher_Linear_SkipsPausedAndBusy is scenario S2: Linear strategy
// with members [A,B,C], A paused, B busy (InUse, not ringinuse), C free.
// The first ring round must select C.
func TestDispatcher_Linear_SkipsPausedAndBusy(t *testing.T) {
	devices := newTestDevices()
	defer devices.Close()

	transport := newFakeTransport()
	d, queues, _, _ := newTestDispatcher(t, devices, transport)

	q := NewQueue(Config{
		Name:               "support",
		Strategy:           StrategyLinear,
		RingTimeoutSeconds: 10,
		RetrySeconds:       1,
	}, nil)

	devA, _ := devices.Acquire("sip/a")
	mA := NewMember("sip/a", devA)
	mA.Paused = true
	q.Members().Insert(mA)

	devB, _ := devices.Acquire("sip/b")
	devB.setStatus(StatusInUse)
	mB := NewMember("sip/b", devB)
	q.Members().Insert(mB)

	devC, _ := devices.Acquire("sip/c")
	mC := NewMember("sip/c", devC)
	q.Members().Insert(mC)

	if err := queues.Put(q); err != nil {
		t.Fatalf("Put: %v", err)
	}

	caller := newFakeCallerChannel("c1")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go d.Run(ctx, RunParams{Caller: caller, QueueName: "support", TimeoutSeconds: 2})

	waitForDialCount(t, transport, 1)

	dialed := transport.dialedInterfaces()
	if len(dialed) != 1 || dialed[0] != "sip/c" {
		t.Fatalf("first Linear round dialed %v, want only sip/c", dialed)
	}
}

// TestDispatcher_Autopause_All exercises property 10 (autopause scope): a member
// that retires with Busy in a queue whose autopause policy is "all" must end
// up paused in every queue it belongs to, not just the one it was ringing in.
func TestDispatcher_Autopause_All(t *testing.T) {
	devices := newTestDevices()
	defer devices.Close()

	transport := newFakeTransport()
	d, queues, _, audit := newTestDispatcher(t, devices, transport)

	dev, _ := devices.Acquire("sip/a")

	support := NewQueue(Config{
		Name:               "support",
		Strategy:           StrategyRingAll,
		RingTimeoutSeconds: 10,
		RetrySeconds:       1,
		Autopause:          AutopauseAll,
	}, nil)
	mSupport := NewMember("sip/a", dev)
	support.Members().Insert(mSupport)
	if err := queues.Put(support); err != nil {
		t.Fatalf("Put(support): %v", err)
	}

	sales := NewQueue(Config{Name: "sales", Strategy: StrategyRingAll, RingTimeoutSeconds: 10}, nil)
	mSales := NewMember("sip/a", dev)
	sales.Members().Insert(mSales)
	if err := queues.Put(sales); err != nil {
		t.Fatalf("Put(sales): %v", err)
	}

	caller := newFakeCallerChannel("c1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan Result, 1)
	go func() {
		res, _ := d.Run(ctx, RunParams{Caller: caller, QueueName: "support", TimeoutSeconds: 2})
		resultCh <- res
	}()

	waitForDialCount(t, transport, 1)
	chA := transport.channelFor("sip/a")
	if chA == nil {
		t.Fatal("expected sip/a to have been dialed")
	}
	chA.events <- Frame{Kind: FrameControl, Control: ControlBusy}

	select {
	case <-resultCh:
	case <-time.After(4 * time.Second):
		t.Fatal("Run did not return in time")
	}

	if !mSupport.IsPaused() {
		t.Error("member should be paused in the originating queue")
	}
	if !mSales.IsPaused() {
		t.Error("autopause=all must pause the member in every queue it belongs to")
	}
	if !audit.has(TagPause) && !audit.has(TagPauseAll) {
		t.Error("expected a pause audit entry")
	}
}

func waitForDialCount(t *testing.T, transport *fakeTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(transport.dialedInterfaces()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d dialed interfaces, got %v", n, transport.dialedInterfaces())
}
