package acdqueue

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// Options carries the per-call knobs that would be dial-string options in
// the original telephony platform (spec.md §4.4's `options` parameter).
type Options struct {
	CancelElsewhere bool // "C": hang up losing attempts as answered-elsewhere
	RingWhenRinging bool
	AllowForward    bool
	RestartOnRing   bool
	DisconnectKey   string
	ExitContexts    map[string]struct{} // digits that cause an immediate exit
}

// RunParams bundles Dispatcher.Run's parameters, mirroring the source
// operation's long parameter list (spec.md §4.4).
type RunParams struct {
	Caller          CallerChannel
	QueueName       string
	Options         Options
	AnnounceOverride string
	TimeoutSeconds  int
	PostConnectHook string
	RuleOverride    string
	RequestedPos    int
	Priority        int
}

// Result is returned by Dispatcher.Run.
type Result struct {
	Reason ExitReason
	Digits string
	Member string // interface of the member the caller connected to, if any
}

// Dispatcher is the main orchestration loop: join, wait turn, announce,
// ring, race, bridge, leave (spec.md §4.4).
type Dispatcher struct {
	Queues  *QueueRegistry
	Devices *DeviceRegistry
	Rules   *RuleRegistry

	Transport  Transport
	Player     PromptPlayer
	Events     EventBus
	Audit      AuditLog
	KV         KVStore
	DialPlan   DialPlanEvaluator
	Waker      MobileWaker // optional; nil disables push-to-wake

	Selector *RingSelector

	Logger *slog.Logger
}

// NewDispatcher wires a Dispatcher from its collaborators. Waker may be nil.
func NewDispatcher(queues *QueueRegistry, devices *DeviceRegistry, rules *RuleRegistry, transport Transport, player PromptPlayer, events EventBus, audit AuditLog, kv KVStore, dialplan DialPlanEvaluator, waker MobileWaker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Queues: queues, Devices: devices, Rules: rules,
		Transport: transport, Player: player, Events: events, Audit: audit, KV: kv, DialPlan: dialplan, Waker: waker,
		Selector: NewRingSelector(),
		Logger:   logger,
	}
}

// Run executes the full dispatch state machine for one caller: Resolve,
// Insert, Wait-turn loop, Ring loop, Bridge.
func (d *Dispatcher) Run(ctx context.Context, p RunParams) (Result, error) {
	q, err := d.Queues.Get(p.QueueName)
	if err != nil {
		return Result{Reason: ExitUnknown}, err
	}

	if q.EvaluateEmpty(q.JoinEmptyMask) {
		d.Audit.Log(p.QueueName, "", "", TagExitEmpty, "JOINEMPTY")
		return Result{Reason: ExitJoinEmpty}, nil
	}

	var expire time.Time
	if p.TimeoutSeconds > 0 {
		expire = nowFunc().Add(time.Duration(p.TimeoutSeconds) * time.Second)
	}

	rules, _ := d.Rules.Get(p.RuleOverride)
	if rules == nil {
		rules, _ = d.Rules.Get(q.DefaultRuleName)
	}

	client := NewWaitingClient(p.Caller, p.Priority, 0, 0, expire)

	if err := q.Data.Insert(client, q.MaxLen, p.RequestedPos); err != nil {
		return Result{Reason: ExitFull}, nil
	}
	d.Audit.Log(p.QueueName, client.UID, "", TagEnterQueue, "")
	d.Events.Emit(EventJoin, map[string]string{"queue": p.QueueName, "caller": client.UID, "position": strconv.Itoa(client.Position())})

	defer func() {
		q.Data.Remove(client)
		if client.Attempts() != nil {
			client.Attempts().ReleaseAll()
		}
	}()

	for {
		if client.Expired(nowFunc()) {
			d.Events.Emit(EventLeave, map[string]string{"queue": p.QueueName, "caller": client.UID})
			d.Audit.Log(p.QueueName, client.UID, "", TagExitWithTimeout, "")
			return Result{Reason: ExitTimeout}, nil
		}

		if q.EvaluateEmpty(q.LeaveEmptyMask) {
			d.Audit.Log(p.QueueName, client.UID, "", TagExitEmpty, "LEAVEEMPTY")
			return Result{Reason: ExitLeaveEmpty}, nil
		}

		d.applyDuePenaltyRule(rules, client)

		if !d.isOurTurn(q, client) {
			res, done := d.waitTick(ctx, p, client)
			if done {
				return res, nil
			}
			continue
		}

		res, done := d.ringRound(ctx, p, q, client)
		if done {
			return res, nil
		}
	}
}

func (d *Dispatcher) applyDuePenaltyRule(rules *RuleSet, client *WaitingClient) {
	if rules == nil {
		return
	}
	elapsed := client.Elapsed(nowFunc())
	cursor := client.RuleCursor()
	rule, idx, ok := rules.BestRuleAfter(cursor, elapsed)
	if !ok {
		return
	}
	client.ApplyRule(rule, idx)
}

// isOurTurn reports whether the caller is within the first
// NumAvailableMembers entries of the waiting list (spec.md §4.4 step 3).
func (d *Dispatcher) isOurTurn(q *Queue, client *WaitingClient) bool {
	pos := client.Position()
	if pos <= 1 {
		return true
	}
	return pos <= q.NumAvailableMembers()
}

// waitTick blocks briefly for a caller DTMF interruption while it is not
// yet the caller's turn to be rung.
func (d *Dispatcher) waitTick(ctx context.Context, p RunParams, client *WaitingClient) (Result, bool) {
	tickCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	frames := p.Caller.Frames(tickCtx)
	select {
	case <-tickCtx.Done():
		return Result{}, false
	case f, ok := <-frames:
		if !ok {
			d.Audit.Log(p.QueueName, client.UID, "", TagAbandon, "wait-turn")
			return Result{Reason: ExitUnknown}, true
		}
		if f.Kind == FrameDTMF {
			client.AppendDigit(f.Digit)
			if _, exit := p.Options.ExitContexts[f.Digit]; exit {
				d.Audit.Log(p.QueueName, client.UID, "", TagExitWithKey, f.Digit)
				return Result{Reason: ExitContinue, Digits: f.Digit}, true
			}
		}
		return Result{}, false
	}
}

// ringRound runs one ring round: it rings the selected candidate(s) into
// the caller's AttemptSet and races the outcome once. When nobody answers
// it sleeps the retry interval and returns (Result{}, false), leaving the
// next round to the caller's loop in Run.
func (d *Dispatcher) ringRound(ctx context.Context, p RunParams, q *Queue, client *WaitingClient) (Result, bool) {
	attempts := client.Attempts()
	if attempts == nil {
		attempts = NewAttemptSet()
		client.SetAttempts(attempts)
	}

	round := d.Selector.BuildRound(q, client)
	selected := d.Selector.SelectBest(q.Strategy, round)

	memberCount := q.Members().Len()

	for _, a := range selected {
		if client.HasDialed(a.Member.Interface) && q.Strategy != StrategyRingAll {
			continue
		}
		d.ringEntry(ctx, p, q, client, a)
		attempts.Add(a)
	}

	d.Selector.AdvanceCursors(q, client, q.Strategy, pickWinnerForCursor(selected), memberCount)

	remaining := time.Duration(p.TimeoutSeconds) * time.Second
	if !client.expire.IsZero() {
		remaining = time.Until(client.expire)
	}
	if remaining <= 0 {
		remaining = time.Duration(q.RingTimeoutSeconds) * time.Second
	}

	mux := NewEventMux(d.Logger, p.Options.RestartOnRing, p.Options.RingWhenRinging, p.Options.AllowForward, p.Options.DisconnectKey)
	mux.SetOnRetire(func(a *Attempt, cause string, rang time.Duration) {
		d.Audit.Log(q.Name, client.UID, a.Member.Interface, TagRingNoAnswer, cause, rang.String())
		d.Events.Emit(EventAgentRingNoAnswer, map[string]string{"queue": q.Name, "member": a.Member.Interface, "cause": cause})
		d.applyAutopause(q, a.Member)
	})
	res := mux.Race(ctx, p.Caller, attempts, remaining, q, d.Player)

	switch {
	case res.CallerHangup:
		q.Data.RecordAbandon()
		d.Audit.Log(p.QueueName, client.UID, "", TagAbandon, strconv.Itoa(client.OriginalPosition()), strconv.Itoa(client.Elapsed(nowFunc())))
		d.Events.Emit(EventCallerAbandon, map[string]string{"queue": p.QueueName, "caller": client.UID})
		return Result{Reason: ExitUnknown}, true

	case res.Digit != "":
		client.AppendDigit(res.Digit)
		if _, exit := p.Options.ExitContexts[res.Digit]; exit {
			d.Audit.Log(p.QueueName, client.UID, "", TagExitWithKey, res.Digit)
			return Result{Reason: ExitContinue, Digits: res.Digit}, true
		}
		return Result{}, false

	case res.Winner != nil:
		return d.bridge(ctx, p, q, client, attempts, res.Winner)

	default:
		// No answer within the round: sleep the retry interval
		// (interruptible by DTMF), then loop to try again.
		d.sleepRetry(ctx, q, p.Caller)
		return Result{}, false
	}
}

// applyAutopause implements spec.md §4.4's autopause handling and the
// autopause-scope property (SPEC_FULL.md §8, property 10): a member that retires with busy or
// congestion is paused in the originating queue if the queue's policy is
// AutopauseYes, or in every queue it belongs to if AutopauseAll.
func (d *Dispatcher) applyAutopause(q *Queue, m *Member) {
	switch q.Autopause {
	case AutopauseYes:
		if m.SetPaused(true) {
			return
		}
		d.Events.Emit(EventMemberPaused, map[string]string{"queue": q.Name, "member": m.Interface, "scope": "queue"})
		d.Audit.Log(q.Name, "", m.Interface, TagPause, "autopause")

	case AutopauseAll:
		for _, name := range d.Queues.List() {
			other, err := d.Queues.Get(name)
			if err != nil {
				continue
			}
			om, ok := other.Members().Get(m.Interface)
			if !ok {
				continue
			}
			if om.SetPaused(true) {
				continue
			}
			d.Events.Emit(EventMemberPaused, map[string]string{"queue": name, "member": m.Interface, "scope": "all"})
			d.Audit.Log(name, "", m.Interface, TagPauseAll, "autopause")
		}
	}
}

func pickWinnerForCursor(selected []*Attempt) *Attempt {
	if len(selected) == 0 {
		return nil
	}
	return selected[0]
}

func (d *Dispatcher) sleepRetry(ctx context.Context, q *Queue, caller CallerChannel) {
	retry := time.Duration(q.RetrySeconds) * time.Second
	if retry <= 0 {
		retry = time.Second
	}
	retryCtx, cancel := context.WithTimeout(ctx, retry)
	defer cancel()
	frames := caller.Frames(retryCtx)
	select {
	case <-retryCtx.Done():
	case <-frames:
	}
}

// ringEntry implements the precondition checks and reservation handshake
// from spec.md §4.4.
func (d *Dispatcher) ringEntry(ctx context.Context, p RunParams, q *Queue, client *WaitingClient, a *Attempt) {
	m := a.Member

	if d.Queues.WeightDominance(q.Name, q.Weight, m.Interface) {
		a.setStillGoing(false)
		return
	}
	if m.IsPaused() {
		a.setStillGoing(false)
		return
	}
	if !m.ReadyForCall(nowFunc()) {
		a.setStillGoing(false)
		return
	}
	snap := m.Snapshot()
	switch snap.Status {
	case StatusNotInUse, StatusUnknown:
	case StatusInUse, StatusRinging, StatusRingInUse, StatusOnHold:
		if !(q.RingInUse && snap.CallInUse) {
			a.setStillGoing(false)
			return
		}
	default:
		a.setStillGoing(false)
		return
	}

	a.MarkReserved()
	client.MarkDialed(m.Interface)

	if d.Waker != nil {
		go func() {
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.Waker.Wake(wctx, m.Interface); err != nil {
				d.Logger.Debug("push-to-wake failed", "interface", m.Interface, "error", err)
			}
		}()
	}

	ch, status, err := d.Transport.Request(ctx, "", m.Interface, nil, p.Caller)
	if err != nil || status != RequestOK {
		a.setStillGoing(false)
		a.Release()
		d.Audit.Log(q.Name, client.UID, m.Interface, TagRingNoAnswer, "request-failed")
		return
	}
	a.SetChannel(ch)
	if err := d.Transport.Call(ctx, ch, m.Interface); err != nil {
		a.setStillGoing(false)
		a.Release()
		return
	}
	d.Events.Emit(EventAgentCalled, map[string]string{"queue": q.Name, "caller": client.UID, "member": m.Interface})
}

// bridge implements spec.md §4.4 step 5.
func (d *Dispatcher) bridge(ctx context.Context, p RunParams, q *Queue, client *WaitingClient, attempts *AttemptSet, winner *Attempt) (Result, bool) {
	for _, a := range attempts.All() {
		if a == winner {
			continue
		}
		if ch := a.Channel(); ch != nil {
			_ = ch.Hangup(ctx, p.Options.CancelElsewhere)
		}
		a.Release()
	}

	d.Audit.Log(q.Name, client.UID, winner.Member.Interface, TagConnect, "")
	d.Events.Emit(EventAgentConnect, map[string]string{"queue": q.Name, "caller": client.UID, "member": winner.Member.Interface})

	if p.PostConnectHook != "" && d.DialPlan != nil {
		_ = d.DialPlan.RunPostConnect(ctx, p.Caller, p.PostConnectHook)
	}

	holdSeconds := float64(client.Elapsed(nowFunc()))
	q.Data.Remove(client)

	outcome, _ := d.Transport.Bridge(ctx, p.Caller, winner.Channel())

	winner.Member.RecordCallEnd(nowFunc())
	inSL := q.ServiceLevelSecs > 0 && int(holdSeconds) <= q.ServiceLevelSecs
	q.Data.RecordCompletion(holdSeconds, outcome.TalkSeconds, inSL)
	d.Audit.Log(q.Name, client.UID, winner.Member.Interface, TagCompleteCaller, strconv.Itoa(int(holdSeconds)), strconv.Itoa(int(outcome.TalkSeconds)))

	return Result{Reason: ExitContinue, Member: winner.Member.Interface}, true
}

