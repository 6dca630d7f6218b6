package acdqueue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Attempt is one outbound ring within a caller's AttemptSet, per spec.md §3.
// Its Reserved/Active flags must be mirrored exactly once in the Device's
// shared counters; Release enforces that symmetry regardless of which exit
// path (answer, busy, forward, hangup) retired the attempt.
type Attempt struct {
	ID     string
	Member *Member

	mu               sync.Mutex
	metric           int
	stillGoing       bool
	reserved         bool
	active           bool
	watching         bool
	pendingConnected bool
	channel          OutboundChannel // nil until placed
	connectedLine    any
	aocRates         []any
	ringStarted      time.Time
}

// NewAttempt constructs an Attempt in the "still going, not yet reserved"
// state.
func NewAttempt(member *Member) *Attempt {
	return &Attempt{ID: uuid.NewString(), Member: member, stillGoing: true}
}

func (a *Attempt) setMetric(m int) {
	a.mu.Lock()
	a.metric = m
	a.mu.Unlock()
}

func (a *Attempt) Metric() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metric
}

func (a *Attempt) StillGoing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stillGoing
}

func (a *Attempt) setStillGoing(v bool) {
	a.mu.Lock()
	a.stillGoing = v
	a.mu.Unlock()
}

// MarkReserved increments the member's device reservation counter exactly
// once; safe to call more than once (idempotent via the reserved flag).
func (a *Attempt) MarkReserved() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reserved {
		return
	}
	a.reserved = true
	if a.Member != nil && a.Member.device != nil {
		a.Member.device.addReserved(1)
	}
}

// MarkActive transitions a reserved attempt to active (bridged), keeping the
// Device's reserved/active counters balanced: the reservation is released
// and the active contribution is added atomically from the caller's point
// of view.
func (a *Attempt) MarkActive() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		return
	}
	dev := (*Device)(nil)
	if a.Member != nil {
		dev = a.Member.device
	}
	if dev != nil {
		if a.reserved {
			dev.addReserved(-1)
			a.reserved = false
		}
		dev.addActive(1)
	}
	a.active = true
}

// IsActive reports whether this attempt currently holds the device's active
// contribution — used by the at-most-one-winner test property.
func (a *Attempt) IsActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Release decrements any outstanding Device contribution this attempt still
// holds. It is safe to call multiple times and from any exit path; the ring
// loop calls it when an attempt retires, and AttemptSet.ReleaseAll calls it
// for every remaining attempt when the caller leaves the loop.
func (a *Attempt) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	var dev *Device
	if a.Member != nil {
		dev = a.Member.device
	}
	if dev == nil {
		return
	}
	if a.reserved {
		dev.addReserved(-1)
		a.reserved = false
	}
	if a.active {
		dev.addActive(-1)
		a.active = false
	}
}

func (a *Attempt) SetChannel(ch OutboundChannel) {
	a.mu.Lock()
	a.channel = ch
	a.ringStarted = nowFunc()
	a.mu.Unlock()
}

// RingDuration reports how long this attempt has been ringing since its
// channel was placed. Zero if it was never placed.
func (a *Attempt) RingDuration() time.Duration {
	a.mu.Lock()
	started := a.ringStarted
	a.mu.Unlock()
	if started.IsZero() {
		return 0
	}
	return nowFunc().Sub(started)
}

func (a *Attempt) Channel() OutboundChannel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel
}

// AttemptSet is the per-caller collection of outbound attempts, indexed by
// member interface, kept on the WaitingClient and reused across ring rounds.
// Its ReleaseAll method is the "destructor" spec.md §5 requires: every attempt is released
// exactly once regardless of which path retired it.
type AttemptSet struct {
	mu      sync.Mutex
	byIface map[string]*Attempt
	order   []*Attempt
}

func NewAttemptSet() *AttemptSet {
	return &AttemptSet{byIface: make(map[string]*Attempt)}
}

func (s *AttemptSet) Add(a *Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byIface[a.Member.Interface] = a
	s.order = append(s.order, a)
}

func (s *AttemptSet) Get(iface string) (*Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byIface[iface]
	return a, ok
}

// All returns a snapshot slice of every attempt added so far.
func (s *AttemptSet) All() []*Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Attempt, len(s.order))
	copy(out, s.order)
	return out
}

// ReleaseAll releases every attempt's device contribution. Called on every
// Dispatcher exit path (answer, timeout, abandon) so reservations never
// leak across callers.
func (s *AttemptSet) ReleaseAll() {
	s.mu.Lock()
	attempts := make([]*Attempt, len(s.order))
	copy(attempts, s.order)
	s.mu.Unlock()
	for _, a := range attempts {
		a.Release()
	}
}

// WaitingClient is an in-queue caller's state, per spec.md §3.
type WaitingClient struct {
	UID      string
	Queue    *Queue
	Channel  CallerChannel
	Priority int

	mu             sync.Mutex
	position       int
	originalPos    int
	start          time.Time
	expire         time.Time // zero = none
	digits         string
	cancelElsewhere bool
	ringWhenRinging bool
	linCursor      int
	linWrapped     bool
	minPenalty     int
	maxPenalty     int
	ruleCursorIdx  int // -1 = no rule applied yet

	dialedInterfaces map[string]struct{}

	attempts *AttemptSet
}

// NewWaitingClient constructs a caller ready for insertion into a Queue's
// waiting list.
func NewWaitingClient(ch CallerChannel, priority int, minPenalty, maxPenalty int, expire time.Time) *WaitingClient {
	return &WaitingClient{
		UID:              uuid.NewString(),
		Channel:          ch,
		Priority:         priority,
		start:            nowFunc(),
		expire:           expire,
		minPenalty:       minPenalty,
		maxPenalty:       maxPenalty,
		ruleCursorIdx:    -1,
		dialedInterfaces: make(map[string]struct{}),
	}
}

func (c *WaitingClient) Position() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

func (c *WaitingClient) setPosition(p int) {
	c.mu.Lock()
	if c.position == 0 {
		c.originalPos = p
	}
	c.position = p
	c.mu.Unlock()
}

func (c *WaitingClient) OriginalPosition() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.originalPos
}

func (c *WaitingClient) StartTime() time.Time { return c.start }

// Elapsed returns seconds waited since the caller joined.
func (c *WaitingClient) Elapsed(now time.Time) int {
	return int(now.Sub(c.start).Seconds())
}

// Expired reports whether the caller's configured timeout has passed.
func (c *WaitingClient) Expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.expire.IsZero() && !now.Before(c.expire)
}

// PenaltyWindow returns the caller's current [min, max] penalty acceptance
// bounds.
func (c *WaitingClient) PenaltyWindow() (min, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minPenalty, c.maxPenalty
}

// ApplyRule advances the caller's penalty window per the given rule and
// records the new cursor index. Calling this again with the same idx and no
// newly-due rule is a no-op (the idempotence property from spec.md §8.7):
// the cursor only ever moves forward, and BestRuleAfter will not return the
// same rule twice for an unchanged cursor.
func (c *WaitingClient) ApplyRule(rule PenaltyRule, idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minPenalty, c.maxPenalty = rule.Apply(c.minPenalty, c.maxPenalty)
	c.ruleCursorIdx = idx
}

func (c *WaitingClient) RuleCursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ruleCursorIdx
}

// LinearCursor and LinWrapped back the Linear strategy's per-caller state.
func (c *WaitingClient) LinearCursor() (pos int, wrapped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linCursor, c.linWrapped
}

func (c *WaitingClient) SetLinearCursor(pos int, wrapped bool) {
	c.mu.Lock()
	c.linCursor = pos
	c.linWrapped = wrapped
	c.mu.Unlock()
}

// HasDialed reports whether iface was already attempted by this caller,
// used to prevent call-forward loops across chained dials.
func (c *WaitingClient) HasDialed(iface string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.dialedInterfaces[iface]
	return ok
}

func (c *WaitingClient) MarkDialed(iface string) {
	c.mu.Lock()
	c.dialedInterfaces[iface] = struct{}{}
	c.mu.Unlock()
}

func (c *WaitingClient) AppendDigit(d string) {
	c.mu.Lock()
	c.digits += d
	c.mu.Unlock()
}

func (c *WaitingClient) Digits() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.digits
}

func (c *WaitingClient) SetAttempts(s *AttemptSet) {
	c.mu.Lock()
	c.attempts = s
	c.mu.Unlock()
}

func (c *WaitingClient) Attempts() *AttemptSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// holdtimeFilterWeight is the exponential-moving-average weight applied on
// every completion, matching the classic "average over last 1/weight
// samples" telephony convention (spec.md §8.8).
const holdtimeFilterWeight = 0.1

// QueueData is per-queue mutable state: the ordered waiting list and live
// statistics, kept separate from Queue's immutable configuration so a
// config reload can swap in a fresh Queue value while preserving live
// callers and stats (spec.md §9 "Reload atomicity").
type QueueData struct {
	listMu sync.Mutex
	list   []*WaitingClient

	statsMu       sync.Mutex
	count         int
	holdtime      float64
	talktime      float64
	completed     int
	completedInSL int
	abandoned     int
	rrPos         int
	rrWrapped     bool

	Members *MemberSet
}

func NewQueueData() *QueueData {
	return &QueueData{Members: NewMemberSet()}
}

// Insert walks the waiting list and inserts c before the first entry with
// strictly lower priority, honoring a requested position when it does not
// place c ahead of any higher-priority entry. Renumbers positions for every
// subsequent entry. Returns ErrQueueFull if maxlen is exceeded.
func (q *QueueData) Insert(c *WaitingClient, maxlen int, requestedPos int) error {
	q.listMu.Lock()
	defer q.listMu.Unlock()

	if maxlen > 0 && len(q.list) >= maxlen {
		return ErrQueueFull
	}

	insertAt := len(q.list)
	for i, other := range q.list {
		if other.Priority < c.Priority {
			insertAt = i
			break
		}
	}

	if requestedPos > 0 {
		// Never ahead of a strictly higher-priority entry: clamp the
		// requested index to be >= the priority-derived insertAt.
		idx := requestedPos - 1
		if idx < insertAt {
			idx = insertAt
		}
		if idx > len(q.list) {
			idx = len(q.list)
		}
		insertAt = idx
	}

	q.list = append(q.list, nil)
	copy(q.list[insertAt+1:], q.list[insertAt:])
	q.list[insertAt] = c

	q.renumberLocked()
	return nil
}

// Remove deletes c from the waiting list, renumbering subsequent entries.
func (q *QueueData) Remove(c *WaitingClient) {
	q.listMu.Lock()
	defer q.listMu.Unlock()
	for i, other := range q.list {
		if other == c {
			q.list = append(q.list[:i], q.list[i+1:]...)
			break
		}
	}
	q.renumberLocked()
}

func (q *QueueData) renumberLocked() {
	for i, c := range q.list {
		c.setPosition(i + 1)
	}
}

// Len returns the current waiting-list length.
func (q *QueueData) Len() int {
	q.listMu.Lock()
	defer q.listMu.Unlock()
	return len(q.list)
}

// Head returns the first waiting caller, or nil if the list is empty.
func (q *QueueData) Head() *WaitingClient {
	q.listMu.Lock()
	defer q.listMu.Unlock()
	if len(q.list) == 0 {
		return nil
	}
	return q.list[0]
}

// Snapshot returns a copy of the current waiting-list order, safe to range
// over without holding the list lock.
func (q *QueueData) Snapshot() []*WaitingClient {
	q.listMu.Lock()
	defer q.listMu.Unlock()
	out := make([]*WaitingClient, len(q.list))
	copy(out, q.list)
	return out
}

// RRCursor returns the queue-wide round-robin cursor and wrapped flag used
// by the RRMemory/RROrdered strategies.
func (q *QueueData) RRCursor() (pos int, wrapped bool) {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return q.rrPos, q.rrWrapped
}

func (q *QueueData) SetRRCursor(pos int, wrapped bool) {
	q.statsMu.Lock()
	q.rrPos = pos
	q.rrWrapped = wrapped
	q.statsMu.Unlock()
}

// RecordAbandon increments the abandoned counter.
func (q *QueueData) RecordAbandon() {
	q.statsMu.Lock()
	q.abandoned++
	q.statsMu.Unlock()
}

// RecordCompletion folds a finished call's hold/talk times into the moving
// averages and bumps the completion counters, per spec.md §8.8.
func (q *QueueData) RecordCompletion(holdSeconds, talkSeconds float64, inSL bool) {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	if q.completed == 0 {
		q.holdtime = holdSeconds
		q.talktime = talkSeconds
	} else {
		q.holdtime += (holdSeconds - q.holdtime) * holdtimeFilterWeight
		q.talktime += (talkSeconds - q.talktime) * holdtimeFilterWeight
	}
	q.completed++
	if inSL {
		q.completedInSL++
	}
}

// Stats is an immutable snapshot of QueueData's live statistics.
type Stats struct {
	Count         int
	Holdtime      float64
	Talktime      float64
	Completed     int
	CompletedInSL int
	Abandoned     int
}

func (q *QueueData) Stats() Stats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return Stats{
		Count:         q.Len(),
		Holdtime:      q.holdtime,
		Talktime:      q.talktime,
		Completed:     q.completed,
		CompletedInSL: q.completedInSL,
		Abandoned:     q.abandoned,
	}
}

// nowFunc is indirected so tests can control time without sleeping.
var nowFunc = time.Now
