package acdqueue

import (
	"sync"
)

// Strategy selects which RingSelector metric formula a Queue uses.
type Strategy int

const (
	StrategyRingAll Strategy = iota
	StrategyLeastRecent
	StrategyFewestCalls
	StrategyRandom
	StrategyRRMemory
	StrategyLinear
	StrategyWeightedRandom
	StrategyRROrdered
)

func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "ringall", "ring_all":
		return StrategyRingAll, nil
	case "leastrecent", "least_recent":
		return StrategyLeastRecent, nil
	case "fewestcalls", "fewest_calls":
		return StrategyFewestCalls, nil
	case "random":
		return StrategyRandom, nil
	case "rrmemory", "rr_memory":
		return StrategyRRMemory, nil
	case "linear":
		return StrategyLinear, nil
	case "wrandom", "weighted_random":
		return StrategyWeightedRandom, nil
	case "rrordered", "rr_ordered":
		return StrategyRROrdered, nil
	default:
		return 0, ErrInvalidStrategy
	}
}

// AutopausePolicy controls the scope of an automatic pause triggered when a
// ringing member's attempt retires with busy or congestion, per spec.md §8.10.
type AutopausePolicy int

const (
	AutopauseNone AutopausePolicy = iota
	AutopauseYes                  // pause only in the originating queue
	AutopauseAll                  // pause the member in every queue it belongs to
)

// EmptyMask is a bitmask over member-state flags used to decide whether a
// caller may join a queue (JoinEmpty) or must leave it (LeaveEmpty).
type EmptyMask uint

const (
	EmptyPenalty EmptyMask = 1 << iota
	EmptyPaused
	EmptyInUse
	EmptyRinging
	EmptyUnavailable
	EmptyInvalid
	EmptyUnknown
)

// Config is the immutable configuration and identity of one named queue.
// Per spec.md §9 "Reload atomicity", Queue (which embeds Config) is built
// once at construction and never mutated in place; a reload constructs a
// brand new Queue value and swaps it into the QueueRegistry, while the
// QueueData it points to is shared across the old and new value so live
// stats and waiting callers survive the swap.
type Config struct {
	Name string

	Strategy Strategy

	RingTimeoutSeconds int
	RetrySeconds       int
	DefaultWrapupSecs  int
	MemberDelaySeconds int
	ServiceLevelSecs   int

	Weight int

	JoinEmptyMask  EmptyMask
	LeaveEmptyMask EmptyMask

	Autopause AutopausePolicy

	HoldtimeRoundSecs int
	DefaultRuleName   string
	MaxLen            int

	PenaltyMembersLimit int // L in spec.md §4.3; 0 means "usepenalty whenever M > 0"

	RingInUse bool // Queue.ringinuse: dial members whose device is already InUse
	Persisted bool // whether dynamic member changes are written through the Persistence adapter
}

// Queue bundles immutable Config with its QueueData (live stats/waiting
// list) and Members. It implements StatusSubscriber so the DeviceRegistry
// can notify it when a referenced device's raw status changes.
type Queue struct {
	Config
	Data *QueueData

	rules *RuleSet

	mu      sync.RWMutex
	members *MemberSet
}

// NewQueue constructs a Queue with fresh QueueData (used for a brand-new
// queue; a reload instead calls NewQueueWithData to share existing state).
func NewQueue(cfg Config, rules *RuleSet) *Queue {
	data := NewQueueData()
	return &Queue{Config: cfg, Data: data, rules: rules, members: data.Members}
}

// NewQueueWithData constructs a Queue reusing an existing QueueData, the
// mechanism by which a config reload preserves live waiting callers and
// stats while replacing all configuration fields.
func NewQueueWithData(cfg Config, rules *RuleSet, data *QueueData) *Queue {
	return &Queue{Config: cfg, Data: data, rules: rules, members: data.Members}
}

func (q *Queue) Members() *MemberSet { return q.members }
func (q *Queue) Rules() *RuleSet     { return q.rules }

// OnDeviceStatus implements StatusSubscriber. It is intentionally a no-op
// body beyond bookkeeping hooks: effective status is always recomputed
// lazily from the Device at read time (Member.EffectiveStatus), so there is
// nothing to mutate here. The hook exists so an EventBus adapter can emit
// QueueMemberStatus without the Dispatcher needing a polling loop.
func (q *Queue) OnDeviceStatus(key string, status DeviceStatus) {
	_ = key
	_ = status
}

// NumAvailableMembers counts members currently eligible to receive a call:
// not paused and with an effective status that would pass
// ring_entry precondition (d). Used by is_our_turn() in the wait-turn loop.
func (q *Queue) NumAvailableMembers() int {
	n := 0
	for _, m := range q.members.Ordered() {
		snap := m.Snapshot()
		if snap.Paused {
			continue
		}
		switch snap.Status {
		case StatusNotInUse, StatusUnknown:
			n++
		case StatusInUse, StatusRinging, StatusRingInUse, StatusOnHold:
			if q.RingInUse && snap.CallInUse {
				n++
			}
		}
	}
	return n
}

// EvaluateEmpty reports whether the given mask matches the queue's current
// member-state composition, used for both JoinEmpty and LeaveEmpty checks.
func (q *Queue) EvaluateEmpty(mask EmptyMask) bool {
	if mask == 0 {
		return false
	}
	members := q.members.Ordered()
	if len(members) == 0 {
		return mask&EmptyUnknown != 0 || mask&EmptyUnavailable != 0
	}
	for _, m := range members {
		snap := m.Snapshot()
		if mask&EmptyPaused != 0 && !snap.Paused {
			return false
		}
		if mask&EmptyInUse != 0 && snap.Status != StatusInUse {
			return false
		}
		if mask&EmptyRinging != 0 && snap.Status != StatusRinging && snap.Status != StatusRingInUse {
			return false
		}
		if mask&EmptyInvalid != 0 && snap.Status != StatusInvalid {
			return false
		}
		if mask&EmptyUnavailable != 0 && snap.Status != StatusUnavailable {
			return false
		}
	}
	return true
}

// QueueRegistry is the process-wide, registry-level lock (spec.md §5 level
// 1) mapping queue name to the current live *Queue value.
type QueueRegistry struct {
	mu     sync.RWMutex
	queues map[string]*Queue
}

func NewQueueRegistry() *QueueRegistry {
	return &QueueRegistry{queues: make(map[string]*Queue)}
}

// Get resolves a queue by name.
func (r *QueueRegistry) Get(name string) (*Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	if !ok {
		return nil, ErrQueueNotFound
	}
	return q, nil
}

// Put registers a brand-new queue. Returns ErrQueueExists if already present.
func (r *QueueRegistry) Put(q *Queue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[q.Name]; ok {
		return ErrQueueExists
	}
	r.queues[q.Name] = q
	return nil
}

// Replace atomically swaps in a new *Queue value for an existing name
// (config reload). The caller is responsible for constructing the
// replacement via NewQueueWithData so the old QueueData is preserved.
func (r *QueueRegistry) Replace(q *Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[q.Name] = q
}

// Remove deletes a queue entirely.
func (r *QueueRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, name)
}

// QueueSnapshot is a point-in-time view of one queue's load and
// statistics, used by the metrics collector adapter.
type QueueSnapshot struct {
	Name          string
	Waiting       int
	AvailableMem  int
	Holdtime      float64
	Talktime      float64
	Completed     int
	CompletedInSL int
	Abandoned     int
}

// Snapshot returns a QueueSnapshot for every registered queue.
func (r *QueueRegistry) Snapshot() []QueueSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]QueueSnapshot, 0, len(r.queues))
	for _, q := range r.queues {
		stats := q.Data.Stats()
		out = append(out, QueueSnapshot{
			Name:          q.Name,
			Waiting:       stats.Count,
			AvailableMem:  q.NumAvailableMembers(),
			Holdtime:      stats.Holdtime,
			Talktime:      stats.Talktime,
			Completed:     stats.Completed,
			CompletedInSL: stats.CompletedInSL,
			Abandoned:     stats.Abandoned,
		})
	}
	return out
}

// List returns every queue name currently registered.
func (r *QueueRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.queues))
	for name := range r.queues {
		out = append(out, name)
	}
	return out
}

// WeightDominance reports whether any other registered queue with strictly
// higher weight than exclude's also lists member iface and currently has
// waiting callers at or beyond its available-member count — spec.md §4.4
// ring_entry precondition (a), scenario S5.
func (r *QueueRegistry) WeightDominance(excludeName string, excludeWeight int, iface string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, q := range r.queues {
		if name == excludeName {
			continue
		}
		if q.Weight <= excludeWeight {
			continue
		}
		if _, ok := q.Members().Get(iface); !ok {
			continue
		}
		if q.Data.Len() >= q.NumAvailableMembers() {
			return true
		}
	}
	return false
}
