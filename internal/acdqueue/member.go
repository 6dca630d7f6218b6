package acdqueue

import (
	"sync"
	"time"
)

// Provenance records where a Member's configuration came from, and governs
// the overwrite precedence when the same interface is registered twice:
// Static > Realtime > Dynamic.
type Provenance int

const (
	ProvenanceDynamic Provenance = iota
	ProvenanceRealtime
	ProvenanceStatic
)

// Member is a queue-scoped record referencing a shared Device. Its own
// mutex protects the fields below; the Device it references has its own,
// innermost, lock per the lock hierarchy in spec.md §5.
type Member struct {
	mu sync.Mutex

	Interface   string
	DisplayName string
	Penalty     int
	Calls       int
	LastCallEnd time.Time
	WrapupSecs  int
	Paused      bool
	CallInUse   bool
	Provenance  Provenance
	Dead        bool
	RealtimeUID string

	device *Device
}

// NewMember constructs a Member bound to the given Device. The caller owns
// the Device reference (normally via DeviceRegistry.Acquire).
func NewMember(iface string, device *Device) *Member {
	return &Member{Interface: iface, device: device}
}

func (m *Member) Device() *Device { return m.device }

// EffectiveStatus returns this member's current visible device status.
func (m *Member) EffectiveStatus() DeviceStatus {
	m.mu.Lock()
	callInUse := m.CallInUse
	dev := m.device
	m.mu.Unlock()
	if dev == nil {
		return StatusUnknown
	}
	return dev.Effective(callInUse)
}

// ReadyForCall reports whether enough wrap-up time has elapsed since the
// member's last completed call, per ring_entry precondition (c).
func (m *Member) ReadyForCall(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WrapupSecs <= 0 || m.LastCallEnd.IsZero() {
		return true
	}
	return now.After(m.LastCallEnd.Add(time.Duration(m.WrapupSecs) * time.Second))
}

// IsPaused reports the member's paused flag under lock.
func (m *Member) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Paused
}

// SetPaused sets the paused flag and returns the previous value.
func (m *Member) SetPaused(p bool) (prev bool) {
	m.mu.Lock()
	prev = m.Paused
	m.Paused = p
	m.mu.Unlock()
	return prev
}

// SetPenalty validates and sets the member's penalty.
func (m *Member) SetPenalty(p int) error {
	if p < 0 {
		return ErrInvalidPenalty
	}
	m.mu.Lock()
	m.Penalty = p
	m.mu.Unlock()
	return nil
}

// RecordCallEnd bumps the lifetime call count and marks the wrap-up clock.
func (m *Member) RecordCallEnd(at time.Time) {
	m.mu.Lock()
	m.Calls++
	m.LastCallEnd = at
	m.mu.Unlock()
}

// SecondsSinceLastCall returns spec.md's LeastRecent input, or -1 if the
// member has never taken a call (treated specially by the RingSelector).
func (m *Member) SecondsSinceLastCall(now time.Time) int {
	m.mu.Lock()
	last := m.LastCallEnd
	calls := m.Calls
	m.mu.Unlock()
	if calls == 0 || last.IsZero() {
		return -1
	}
	return int(now.Sub(last).Seconds())
}

// CallCount returns the lifetime completed-call count (FewestCalls input).
func (m *Member) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// Snapshot is an immutable copy of Member state for presentation (the
// management API, audit logging) without holding the Member lock.
type Snapshot struct {
	Interface   string
	DisplayName string
	Penalty     int
	Calls       int
	Paused      bool
	CallInUse   bool
	Provenance  Provenance
	Status      DeviceStatus
}

func (m *Member) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := StatusUnknown
	if m.device != nil {
		status = m.device.Effective(m.CallInUse)
	}
	return Snapshot{
		Interface:   m.Interface,
		DisplayName: m.DisplayName,
		Penalty:     m.Penalty,
		Calls:       m.Calls,
		Paused:      m.Paused,
		CallInUse:   m.CallInUse,
		Provenance:  m.Provenance,
		Status:      status,
	}
}

// MemberSet is the Queue-scoped collection of Members keyed by interface,
// preserving insertion order for the Linear/RROrdered strategies. Modeled
// on the repository add/update/list shape in internal/database/ring_group.go,
// adapted to an in-memory, mutex-guarded map plus an ordered index slice.
type MemberSet struct {
	mu      sync.RWMutex
	byIface map[string]*Member
	order   []string // interface, in insertion order; RROrdered/Linear index into this
}

func NewMemberSet() *MemberSet {
	return &MemberSet{byIface: make(map[string]*Member)}
}

// Insert adds or overwrites a member according to provenance precedence:
// Static overwrites anything, Realtime overwrites Dynamic, Dynamic never
// overwrites an existing Static or Realtime entry. Returns true if the
// member set changed.
func (s *MemberSet) Insert(m *Member) bool {
	if m.Interface == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byIface[m.Interface]
	if !ok {
		s.byIface[m.Interface] = m
		s.order = append(s.order, m.Interface)
		return true
	}
	existing.mu.Lock()
	existingProv := existing.Provenance
	existing.mu.Unlock()
	switch {
	case m.Provenance == ProvenanceStatic:
		s.byIface[m.Interface] = m
		return true
	case m.Provenance == ProvenanceRealtime && existingProv != ProvenanceStatic:
		s.byIface[m.Interface] = m
		return true
	case m.Provenance == ProvenanceDynamic && existingProv == ProvenanceDynamic:
		s.byIface[m.Interface] = m
		return true
	default:
		// Dynamic never overwrites Static or Realtime.
		return false
	}
}

// Remove deletes a member by interface. Returns the removed member, or nil.
func (s *MemberSet) Remove(iface string) *Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byIface[iface]
	if !ok {
		return nil
	}
	delete(s.byIface, iface)
	for i, v := range s.order {
		if v == iface {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return m
}

// Get looks up a member by interface.
func (s *MemberSet) Get(iface string) (*Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byIface[iface]
	return m, ok
}

// Ordered returns the members in stable insertion order, the sequence
// RingSelector's Linear/RROrdered strategies iterate over.
func (s *MemberSet) Ordered() []*Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Member, 0, len(s.order))
	for _, iface := range s.order {
		if m, ok := s.byIface[iface]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of members currently in the set.
func (s *MemberSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// MarkAllDeadExcept flags every realtime member not present in keep as dead,
// the first half of the sweep-dead reconciliation used when reloading
// realtime members (spec.md §4.2, scenario S6).
func (s *MemberSet) MarkAllDeadExcept(keep map[string]struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.byIface {
		m.mu.Lock()
		if m.Provenance == ProvenanceRealtime {
			if _, ok := keep[m.Interface]; !ok {
				m.Dead = true
			} else {
				m.Dead = false
			}
		}
		m.mu.Unlock()
	}
}

// SweepDead removes every member still flagged dead after a realtime
// reload, returning the removed interfaces for REMOVEMEMBER logging.
func (s *MemberSet) SweepDead() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for iface, m := range s.byIface {
		m.mu.Lock()
		dead := m.Dead
		m.mu.Unlock()
		if dead {
			removed = append(removed, iface)
			delete(s.byIface, iface)
			for i, v := range s.order {
				if v == iface {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		}
	}
	return removed
}
