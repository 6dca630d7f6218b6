package acdqueue

import "sync"

// PenaltyRule mutates a waiting caller's penalty acceptance window once
// elapsed wait time reaches Time, per spec.md §3/§4.2.
type PenaltyRule struct {
	Time        int // seconds since caller start
	MaxValue    int
	MinValue    int
	MaxRelative bool
	MinRelative bool
}

// Apply computes the new (min, max) window given the rule and the current
// window. Relative rules add to the existing bound; absolute rules replace
// it. Both bounds are floored at 0 and min is clamped to never exceed max.
func (r PenaltyRule) Apply(curMin, curMax int) (newMin, newMax int) {
	newMax = r.MaxValue
	if r.MaxRelative {
		newMax = curMax + r.MaxValue
	}
	if newMax < 0 {
		newMax = 0
	}
	newMin = r.MinValue
	if r.MinRelative {
		newMin = curMin + r.MinValue
	}
	if newMin < 0 {
		newMin = 0
	}
	if newMin > newMax {
		newMin = newMax
	}
	return newMin, newMax
}

// RuleSet is a named, ordered collection of PenaltyRules keyed by elapsed
// time. Rules are kept sorted by Time ascending so BestRuleAfter can do a
// single linear scan; rule sets are small (single-digit rule counts in
// practice) so this is simpler and just as fast as a tree.
type RuleSet struct {
	mu    sync.RWMutex
	Name  string
	rules []PenaltyRule
}

// NewRuleSet constructs a RuleSet, sorting rules by Time ascending.
func NewRuleSet(name string, rules []PenaltyRule) *RuleSet {
	sorted := append([]PenaltyRule(nil), rules...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Time > sorted[j].Time; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return &RuleSet{Name: name, rules: sorted}
}

// BestRuleAfter returns the next rule after cursorIdx if it is due (its Time
// is <= elapsed), and whether one was found. At most one rule is returned
// per call. A cursor of -1 means "no rule applied yet, start from the
// beginning".
func (rs *RuleSet) BestRuleAfter(cursorIdx int, elapsed int) (rule PenaltyRule, idx int, ok bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for i := cursorIdx + 1; i < len(rs.rules); i++ {
		if elapsed >= rs.rules[i].Time {
			return rs.rules[i], i, true
		}
		// Rules are sorted ascending by Time; once one is in the future,
		// none after it can be due yet either.
		break
	}
	return PenaltyRule{}, cursorIdx, false
}

// Len reports how many rules are in the set.
func (rs *RuleSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// RuleRegistry is the process-wide named collection of RuleSets, analogous
// to the DeviceRegistry but for penalty rule tables shared across queues.
type RuleRegistry struct {
	mu    sync.RWMutex
	sets  map[string]*RuleSet
}

func NewRuleRegistry() *RuleRegistry {
	return &RuleRegistry{sets: make(map[string]*RuleSet)}
}

func (r *RuleRegistry) Put(rs *RuleSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[rs.Name] = rs
}

func (r *RuleRegistry) Get(name string) (*RuleSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.sets[name]
	return rs, ok
}
