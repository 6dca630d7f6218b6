package acdqueue

import (
	"math/rand/v2"
)

// penaltyBandUnit is the per-penalty-point contribution to a metric, per
// spec.md §4.3 and the GLOSSARY's "penalty band" definition.
const penaltyBandUnit = 1_000_000

// RingSelector computes per-member metrics and selects the next ring
// candidate(s) for a caller, implementing the strategy table in
// spec.md §4.3. It holds no state of its own: all cursors live on the
// caller (WaitingClient, for Linear) or the queue (QueueData, for
// RRMemory/RROrdered), since a selector must be usable concurrently by
// many callers across many queues.
type RingSelector struct{}

func NewRingSelector() *RingSelector { return &RingSelector{} }

// usePenalty implements spec.md's `usepenalty = 1 iff M > L, else 0`.
func usePenalty(memberCount, limit int) bool {
	return memberCount > limit
}

// candidate pairs a Member with its computed Attempt for one ring round.
type candidate struct {
	member  *Member
	attempt *Attempt
}

// BuildRound computes metrics for every eligible member of q given c's
// current state, applying the penalty-window gate, and returns the
// resulting Attempts in member order; it does not add them to the caller's
// AttemptSet. Members failing the gate are skipped. A member whose attempt
// in the caller's AttemptSet is still going keeps that Attempt; any other
// member gets a fresh Attempt.
func (s *RingSelector) BuildRound(q *Queue, c *WaitingClient) []*Attempt {
	minP, maxP := c.PenaltyWindow()
	members := q.Members().Ordered()
	limit := q.PenaltyMembersLimit
	usePen := usePenalty(len(members), limit)

	existing := c.Attempts()

	var out []*Attempt
	for pos, m := range members {
		snap := m.Snapshot()

		// ring_entry preconditions (b)/(c)/(d): a member failing these is
		// not a selection candidate at all, not merely one that fails once
		// dialed — otherwise a strategy that always picks the single best
		// metric (Linear, RR*) could get stuck forever re-selecting the
		// same ineligible member every round, never advancing its cursor
		// past it. Weight dominance (precondition (a)) is intentionally
		// left to ringEntry instead, since it still must be observable as a
		// selected-but-undialed attempt (spec scenario S5).
		if snap.Paused {
			continue
		}
		if !m.ReadyForCall(nowFunc()) {
			continue
		}
		switch snap.Status {
		case StatusNotInUse, StatusUnknown:
		case StatusInUse, StatusRinging, StatusRingInUse, StatusOnHold:
			if !(q.RingInUse && snap.CallInUse) {
				continue
			}
		default:
			continue
		}

		if usePen {
			if maxP != 0 && snap.Penalty > maxP {
				continue
			}
			if minP != 0 && snap.Penalty < minP {
				continue
			}
		}

		var a *Attempt
		if existing != nil {
			if prev, ok := existing.Get(m.Interface); ok && prev.StillGoing() {
				a = prev
			}
		}
		if a == nil {
			a = NewAttempt(m)
		}

		metric := s.metricFor(q, c, m, pos, snap.Penalty, usePen)
		a.setMetric(metric)
		out = append(out, a)
	}
	return out
}

func (s *RingSelector) metricFor(q *Queue, c *WaitingClient, m *Member, pos int, penalty int, usePen bool) int {
	band := 0
	if usePen {
		band = penalty * penaltyBandUnit
	}

	switch q.Strategy {
	case StrategyRingAll:
		return band

	case StrategyLinear:
		cursor, _ := c.LinearCursor()
		if pos < cursor {
			return 1000 + pos + band
		}
		return pos + band

	case StrategyRRMemory, StrategyRROrdered:
		cursor, _ := q.Data.RRCursor()
		if pos < cursor {
			return 1000 + pos + band
		}
		return pos + band

	case StrategyRandom:
		return rand.IntN(1000) + band

	case StrategyWeightedRandom:
		spread := 1000 * (1 + penalty)
		return rand.IntN(spread)

	case StrategyFewestCalls:
		return m.CallCount() + band

	case StrategyLeastRecent:
		sinceLast := m.SecondsSinceLastCall(nowFunc())
		if sinceLast < 0 {
			return 0 + band
		}
		return (1_000_000 - sinceLast) + band

	default:
		return band
	}
}

// SelectBest picks the lowest-metric still-going, not-yet-placed attempt
// from round. For RingAll it returns every attempt within the tie band of
// the best metric; for every other strategy it returns just the best.
func (s *RingSelector) SelectBest(strategy Strategy, round []*Attempt) []*Attempt {
	var best *Attempt
	for _, a := range round {
		if !a.StillGoing() || a.Channel() != nil {
			continue
		}
		if best == nil || a.Metric() < best.Metric() {
			best = a
		}
	}
	if best == nil {
		return nil
	}
	if strategy != StrategyRingAll {
		return []*Attempt{best}
	}
	var tie []*Attempt
	for _, a := range round {
		if !a.StillGoing() || a.Channel() != nil {
			continue
		}
		if a.Metric() <= best.Metric() {
			tie = append(tie, a)
		}
	}
	return tie
}

// AdvanceCursors updates the Linear/RRMemory/RROrdered cursors after a
// round, per spec.md §4.3: on a successful selection the cursor advances to
// the winner's position (metric with the penalty band stripped); on an
// exhausted round it resets to 0 whether or not the wrapped flag was set,
// per the Open Question decision in SPEC_FULL.md §9 (reset rather than
// increment, to avoid starvation).
func (s *RingSelector) AdvanceCursors(q *Queue, c *WaitingClient, strategy Strategy, winner *Attempt, memberCount int) {
	limit := q.PenaltyMembersLimit
	usePen := usePenalty(memberCount, limit)

	switch strategy {
	case StrategyLinear:
		_, wrapped := c.LinearCursor()
		if winner != nil {
			pos := winner.Metric()
			if usePen {
				pos -= winner.Member.Snapshot().Penalty * penaltyBandUnit
			}
			pos = pos % 1000
			newWrapped := wrapped || pos > 0
			c.SetLinearCursor(pos, newWrapped)
			return
		}
		c.SetLinearCursor(0, false)

	case StrategyRRMemory, StrategyRROrdered:
		if winner != nil {
			pos := winner.Metric()
			if usePen {
				pos -= winner.Member.Snapshot().Penalty * penaltyBandUnit
			}
			pos = pos % 1000
			q.Data.SetRRCursor(pos, true)
			return
		}
		// Reset rather than increment on an exhausted round, wrapped or not.
		q.Data.SetRRCursor(0, false)
	}
}
