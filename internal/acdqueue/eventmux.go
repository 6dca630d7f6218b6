package acdqueue

import (
	"context"
	"log/slog"
	"time"
)

// MuxResult is the outcome of one EventMux.Race call.
type MuxResult struct {
	Winner        *Attempt
	RemainingTime time.Duration
	Digit         string
	CallerHangup  bool
	HangupCause   string
}

// EventMux races the caller channel against every still-going outbound
// attempt's event channel, exactly as Forker.Fork races forkLeg response
// channels in internal/sip/forker.go, generalized from "first 200 OK wins"
// to the fuller control-event vocabulary spec.md §4.5 requires.
type EventMux struct {
	logger *slog.Logger

	// restartOnRing controls whether the remaining timeout is refreshed on
	// every attempt state transition (spec.md §4.5 "Timeout").
	restartOnRing bool
	ringIndicate  bool
	allowForward  bool
	disconnectKey string

	// onRetire, if set, is called whenever a leg retires with Busy or
	// Congestion, with how long that leg had been ringing. The Dispatcher
	// uses it to drive autopause (spec.md §4.4's ring-no-answer handling).
	onRetire func(a *Attempt, cause string, rang time.Duration)
}

// NewEventMux constructs a mux for one ring round. restartOnRing,
// ringIndicate, allowForward, and disconnectKey come from the caller's
// per-call option set.
func NewEventMux(logger *slog.Logger, restartOnRing, ringIndicate, allowForward bool, disconnectKey string) *EventMux {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventMux{
		logger:        logger,
		restartOnRing: restartOnRing,
		ringIndicate:  ringIndicate,
		allowForward:  allowForward,
		disconnectKey: disconnectKey,
	}
}

// SetOnRetire installs the autopause hook used by ringRound.
func (m *EventMux) SetOnRetire(fn func(a *Attempt, cause string, rang time.Duration)) {
	m.onRetire = fn
}

// Race polls the caller channel and every still-going attempt in set for
// the given timeout, servicing every ready channel each time it wakes, and
// returns as soon as a winner is found or the caller's turn ends some other
// way. It never blocks past timeout.
func (m *EventMux) Race(ctx context.Context, caller CallerChannel, set *AttemptSet, timeout time.Duration, q *Queue, player PromptPlayer) MuxResult {
	deadline := nowFunc().Add(timeout)
	remaining := timeout

	callerFrames := caller.Frames(ctx)

	var legs []muxLeg
	for _, a := range set.All() {
		if !a.StillGoing() || a.Channel() == nil {
			continue
		}
		legs = append(legs, muxLeg{attempt: a, frames: a.Channel().Events(ctx)})
	}

	for {
		if remaining <= 0 {
			return MuxResult{RemainingTime: 0}
		}
		timer := time.NewTimer(remaining)

		select {
		case <-ctx.Done():
			timer.Stop()
			return MuxResult{CallerHangup: true, HangupCause: "context_cancelled"}

		case <-timer.C:
			return MuxResult{RemainingTime: 0}

		case f, ok := <-callerFrames:
			timer.Stop()
			if !ok {
				return MuxResult{CallerHangup: true, HangupCause: "channel_closed"}
			}
			if res, handled := m.handleCallerFrame(f); handled {
				return res
			}

		case f := <-muxAnyLeg(legs):
			timer.Stop()
			res, handled := m.handleLegFrame(f.attempt, f.frame, q)
			if handled {
				return res
			}
			if m.restartOnRing {
				remaining = timeout
			} else {
				remaining = deadline.Sub(nowFunc())
			}
			continue
		}

		remaining = deadline.Sub(nowFunc())
	}
}

type legFrame struct {
	attempt *Attempt
	frame   Frame
}

type muxLeg struct {
	attempt *Attempt
	frames  <-chan Frame
}

// muxAnyLeg fans in every leg's frame channel into one channel so select
// can watch an arbitrary number of outbound legs alongside the caller and
// the timer, mirroring Forker.Fork's use of one shared buffered result
// channel rather than a reflect.Select over N channels.
func muxAnyLeg(legs []muxLeg) <-chan legFrame {
	out := make(chan legFrame, len(legs))
	for _, l := range legs {
		go func(a *Attempt, frames <-chan Frame) {
			for f := range frames {
				out <- legFrame{attempt: a, frame: f}
			}
		}(l.attempt, l.frames)
	}
	return out
}

func (m *EventMux) handleCallerFrame(f Frame) (MuxResult, bool) {
	switch f.Kind {
	case FrameDTMF:
		if m.disconnectKey != "" && f.Digit == m.disconnectKey {
			return MuxResult{RemainingTime: 0}, true
		}
		return MuxResult{Digit: f.Digit, RemainingTime: 0}, true
	case FrameControl:
		if f.Control == ControlHangup {
			cause, _ := f.Data.(string)
			return MuxResult{CallerHangup: true, HangupCause: cause}, true
		}
	}
	return MuxResult{}, false
}

func (m *EventMux) handleLegFrame(a *Attempt, f Frame, q *Queue) (MuxResult, bool) {
	if f.Kind != FrameControl {
		return MuxResult{}, false
	}
	switch f.Control {
	case ControlAnswer:
		a.MarkActive()
		return MuxResult{Winner: a}, true

	case ControlBusy, ControlCongestion:
		a.setStillGoing(false)
		a.Release()
		if m.onRetire != nil {
			cause := "busy"
			if f.Control == ControlCongestion {
				cause = "congestion"
			}
			m.onRetire(a, cause, a.RingDuration())
		}
		return MuxResult{}, false

	case ControlRinging:
		// Ringing is not terminal: the attempt stays still-going. No
		// ringing indication is sent to the caller and music on hold is
		// not stopped here or in the Dispatcher; the ringIndicate option
		// is not consulted for this event.
		return MuxResult{}, false

	case ControlCallForward:
		if !m.allowForward {
			a.setStillGoing(false)
			a.Release()
		}
		// The forward target is not requested: neither EventMux nor the
		// Dispatcher places a leg to it. With forwarding disallowed the
		// leg is retired; with forwarding allowed it is left still-going.
		return MuxResult{}, false

	case ControlConnectedLineUpdate, ControlRedirecting:
		a.mu.Lock()
		a.pendingConnected = true
		a.connectedLine = f.Data
		a.mu.Unlock()
		return MuxResult{}, false

	case ControlAOC:
		a.mu.Lock()
		a.aocRates = append(a.aocRates, f.Data)
		a.mu.Unlock()
		return MuxResult{}, false

	default:
		return MuxResult{}, false
	}
}
