package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ringbase/ringbase/internal/acdqueue"
	"github.com/ringbase/ringbase/internal/database/models"
	"github.com/ringbase/ringbase/internal/flow"
)

// QueueHandler handles the Queue (ACD) node type. It resolves the queue
// entity referenced by the node, wraps the inbound call in a CallerChannel
// adapter, and drives the dispatch core's full join/wait/ring/bridge state
// machine. The output edge is derived from the core's exit reason.
type QueueHandler struct {
	engine     *flow.Engine
	sip        flow.SIPActions
	dispatcher *acdqueue.Dispatcher
	logger     *slog.Logger
}

// NewQueueHandler creates a new QueueHandler. dispatcher must already be
// wired with the queue/device/rule registries, transport, and collaborators
// it needs; this handler only supplies the per-call CallerChannel and maps
// the node's entity to a queue name.
func NewQueueHandler(engine *flow.Engine, sip flow.SIPActions, dispatcher *acdqueue.Dispatcher, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{
		engine:     engine,
		sip:        sip,
		dispatcher: dispatcher,
		logger:     logger.With("handler", "queue"),
	}
}

// Execute resolves the queue entity, builds the run parameters from the
// node's configured overrides, and blocks until the caller either connects
// to a member, abandons, or the core decides to exit the queue.
func (h *QueueHandler) Execute(ctx context.Context, callCtx *flow.CallContext, node flow.Node) (string, error) {
	h.logger.Debug("queue node executing",
		"call_id", callCtx.CallID,
		"node_id", node.ID,
	)

	if h.dispatcher == nil {
		h.logger.Warn("queue engine not enabled, following timeout edge",
			"call_id", callCtx.CallID,
			"node_id", node.ID,
		)
		return "timeout", nil
	}

	entity, err := h.engine.ResolveNodeEntity(ctx, node)
	if err != nil {
		return "", fmt.Errorf("resolving queue entity: %w", err)
	}
	if entity == nil {
		return "", fmt.Errorf("queue node %s: no entity reference configured", node.ID)
	}

	q, ok := entity.(*models.Queue)
	if !ok {
		return "", fmt.Errorf("queue node %s: entity is %T, expected *models.Queue", node.ID, entity)
	}

	timeoutSeconds := q.RingTimeout
	if v, ok := node.Data.Config["timeout_seconds"]; ok {
		switch t := v.(type) {
		case float64:
			if t >= 0 {
				timeoutSeconds = int(t)
			}
		case int:
			if t >= 0 {
				timeoutSeconds = t
			}
		}
	}

	priority := 0
	if v, ok := node.Data.Config["priority"]; ok {
		switch t := v.(type) {
		case float64:
			priority = int(t)
		case int:
			priority = t
		}
	}

	opts := acdqueue.Options{
		ExitContexts: exitDigitsFromConfig(node.Data.Config),
	}
	if v, ok := node.Data.Config["cancel_elsewhere"].(bool); ok {
		opts.CancelElsewhere = v
	}
	if v, ok := node.Data.Config["ring_when_ringing"].(bool); ok {
		opts.RingWhenRinging = v
	}

	caller := newQueueCallContextChannel(ctx, h.sip, callCtx)

	h.logger.Info("caller joining queue",
		"call_id", callCtx.CallID,
		"node_id", node.ID,
		"queue", q.Name,
		"timeout_seconds", timeoutSeconds,
		"priority", priority,
	)

	result, err := h.dispatcher.Run(ctx, acdqueue.RunParams{
		Caller:         caller,
		QueueName:      q.Name,
		Options:        opts,
		TimeoutSeconds: timeoutSeconds,
		Priority:       priority,
	})
	if err != nil {
		h.logger.Error("queue dispatch failed",
			"call_id", callCtx.CallID,
			"node_id", node.ID,
			"queue", q.Name,
			"error", err,
		)
		return "", fmt.Errorf("running queue %s: %w", q.Name, err)
	}

	if result.Digits != "" {
		callCtx.AppendDTMF(result.Digits)
	}

	edge := queueEdgeForExit(result.Reason)
	h.logger.Info("queue node exiting",
		"call_id", callCtx.CallID,
		"node_id", node.ID,
		"queue", q.Name,
		"reason", result.Reason,
		"member", result.Member,
		"edge", edge,
	)
	return edge, nil
}

// exitDigitsFromConfig reads the node's configured exit-context digits
// (a comma-separated string, e.g. "0,*") into the set Options.ExitContexts
// expects.
func exitDigitsFromConfig(cfg map[string]any) map[string]struct{} {
	raw, _ := cfg["exit_digits"].(string)
	if raw == "" {
		return nil
	}
	out := make(map[string]struct{})
	digit := ""
	for _, r := range raw {
		if r == ',' {
			if digit != "" {
				out[digit] = struct{}{}
				digit = ""
			}
			continue
		}
		digit += string(r)
	}
	if digit != "" {
		out[digit] = struct{}{}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// queueEdgeForExit maps an acdqueue.ExitReason to the flow graph's output
// edge name. A connected call (ExitContinue with a member set) follows
// "answered"; every other exit reason has its own named edge so a flow
// author can route hold-music timeouts differently from a forced LEAVEEMPTY.
func queueEdgeForExit(reason acdqueue.ExitReason) string {
	switch reason {
	case acdqueue.ExitContinue:
		return "answered"
	case acdqueue.ExitTimeout:
		return "timeout"
	case acdqueue.ExitFull:
		return "full"
	case acdqueue.ExitJoinEmpty:
		return "join_empty"
	case acdqueue.ExitLeaveEmpty:
		return "leave_empty"
	case acdqueue.ExitJoinUnavail:
		return "join_unavail"
	case acdqueue.ExitLeaveUnavail:
		return "leave_unavail"
	default:
		return "no_answer"
	}
}

// queueCallContextChannel adapts a flow.CallContext into an
// acdqueue.CallerChannel. It polls the context's DTMF buffer for new
// digits (the same buffer PlayAndCollect appends to for IVR nodes) and
// treats cancellation of the supplied call context as caller hangup, since
// the SIP layer cancels that context on BYE/CANCEL of the inbound leg.
type queueCallContextChannel struct {
	ctx      context.Context
	sip      flow.SIPActions
	callCtx  *flow.CallContext
	lastSeen int
}

func newQueueCallContextChannel(ctx context.Context, sip flow.SIPActions, callCtx *flow.CallContext) *queueCallContextChannel {
	return &queueCallContextChannel{
		ctx:      ctx,
		sip:      sip,
		callCtx:  callCtx,
		lastSeen: len(callCtx.GetDTMF()),
	}
}

func (c *queueCallContextChannel) ID() string { return c.callCtx.CallID }

// Frames polls for newly collected DTMF digits and surfaces caller hangup
// once the underlying call context is done. It is called repeatedly by the
// dispatcher's wait-turn and ring loops on a short tick, so a lightweight
// poll (rather than a long-lived goroutine) is sufficient here.
func (c *queueCallContextChannel) Frames(ctx context.Context) <-chan acdqueue.Frame {
	out := make(chan acdqueue.Frame, 4)
	go func() {
		defer close(out)

		digits := c.callCtx.GetDTMF()
		if len(digits) > c.lastSeen {
			for _, d := range digits[c.lastSeen:] {
				select {
				case out <- acdqueue.Frame{Kind: acdqueue.FrameDTMF, Digit: string(d)}:
				case <-ctx.Done():
					return
				}
			}
			c.lastSeen = len(digits)
		}

		select {
		case <-c.ctx.Done():
			out <- acdqueue.Frame{Kind: acdqueue.FrameControl, Control: acdqueue.ControlHangup}
		case <-ctx.Done():
		case <-time.After(0):
		}
	}()
	return out
}

func (c *queueCallContextChannel) Hangup(ctx context.Context, cause string) error {
	code := 487
	if n, err := strconv.Atoi(cause); err == nil && n > 0 {
		code = n
	}
	return c.sip.HangupCall(ctx, c.callCtx, code, cause)
}

// Ensure QueueHandler satisfies the NodeHandler interface.
var _ flow.NodeHandler = (*QueueHandler)(nil)

// Ensure queueCallContextChannel satisfies acdqueue.CallerChannel.
var _ acdqueue.CallerChannel = (*queueCallContextChannel)(nil)
