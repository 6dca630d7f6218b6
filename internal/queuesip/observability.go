package queuesip

import (
	"context"
	"log/slog"

	"github.com/ringbase/ringbase/internal/acdqueue"
	"github.com/ringbase/ringbase/internal/push"
)

// SlogEventBus emits acdqueue's manager-event-bus events as structured log
// lines, the same way the rest of this codebase surfaces domain events
// before a richer subscriber (websocket push, AMI-equivalent) exists.
type SlogEventBus struct {
	logger *slog.Logger
}

func NewSlogEventBus(logger *slog.Logger) *SlogEventBus {
	return &SlogEventBus{logger: logger.With("subsystem", "queue-events")}
}

func (b *SlogEventBus) Emit(kind acdqueue.EventKind, fields map[string]string) {
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "event", kind)
	for k, v := range fields {
		args = append(args, k, v)
	}
	b.logger.Info("queue event", args...)
}

// SlogAuditLog records queue state-transition tags as structured log lines,
// mirroring the CDR-style audit trail the original platform writes to its
// queue_log table.
type SlogAuditLog struct {
	logger *slog.Logger
}

func NewSlogAuditLog(logger *slog.Logger) *SlogAuditLog {
	return &SlogAuditLog{logger: logger.With("subsystem", "queue-audit")}
}

func (a *SlogAuditLog) Log(queue, callerUID, agent string, tag acdqueue.AuditTag, extras ...string) {
	a.logger.Info("queue audit",
		"queue", queue,
		"caller", callerUID,
		"agent", agent,
		"tag", tag,
		"extras", extras,
	)
}

// NoopDialPlan satisfies acdqueue.DialPlanEvaluator for installs that have
// no post-connect macro/gosub mechanism wired up; RunPostConnect is a no-op.
type NoopDialPlan struct{}

func (NoopDialPlan) RunPostConnect(ctx context.Context, ch acdqueue.CallerChannel, hook string) error {
	return nil
}

// PushWaker adapts the push gateway client to acdqueue.MobileWaker, used by
// the dispatch core's best-effort push-to-wake ring_entry step.
type PushWaker struct {
	client *push.Client
	logger *slog.Logger
}

func NewPushWaker(client *push.Client, logger *slog.Logger) *PushWaker {
	return &PushWaker{client: client, logger: logger.With("subsystem", "queue-push-wake")}
}

// Wake looks nothing up itself: interfaceKey is expected to carry the push
// token and platform as "token:platform", set by whatever resolves the
// member's device record before calling into the dispatcher. If the push
// client isn't configured, Wake is a silent no-op.
func (w *PushWaker) Wake(ctx context.Context, interfaceKey string) error {
	if w.client == nil || !w.client.Configured() {
		return nil
	}
	token, platform, ok := splitPushKey(interfaceKey)
	if !ok {
		return nil
	}
	delivered, err := w.client.SendPush(ctx, token, platform, "", "")
	if err != nil {
		w.logger.Warn("push wake failed", "error", err)
		return err
	}
	w.logger.Debug("push wake sent", "delivered", delivered)
	return nil
}

func splitPushKey(key string) (token, platform string, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
