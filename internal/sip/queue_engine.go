package sip

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/ringbase/ringbase/internal/acdqueue"
	"github.com/ringbase/ringbase/internal/database"
	"github.com/ringbase/ringbase/internal/push"
	"github.com/ringbase/ringbase/internal/queuesip"
)

// buildQueueEngine wires the full ACD queue dispatch core: the device, rule,
// and queue registries, the SIP transport that rings members through the
// same user agent the rest of the server uses, and the dispatcher that ties
// them together. It then loads persisted queue configuration so the engine
// comes up populated, the same way the trunk registrar loads trunks at
// startup.
func buildQueueEngine(
	ua *sipgo.UserAgent,
	extensions database.ExtensionRepository,
	registrations database.RegistrationRepository,
	db *database.DB,
	proxyIP string,
	pushGatewayURL string,
	licenseKey string,
	logger *slog.Logger,
) (*acdqueue.Dispatcher, *acdqueue.QueueRegistry, *acdqueue.DeviceRegistry, *acdqueue.RuleRegistry, *acdqueue.Persistence, error) {
	devices := acdqueue.NewDeviceRegistry(logger)
	rules := acdqueue.NewRuleRegistry()
	queues := acdqueue.NewQueueRegistry()

	resolver := queuesip.NewRegistrationResolver(extensions, registrations)
	transport, err := queuesip.NewTransport(ua, resolver, proxyIP, logger)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("creating queue transport: %w", err)
	}

	kv := database.NewKVRepository(db)
	persist := acdqueue.NewPersistence(kv, devices)

	events := queuesip.NewSlogEventBus(logger)
	audit := queuesip.NewSlogAuditLog(logger)

	// Mobile queue members register a push token/platform instead of (or
	// alongside) a SIP registration; PushWaker is a no-op whenever the
	// gateway isn't configured, so it is always safe to wire in.
	pushClient := push.NewClient(pushGatewayURL, licenseKey)
	waker := queuesip.NewPushWaker(pushClient, logger)

	dispatcher := acdqueue.NewDispatcher(queues, devices, rules, transport, nil, events, audit, kv, queuesip.NoopDialPlan{}, waker, logger)

	queueConfigs := database.NewQueueRepository(db)
	staticMembers := database.NewQueueStaticMemberRepository(db)
	ruleSets := database.NewQueueRuleRepository(db)

	if err := queuesip.LoadQueues(context.Background(), queues, rules, devices, queueConfigs, staticMembers, ruleSets, logger); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("loading queues: %w", err)
	}

	for _, name := range queues.List() {
		q, err := queues.Get(name)
		if err != nil {
			continue
		}
		if err := persist.Load(context.Background(), q); err != nil {
			logger.Error("failed to restore dynamic members", "queue", name, "error", err)
		}
	}

	return dispatcher, queues, devices, rules, persist, nil
}
