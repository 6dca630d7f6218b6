package queuesip

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ringbase/ringbase/internal/acdqueue"
	"github.com/ringbase/ringbase/internal/database"
	"github.com/ringbase/ringbase/internal/database/models"
)

// LoadQueues populates registry, rules, and devices from the persisted
// queue configuration, rule sets, and static members. It mirrors
// loadTrunks' role in cmd/ringbase/main.go: a one-shot startup sweep that
// also backs the management API's "reload" operation when called again
// after an edit.
func LoadQueues(
	ctx context.Context,
	registry *acdqueue.QueueRegistry,
	rules *acdqueue.RuleRegistry,
	devices *acdqueue.DeviceRegistry,
	configs database.QueueRepository,
	staticMembers database.QueueStaticMemberRepository,
	ruleRepo database.QueueRuleRepository,
	logger *slog.Logger,
) error {
	if err := loadRuleSets(ctx, rules, ruleRepo, logger); err != nil {
		return err
	}

	rows, err := configs.List(ctx)
	if err != nil {
		return fmt.Errorf("listing queues: %w", err)
	}

	for _, row := range rows {
		cfg, err := queueConfigFromModel(row)
		if err != nil {
			logger.Error("skipping queue with invalid configuration", "queue", row.Name, "error", err)
			continue
		}

		var rs *acdqueue.RuleSet
		if cfg.DefaultRuleName != "" {
			rs, _ = rules.Get(cfg.DefaultRuleName)
		}

		q := acdqueue.NewQueue(cfg, rs)

		members, err := staticMembers.ListByQueue(ctx, row.Name)
		if err != nil {
			logger.Error("failed to load static members", "queue", row.Name, "error", err)
		}
		for _, sm := range members {
			stateKey := sm.StateKey
			if stateKey == "" {
				stateKey = sm.Interface
			}
			device, err := devices.Acquire(stateKey)
			if err != nil {
				logger.Error("failed to acquire device for static member",
					"queue", row.Name, "interface", sm.Interface, "error", err)
				continue
			}
			m := acdqueue.NewMember(sm.Interface, device)
			m.DisplayName = sm.DisplayName
			m.Penalty = sm.Penalty
			m.Provenance = acdqueue.ProvenanceStatic
			q.Members().Insert(m)
		}

		if err := registry.Put(q); err != nil {
			logger.Error("failed to register queue", "queue", row.Name, "error", err)
		}
	}

	logger.Info("queues loaded", "count", len(rows))
	return nil
}

func loadRuleSets(ctx context.Context, rules *acdqueue.RuleRegistry, ruleRepo database.QueueRuleRepository, logger *slog.Logger) error {
	sets, err := ruleRepo.ListSets(ctx)
	if err != nil {
		return fmt.Errorf("listing queue rule sets: %w", err)
	}
	for _, set := range sets {
		steps, err := ruleRepo.ListSteps(ctx, set.ID)
		if err != nil {
			logger.Error("failed to load rule steps", "rule_set", set.Name, "error", err)
			continue
		}
		penaltyRules := make([]acdqueue.PenaltyRule, len(steps))
		for i, st := range steps {
			penaltyRules[i] = acdqueue.PenaltyRule{
				Time:        st.TimeSeconds,
				MaxValue:    st.MaxValue,
				MinValue:    st.MinValue,
				MaxRelative: st.MaxRelative,
				MinRelative: st.MinRelative,
			}
		}
		rules.Put(acdqueue.NewRuleSet(set.Name, penaltyRules))
	}
	return nil
}

func queueConfigFromModel(row models.Queue) (acdqueue.Config, error) {
	strategy, err := acdqueue.ParseStrategy(row.Strategy)
	if err != nil {
		return acdqueue.Config{}, err
	}
	autopause := acdqueue.AutopauseNone
	switch row.Autopause {
	case "yes":
		autopause = acdqueue.AutopauseYes
	case "all":
		autopause = acdqueue.AutopauseAll
	}
	return acdqueue.Config{
		Name:                row.Name,
		Strategy:            strategy,
		RingTimeoutSeconds:  row.RingTimeout,
		RetrySeconds:        row.RetrySeconds,
		DefaultWrapupSecs:   row.WrapupSeconds,
		MemberDelaySeconds:  row.MemberDelaySeconds,
		ServiceLevelSecs:    row.ServiceLevelSeconds,
		Weight:              row.Weight,
		JoinEmptyMask:       acdqueue.EmptyMask(row.JoinEmptyMask),
		LeaveEmptyMask:      acdqueue.EmptyMask(row.LeaveEmptyMask),
		Autopause:           autopause,
		HoldtimeRoundSecs:   row.HoldtimeRoundSecs,
		DefaultRuleName:     row.DefaultRuleName,
		MaxLen:              row.MaxLen,
		PenaltyMembersLimit: row.PenaltyMembersLimit,
		RingInUse:           row.RingInUse,
		Persisted:           true,
	}, nil
}
