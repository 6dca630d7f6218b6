package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ringbase/ringbase/internal/database/models"
)

// queueRepo implements QueueRepository.
type queueRepo struct {
	db *DB
}

// NewQueueRepository creates a new QueueRepository.
func NewQueueRepository(db *DB) QueueRepository {
	return &queueRepo{db: db}
}

func (r *queueRepo) Create(ctx context.Context, q *models.Queue) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO queues (name, strategy, ring_timeout, retry_seconds, wrapup_seconds,
		 member_delay_seconds, service_level_seconds, weight, join_empty_mask, leave_empty_mask,
		 autopause, holdtime_round_seconds, default_rule_name, max_len, penalty_members_limit,
		 ring_in_use, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		q.Name, q.Strategy, q.RingTimeout, q.RetrySeconds, q.WrapupSeconds,
		q.MemberDelaySeconds, q.ServiceLevelSeconds, q.Weight, q.JoinEmptyMask, q.LeaveEmptyMask,
		q.Autopause, q.HoldtimeRoundSecs, q.DefaultRuleName, q.MaxLen, q.PenaltyMembersLimit,
		q.RingInUse,
	)
	if err != nil {
		return fmt.Errorf("inserting queue: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	q.ID = id
	return nil
}

func (r *queueRepo) GetByName(ctx context.Context, name string) (*models.Queue, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, name, strategy, ring_timeout, retry_seconds, wrapup_seconds,
		 member_delay_seconds, service_level_seconds, weight, join_empty_mask, leave_empty_mask,
		 autopause, holdtime_round_seconds, default_rule_name, max_len, penalty_members_limit,
		 ring_in_use, created_at, updated_at
		 FROM queues WHERE name = ?`, name,
	))
}

func (r *queueRepo) GetByID(ctx context.Context, id int64) (*models.Queue, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, name, strategy, ring_timeout, retry_seconds, wrapup_seconds,
		 member_delay_seconds, service_level_seconds, weight, join_empty_mask, leave_empty_mask,
		 autopause, holdtime_round_seconds, default_rule_name, max_len, penalty_members_limit,
		 ring_in_use, created_at, updated_at
		 FROM queues WHERE id = ?`, id,
	))
}

func (r *queueRepo) List(ctx context.Context) ([]models.Queue, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, strategy, ring_timeout, retry_seconds, wrapup_seconds,
		 member_delay_seconds, service_level_seconds, weight, join_empty_mask, leave_empty_mask,
		 autopause, holdtime_round_seconds, default_rule_name, max_len, penalty_members_limit,
		 ring_in_use, created_at, updated_at
		 FROM queues ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying queues: %w", err)
	}
	defer rows.Close()

	var out []models.Queue
	for rows.Next() {
		var q models.Queue
		if err := rows.Scan(&q.ID, &q.Name, &q.Strategy, &q.RingTimeout, &q.RetrySeconds, &q.WrapupSeconds,
			&q.MemberDelaySeconds, &q.ServiceLevelSeconds, &q.Weight, &q.JoinEmptyMask, &q.LeaveEmptyMask,
			&q.Autopause, &q.HoldtimeRoundSecs, &q.DefaultRuleName, &q.MaxLen, &q.PenaltyMembersLimit,
			&q.RingInUse, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning queue row: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (r *queueRepo) Update(ctx context.Context, q *models.Queue) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queues SET strategy = ?, ring_timeout = ?, retry_seconds = ?, wrapup_seconds = ?,
		 member_delay_seconds = ?, service_level_seconds = ?, weight = ?, join_empty_mask = ?,
		 leave_empty_mask = ?, autopause = ?, holdtime_round_seconds = ?, default_rule_name = ?,
		 max_len = ?, penalty_members_limit = ?, ring_in_use = ?, updated_at = datetime('now')
		 WHERE name = ?`,
		q.Strategy, q.RingTimeout, q.RetrySeconds, q.WrapupSeconds,
		q.MemberDelaySeconds, q.ServiceLevelSeconds, q.Weight, q.JoinEmptyMask,
		q.LeaveEmptyMask, q.Autopause, q.HoldtimeRoundSecs, q.DefaultRuleName,
		q.MaxLen, q.PenaltyMembersLimit, q.RingInUse, q.Name,
	)
	if err != nil {
		return fmt.Errorf("updating queue: %w", err)
	}
	return nil
}

func (r *queueRepo) Delete(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM queues WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting queue: %w", err)
	}
	return nil
}

func (r *queueRepo) scanOne(row *sql.Row) (*models.Queue, error) {
	var q models.Queue
	err := row.Scan(&q.ID, &q.Name, &q.Strategy, &q.RingTimeout, &q.RetrySeconds, &q.WrapupSeconds,
		&q.MemberDelaySeconds, &q.ServiceLevelSeconds, &q.Weight, &q.JoinEmptyMask, &q.LeaveEmptyMask,
		&q.Autopause, &q.HoldtimeRoundSecs, &q.DefaultRuleName, &q.MaxLen, &q.PenaltyMembersLimit,
		&q.RingInUse, &q.CreatedAt, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning queue: %w", err)
	}
	return &q, nil
}

// queueStaticMemberRepo implements QueueStaticMemberRepository.
type queueStaticMemberRepo struct {
	db *DB
}

func NewQueueStaticMemberRepository(db *DB) QueueStaticMemberRepository {
	return &queueStaticMemberRepo{db: db}
}

func (r *queueStaticMemberRepo) Create(ctx context.Context, m *models.QueueStaticMember) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO queue_static_members (queue_name, interface, display_name, penalty, state_key, created_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))`,
		m.QueueName, m.Interface, m.DisplayName, m.Penalty, m.StateKey,
	)
	if err != nil {
		return fmt.Errorf("inserting queue static member: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	m.ID = id
	return nil
}

func (r *queueStaticMemberRepo) ListByQueue(ctx context.Context, queueName string) ([]models.QueueStaticMember, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, queue_name, interface, display_name, penalty, state_key, created_at
		 FROM queue_static_members WHERE queue_name = ? ORDER BY id`, queueName)
	if err != nil {
		return nil, fmt.Errorf("querying queue static members: %w", err)
	}
	defer rows.Close()

	var out []models.QueueStaticMember
	for rows.Next() {
		var m models.QueueStaticMember
		if err := rows.Scan(&m.ID, &m.QueueName, &m.Interface, &m.DisplayName, &m.Penalty, &m.StateKey, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning queue static member row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *queueStaticMemberRepo) Delete(ctx context.Context, queueName, iface string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_static_members WHERE queue_name = ? AND interface = ?`, queueName, iface)
	if err != nil {
		return fmt.Errorf("deleting queue static member: %w", err)
	}
	return nil
}

// queueRuleRepo implements QueueRuleRepository.
type queueRuleRepo struct {
	db *DB
}

func NewQueueRuleRepository(db *DB) QueueRuleRepository {
	return &queueRuleRepo{db: db}
}

func (r *queueRuleRepo) CreateSet(ctx context.Context, rs *models.QueueRuleSet) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO queue_rule_sets (name, created_at) VALUES (?, datetime('now'))`, rs.Name)
	if err != nil {
		return fmt.Errorf("inserting queue rule set: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rs.ID = id
	return nil
}

func (r *queueRuleRepo) GetSetByName(ctx context.Context, name string) (*models.QueueRuleSet, error) {
	var rs models.QueueRuleSet
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM queue_rule_sets WHERE name = ?`, name,
	).Scan(&rs.ID, &rs.Name, &rs.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning queue rule set: %w", err)
	}
	return &rs, nil
}

func (r *queueRuleRepo) ListSets(ctx context.Context) ([]models.QueueRuleSet, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, created_at FROM queue_rule_sets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying queue rule sets: %w", err)
	}
	defer rows.Close()

	var out []models.QueueRuleSet
	for rows.Next() {
		var rs models.QueueRuleSet
		if err := rows.Scan(&rs.ID, &rs.Name, &rs.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning queue rule set row: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (r *queueRuleRepo) AddStep(ctx context.Context, step *models.QueueRuleStep) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO queue_rule_steps (rule_set_id, time_seconds, max_value, max_relative,
		 min_value, min_relative, step_order)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.RuleSetID, step.TimeSeconds, step.MaxValue, step.MaxRelative,
		step.MinValue, step.MinRelative, step.StepOrder,
	)
	if err != nil {
		return fmt.Errorf("inserting queue rule step: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	step.ID = id
	return nil
}

func (r *queueRuleRepo) ListSteps(ctx context.Context, ruleSetID int64) ([]models.QueueRuleStep, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, rule_set_id, time_seconds, max_value, max_relative, min_value, min_relative, step_order
		 FROM queue_rule_steps WHERE rule_set_id = ? ORDER BY step_order, time_seconds`, ruleSetID)
	if err != nil {
		return nil, fmt.Errorf("querying queue rule steps: %w", err)
	}
	defer rows.Close()

	var out []models.QueueRuleStep
	for rows.Next() {
		var s models.QueueRuleStep
		if err := rows.Scan(&s.ID, &s.RuleSetID, &s.TimeSeconds, &s.MaxValue, &s.MaxRelative,
			&s.MinValue, &s.MinRelative, &s.StepOrder); err != nil {
			return nil, fmt.Errorf("scanning queue rule step row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *queueRuleRepo) DeleteSet(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM queue_rule_sets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting queue rule set: %w", err)
	}
	return nil
}

// kvRepo implements KVRepository and, by extension, acdqueue.KVStore.
type kvRepo struct {
	db *DB
}

// NewKVRepository creates a new KVRepository backed by the kv_store table.
func NewKVRepository(db *DB) KVRepository {
	return &kvRepo{db: db}
}

func (r *kvRepo) Put(ctx context.Context, family, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO kv_store (family, key, value, updated_at) VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(family, key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')`,
		family, key, value,
	)
	if err != nil {
		return fmt.Errorf("upserting kv_store row: %w", err)
	}
	return nil
}

func (r *kvRepo) Get(ctx context.Context, family, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM kv_store WHERE family = ? AND key = ?`, family, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying kv_store row: %w", err)
	}
	return value, true, nil
}

func (r *kvRepo) Delete(ctx context.Context, family, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM kv_store WHERE family = ? AND key = ?`, family, key)
	if err != nil {
		return fmt.Errorf("deleting kv_store row: %w", err)
	}
	return nil
}
