package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
//
// Expected schema (managed externally):
//
//	orders(order_id PK, factory_id, product_type, quantity, deadline,
//	       process_tags text[], material_ready, priority, consumed, created_at)
//	mixed_batch_groups(group_id PK, factory_id, order_ids text[], type, score,
//	       status, reject_reason, actor_id, created_at, expires_at,
//	       confirmed_at, version)
//	group_members(factory_id, order_id, group_id,
//	       UNIQUE(factory_id, order_id))        -- live membership claims
//	mixed_batch_rules(factory_id, rule_type, enabled, max_spread_hours,
//	       max_quantity, min_group_size, params jsonb, updated_at,
//	       UNIQUE(factory_id, rule_type))
//	insert_slots(slot_id PK, factory_id, line_id, process, window_start,
//	       window_end, capacity, fit_score, impact jsonb, state, selected_by,
//	       selected_until, version, created_at,
//	       UNIQUE(factory_id, line_id, window_start))
//	production_slots(slot_id PK, factory_id, line_id, product_type, process,
//	       window_start, window_end, order_ids text[], capacity,
//	       capacity_used, version, created_at)
//	strategy_weights(factory_id PK, weights jsonb, version, updated_at)
//	weight_adjustments(result_id PK, factory_id, previous jsonb, new jsonb,
//	       effectiveness jsonb, reason, baseline, applied, normalized,
//	       window_from, window_to, created_at)
//	performance_metrics(factory_id, strategy, window_from, window_to,
//	       on_time_rate, changeover_overhead, utilization_variance,
//	       decision_count)
//	production_plans(plan_id PK, factory_id, confirmation_id, order_ids text[],
//	       slot_id, status, warnings text[], actor_id, created_at,
//	       UNIQUE(factory_id, confirmation_id))
//	durable_epochs(resource_id PK, epoch)
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Order Operations ---

func (s *PostgresStore) UpsertOrder(ctx context.Context, factoryID string, o *Order) error {
	o.FactoryID = factoryID
	query := `
		INSERT INTO orders (order_id, factory_id, product_type, quantity, deadline, process_tags, material_ready, priority, consumed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (order_id) DO UPDATE SET
			product_type = EXCLUDED.product_type,
			quantity = EXCLUDED.quantity,
			deadline = EXCLUDED.deadline,
			process_tags = EXCLUDED.process_tags,
			material_ready = EXCLUDED.material_ready,
			priority = EXCLUDED.priority
	`
	_, err := s.pool.Exec(ctx, query,
		o.OrderID, o.FactoryID, o.ProductType, o.Quantity, o.Deadline,
		o.ProcessTags, o.MaterialReady, o.Priority, o.Consumed,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, factoryID string, orderID string) (*Order, error) {
	query := `
		SELECT order_id, factory_id, product_type, quantity, deadline, process_tags, material_ready, priority, consumed, created_at
		FROM orders WHERE order_id = $1 AND factory_id = $2
	`
	var o Order
	err := s.pool.QueryRow(ctx, query, orderID, factoryID).Scan(
		&o.OrderID, &o.FactoryID, &o.ProductType, &o.Quantity, &o.Deadline,
		&o.ProcessTags, &o.MaterialReady, &o.Priority, &o.Consumed, &o.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, factoryID string) ([]*Order, error) {
	query := `
		SELECT order_id, factory_id, product_type, quantity, deadline, process_tags, material_ready, priority, consumed, created_at
		FROM orders WHERE factory_id = $1 AND NOT consumed
		ORDER BY deadline ASC
	`
	rows, err := s.pool.Query(ctx, query, factoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(
			&o.OrderID, &o.FactoryID, &o.ProductType, &o.Quantity, &o.Deadline,
			&o.ProcessTags, &o.MaterialReady, &o.Priority, &o.Consumed, &o.CreatedAt,
		); err != nil {
			return nil, err
		}
		orders = append(orders, &o)
	}
	return orders, nil
}

func (s *PostgresStore) MarkOrdersConsumed(ctx context.Context, factoryID string, orderIDs []string, consumed bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `UPDATE orders SET consumed = $3 WHERE factory_id = $1 AND order_id = ANY($2)`
	tag, err := tx.Exec(ctx, query, factoryID, orderIDs, consumed)
	if err != nil {
		return err
	}
	// A short count means a member order row is gone; roll back so the batch
	// is never half-marked.
	if int(tag.RowsAffected()) != len(orderIDs) {
		return fmt.Errorf("%w: %d of %d orders", ErrNotFound, len(orderIDs)-int(tag.RowsAffected()), len(orderIDs))
	}
	return tx.Commit(ctx)
}

// --- Mixed-Batch Group Operations ---

func (s *PostgresStore) CreateGroup(ctx context.Context, factoryID string, g *MixedBatchGroup) error {
	g.FactoryID = factoryID
	if g.Version == 0 {
		g.Version = 1
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO mixed_batch_groups (group_id, factory_id, order_ids, type, score, status, reject_reason, actor_id, created_at, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if _, err := tx.Exec(ctx, query,
		g.GroupID, g.FactoryID, g.OrderIDs, string(g.Type), g.Score, string(g.Status),
		g.RejectReason, g.ActorID, g.CreatedAt, g.ExpiresAt, g.Version,
	); err != nil {
		return err
	}

	// The unique index on (factory_id, order_id) is what closes the
	// read-then-write race on live membership.
	for _, orderID := range g.OrderIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO group_members (factory_id, order_id, group_id) VALUES ($1, $2, $3)`,
			factoryID, orderID, g.GroupID,
		); err != nil {
			if isUniqueViolation(err) {
				return Conflictf("order %s already held by a live group", orderID)
			}
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetGroup(ctx context.Context, factoryID string, groupID string) (*MixedBatchGroup, error) {
	query := `
		SELECT group_id, factory_id, order_ids, type, score, status, reject_reason, actor_id, created_at, expires_at, confirmed_at, version
		FROM mixed_batch_groups WHERE group_id = $1 AND factory_id = $2
	`
	var g MixedBatchGroup
	err := s.pool.QueryRow(ctx, query, groupID, factoryID).Scan(
		&g.GroupID, &g.FactoryID, &g.OrderIDs, &g.Type, &g.Score, &g.Status,
		&g.RejectReason, &g.ActorID, &g.CreatedAt, &g.ExpiresAt, &g.ConfirmedAt, &g.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) ListGroups(ctx context.Context, factoryID string, status GroupStatus, ruleType RuleType, limit, offset int) ([]*MixedBatchGroup, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT group_id, factory_id, order_ids, type, score, status, reject_reason, actor_id, created_at, expires_at, confirmed_at, version
		FROM mixed_batch_groups
		WHERE factory_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR type = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`
	rows, err := s.pool.Query(ctx, query, factoryID, string(status), string(ruleType), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*MixedBatchGroup
	for rows.Next() {
		var g MixedBatchGroup
		if err := rows.Scan(
			&g.GroupID, &g.FactoryID, &g.OrderIDs, &g.Type, &g.Score, &g.Status,
			&g.RejectReason, &g.ActorID, &g.CreatedAt, &g.ExpiresAt, &g.ConfirmedAt, &g.Version,
		); err != nil {
			return nil, err
		}
		groups = append(groups, &g)
	}
	return groups, nil
}

func (s *PostgresStore) CASGroup(ctx context.Context, factoryID string, g *MixedBatchGroup, expectedVersion int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE mixed_batch_groups
		SET order_ids = $3, type = $4, score = $5, status = $6, reject_reason = $7,
		    actor_id = $8, expires_at = $9, confirmed_at = $10, version = version + 1
		WHERE group_id = $1 AND factory_id = $2 AND version = $11
	`
	tag, err := tx.Exec(ctx, query,
		g.GroupID, factoryID, g.OrderIDs, string(g.Type), g.Score, string(g.Status),
		g.RejectReason, g.ActorID, g.ExpiresAt, g.ConfirmedAt, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		existing, gerr := s.GetGroup(ctx, factoryID, g.GroupID)
		if gerr == nil && existing == nil {
			return fmt.Errorf("%w: group %s", ErrNotFound, g.GroupID)
		}
		return Conflictf("group %s version moved", g.GroupID)
	}

	// Reconcile membership claims with the new row.
	if _, err := tx.Exec(ctx,
		`DELETE FROM group_members WHERE factory_id = $1 AND group_id = $2`,
		factoryID, g.GroupID,
	); err != nil {
		return err
	}
	if g.Status.Live() {
		for _, orderID := range g.OrderIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO group_members (factory_id, order_id, group_id) VALUES ($1, $2, $3)`,
				factoryID, orderID, g.GroupID,
			); err != nil {
				if isUniqueViolation(err) {
					return Conflictf("order %s already held by a live group", orderID)
				}
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	g.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) ExpireGroups(ctx context.Context, factoryID string, now time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE mixed_batch_groups
		SET status = $3, version = version + 1
		WHERE factory_id = $1 AND status = $2 AND expires_at < $4
		RETURNING group_id
	`, factoryID, string(GroupPending), string(GroupExpired), now)
	if err != nil {
		return 0, err
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, id)
	}
	rows.Close()

	if len(expired) > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM group_members WHERE factory_id = $1 AND group_id = ANY($2)`,
			factoryID, expired,
		); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(expired), nil
}

// --- Rule Operations ---

func (s *PostgresStore) UpsertRule(ctx context.Context, factoryID string, r *MixedBatchRule) error {
	r.FactoryID = factoryID
	params, err := json.Marshal(r.Params)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO mixed_batch_rules (factory_id, rule_type, enabled, max_spread_hours, max_quantity, min_group_size, params, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (factory_id, rule_type) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			max_spread_hours = EXCLUDED.max_spread_hours,
			max_quantity = EXCLUDED.max_quantity,
			min_group_size = EXCLUDED.min_group_size,
			params = EXCLUDED.params,
			updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query,
		r.FactoryID, string(r.RuleType), r.Enabled, r.MaxSpreadHours, r.MaxQuantity, r.MinGroupSize, params,
	)
	return err
}

func (s *PostgresStore) ListRules(ctx context.Context, factoryID string) ([]*MixedBatchRule, error) {
	query := `
		SELECT factory_id, rule_type, enabled, max_spread_hours, max_quantity, min_group_size, params, updated_at
		FROM mixed_batch_rules WHERE factory_id = $1 ORDER BY rule_type
	`
	rows, err := s.pool.Query(ctx, query, factoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*MixedBatchRule
	for rows.Next() {
		var r MixedBatchRule
		var params []byte
		if err := rows.Scan(
			&r.FactoryID, &r.RuleType, &r.Enabled, &r.MaxSpreadHours, &r.MaxQuantity, &r.MinGroupSize, &params, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &r.Params); err != nil {
				return nil, err
			}
		}
		rules = append(rules, &r)
	}
	return rules, nil
}

func (s *PostgresStore) ToggleRule(ctx context.Context, factoryID string, t RuleType, enabled bool) error {
	query := `UPDATE mixed_batch_rules SET enabled = $3, updated_at = NOW() WHERE factory_id = $1 AND rule_type = $2`
	tag, err := s.pool.Exec(ctx, query, factoryID, string(t), enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: rule %s", ErrNotFound, t)
	}
	return nil
}

// --- Insert-Slot Operations ---

func (s *PostgresStore) UpsertInsertSlot(ctx context.Context, factoryID string, slot *InsertSlot) (bool, error) {
	slot.FactoryID = factoryID
	if slot.Version == 0 {
		slot.Version = 1
	}
	impact, err := json.Marshal(slot.Impact)
	if err != nil {
		return false, err
	}
	query := `
		INSERT INTO insert_slots (slot_id, factory_id, line_id, process, window_start, window_end, capacity, fit_score, impact, state, selected_by, selected_until, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (factory_id, line_id, window_start) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		slot.SlotID, slot.FactoryID, slot.LineID, slot.Process, slot.WindowStart, slot.WindowEnd,
		slot.Capacity, slot.FitScore, impact, string(slot.State), slot.SelectedBy, slot.SelectedUntil, slot.Version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetInsertSlot(ctx context.Context, factoryID string, slotID string) (*InsertSlot, error) {
	query := `
		SELECT slot_id, factory_id, line_id, process, window_start, window_end, capacity, fit_score, impact, state, selected_by, selected_until, version, created_at
		FROM insert_slots WHERE slot_id = $1 AND factory_id = $2
	`
	var slot InsertSlot
	var impact []byte
	err := s.pool.QueryRow(ctx, query, slotID, factoryID).Scan(
		&slot.SlotID, &slot.FactoryID, &slot.LineID, &slot.Process, &slot.WindowStart, &slot.WindowEnd,
		&slot.Capacity, &slot.FitScore, &impact, &slot.State, &slot.SelectedBy, &slot.SelectedUntil, &slot.Version, &slot.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(impact) > 0 {
		if err := json.Unmarshal(impact, &slot.Impact); err != nil {
			return nil, err
		}
	}
	return &slot, nil
}

func (s *PostgresStore) ListInsertSlots(ctx context.Context, factoryID string, state SlotState) ([]*InsertSlot, error) {
	query := `
		SELECT slot_id, factory_id, line_id, process, window_start, window_end, capacity, fit_score, impact, state, selected_by, selected_until, version, created_at
		FROM insert_slots
		WHERE factory_id = $1 AND ($2 = '' OR state = $2)
		ORDER BY window_start ASC
	`
	rows, err := s.pool.Query(ctx, query, factoryID, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []*InsertSlot
	for rows.Next() {
		var slot InsertSlot
		var impact []byte
		if err := rows.Scan(
			&slot.SlotID, &slot.FactoryID, &slot.LineID, &slot.Process, &slot.WindowStart, &slot.WindowEnd,
			&slot.Capacity, &slot.FitScore, &impact, &slot.State, &slot.SelectedBy, &slot.SelectedUntil, &slot.Version, &slot.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(impact) > 0 {
			if err := json.Unmarshal(impact, &slot.Impact); err != nil {
				return nil, err
			}
		}
		slots = append(slots, &slot)
	}
	return slots, nil
}

func (s *PostgresStore) CASInsertSlot(ctx context.Context, factoryID string, slot *InsertSlot, expectedVersion int) error {
	impact, err := json.Marshal(slot.Impact)
	if err != nil {
		return err
	}
	query := `
		UPDATE insert_slots
		SET capacity = $3, fit_score = $4, impact = $5, state = $6, selected_by = $7, selected_until = $8, version = version + 1
		WHERE slot_id = $1 AND factory_id = $2 AND version = $9
	`
	tag, err := s.pool.Exec(ctx, query,
		slot.SlotID, factoryID, slot.Capacity, slot.FitScore, impact,
		string(slot.State), slot.SelectedBy, slot.SelectedUntil, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		existing, gerr := s.GetInsertSlot(ctx, factoryID, slot.SlotID)
		if gerr == nil && existing == nil {
			return fmt.Errorf("%w: slot %s", ErrNotFound, slot.SlotID)
		}
		return Conflictf("slot %s version moved", slot.SlotID)
	}
	slot.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) ExpireInsertSlots(ctx context.Context, factoryID string, now time.Time) (int, error) {
	// Stale SELECTED claims lapse back to FREE.
	lapsed, err := s.pool.Exec(ctx, `
		UPDATE insert_slots
		SET state = $2, selected_by = '', selected_until = NULL, version = version + 1
		WHERE factory_id = $1 AND state = $3 AND selected_until < $4
	`, factoryID, string(SlotFree), string(SlotSelected), now)
	if err != nil {
		return 0, err
	}

	// FREE slots whose window has started are no longer offerable.
	retired, err := s.pool.Exec(ctx, `
		UPDATE insert_slots
		SET state = $2, version = version + 1
		WHERE factory_id = $1 AND state = $3 AND window_start < $4
	`, factoryID, string(SlotExpired), string(SlotFree), now)
	if err != nil {
		return 0, err
	}

	return int(lapsed.RowsAffected() + retired.RowsAffected()), nil
}

// --- Committed Schedule Operations ---

func (s *PostgresStore) CreateProductionSlot(ctx context.Context, factoryID string, slot *ProductionSlot) error {
	slot.FactoryID = factoryID
	if slot.Version == 0 {
		slot.Version = 1
	}
	query := `
		INSERT INTO production_slots (slot_id, factory_id, line_id, product_type, process, window_start, window_end, order_ids, capacity, capacity_used, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		slot.SlotID, slot.FactoryID, slot.LineID, slot.ProductType, slot.Process,
		slot.WindowStart, slot.WindowEnd, slot.OrderIDs, slot.Capacity, slot.CapacityUsed, slot.Version,
	)
	return err
}

func (s *PostgresStore) DeleteProductionSlot(ctx context.Context, factoryID string, slotID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM production_slots WHERE factory_id = $1 AND slot_id = $2`,
		factoryID, slotID,
	)
	return err
}

func (s *PostgresStore) ListProductionSlots(ctx context.Context, factoryID string, from, to time.Time) ([]*ProductionSlot, error) {
	query := `
		SELECT slot_id, factory_id, line_id, product_type, process, window_start, window_end, order_ids, capacity, capacity_used, version, created_at
		FROM production_slots
		WHERE factory_id = $1
		  AND ($2::timestamptz IS NULL OR window_end >= $2)
		  AND ($3::timestamptz IS NULL OR window_start <= $3)
		ORDER BY window_start ASC
	`
	var fromArg, toArg interface{}
	if !from.IsZero() {
		fromArg = from
	}
	if !to.IsZero() {
		toArg = to
	}
	rows, err := s.pool.Query(ctx, query, factoryID, fromArg, toArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []*ProductionSlot
	for rows.Next() {
		var slot ProductionSlot
		if err := rows.Scan(
			&slot.SlotID, &slot.FactoryID, &slot.LineID, &slot.ProductType, &slot.Process,
			&slot.WindowStart, &slot.WindowEnd, &slot.OrderIDs, &slot.Capacity, &slot.CapacityUsed, &slot.Version, &slot.CreatedAt,
		); err != nil {
			return nil, err
		}
		slots = append(slots, &slot)
	}
	return slots, nil
}

func (s *PostgresStore) ReplaceProductionSlot(ctx context.Context, factoryID string, slot *ProductionSlot, expectedVersion int) error {
	query := `
		UPDATE production_slots
		SET window_start = $3, window_end = $4, order_ids = $5, capacity_used = $6, version = version + 1
		WHERE factory_id = $1 AND slot_id = $2 AND version = $7
	`
	tag, err := s.pool.Exec(ctx, query,
		factoryID, slot.SlotID, slot.WindowStart, slot.WindowEnd, slot.OrderIDs, slot.CapacityUsed, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return Conflictf("production slot %s version moved", slot.SlotID)
	}
	slot.Version = expectedVersion + 1
	return nil
}

// --- Weight Operations ---

func (s *PostgresStore) GetWeights(ctx context.Context, factoryID string) (*StrategyWeightSet, error) {
	query := `SELECT factory_id, weights, version, updated_at FROM strategy_weights WHERE factory_id = $1`
	var w StrategyWeightSet
	var weights []byte
	err := s.pool.QueryRow(ctx, query, factoryID).Scan(&w.FactoryID, &weights, &w.Version, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(weights, &w.Weights); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) CASWeights(ctx context.Context, factoryID string, w *StrategyWeightSet, expectedVersion int) error {
	weights, err := json.Marshal(w.Weights)
	if err != nil {
		return err
	}

	if expectedVersion == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO strategy_weights (factory_id, weights, version, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (factory_id) DO NOTHING
		`, factoryID, weights)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return Conflictf("weights for %s already exist", factoryID)
		}
		w.Version = 1
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE strategy_weights SET weights = $2, version = version + 1, updated_at = NOW()
		WHERE factory_id = $1 AND version = $3
	`, factoryID, weights, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return Conflictf("weights for %s version moved", factoryID)
	}
	w.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) AppendAdjustment(ctx context.Context, factoryID string, r *WeightAdjustmentResult) error {
	r.FactoryID = factoryID
	previous, err := json.Marshal(r.Previous)
	if err != nil {
		return err
	}
	next, err := json.Marshal(r.New)
	if err != nil {
		return err
	}
	effectiveness, err := json.Marshal(r.Effectiveness)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO weight_adjustments (result_id, factory_id, previous, new, effectiveness, reason, baseline, applied, normalized, window_from, window_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.pool.Exec(ctx, query,
		r.ResultID, r.FactoryID, previous, next, effectiveness, r.Reason, r.Baseline,
		r.Applied, r.Normalized, r.WindowFrom, r.WindowTo, r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAdjustments(ctx context.Context, factoryID string, since time.Time) ([]*WeightAdjustmentResult, error) {
	query := `
		SELECT result_id, factory_id, previous, new, effectiveness, reason, baseline, applied, normalized, window_from, window_to, created_at
		FROM weight_adjustments
		WHERE factory_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`
	rows, err := s.pool.Query(ctx, query, factoryID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*WeightAdjustmentResult
	for rows.Next() {
		var r WeightAdjustmentResult
		var previous, next, effectiveness []byte
		if err := rows.Scan(
			&r.ResultID, &r.FactoryID, &previous, &next, &effectiveness, &r.Reason, &r.Baseline,
			&r.Applied, &r.Normalized, &r.WindowFrom, &r.WindowTo, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(previous, &r.Previous); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(next, &r.New); err != nil {
			return nil, err
		}
		if len(effectiveness) > 0 {
			if err := json.Unmarshal(effectiveness, &r.Effectiveness); err != nil {
				return nil, err
			}
		}
		results = append(results, &r)
	}
	return results, nil
}

// --- Performance Metric Operations ---

func (s *PostgresStore) UpsertMetric(ctx context.Context, factoryID string, m *PerformanceMetric) error {
	m.FactoryID = factoryID
	query := `
		INSERT INTO performance_metrics (factory_id, strategy, window_from, window_to, on_time_rate, changeover_overhead, utilization_variance, decision_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		m.FactoryID, string(m.Strategy), m.WindowFrom, m.WindowTo,
		m.OnTimeRate, m.ChangeoverOverhead, m.UtilizationVariance, m.DecisionCount,
	)
	return err
}

func (s *PostgresStore) ListMetrics(ctx context.Context, factoryID string, from, to time.Time) ([]*PerformanceMetric, error) {
	query := `
		SELECT factory_id, strategy, window_from, window_to, on_time_rate, changeover_overhead, utilization_variance, decision_count
		FROM performance_metrics
		WHERE factory_id = $1
		  AND ($2::timestamptz IS NULL OR window_to >= $2)
		  AND ($3::timestamptz IS NULL OR window_from <= $3)
	`
	var fromArg, toArg interface{}
	if !from.IsZero() {
		fromArg = from
	}
	if !to.IsZero() {
		toArg = to
	}
	rows, err := s.pool.Query(ctx, query, factoryID, fromArg, toArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []*PerformanceMetric
	for rows.Next() {
		var m PerformanceMetric
		if err := rows.Scan(
			&m.FactoryID, &m.Strategy, &m.WindowFrom, &m.WindowTo,
			&m.OnTimeRate, &m.ChangeoverOverhead, &m.UtilizationVariance, &m.DecisionCount,
		); err != nil {
			return nil, err
		}
		metrics = append(metrics, &m)
	}
	return metrics, nil
}

// --- Plan Operations ---

func (s *PostgresStore) CreatePlan(ctx context.Context, factoryID string, p *ProductionPlan) (*ProductionPlan, error) {
	p.FactoryID = factoryID
	query := `
		INSERT INTO production_plans (plan_id, factory_id, confirmation_id, order_ids, slot_id, status, warnings, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (factory_id, confirmation_id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query,
		p.PlanID, p.FactoryID, p.ConfirmationID, p.OrderIDs, p.SlotID,
		string(p.Status), p.Warnings, p.ActorID, p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Return the winning row whether or not this call inserted it.
	var out ProductionPlan
	err = s.pool.QueryRow(ctx, `
		SELECT plan_id, factory_id, confirmation_id, order_ids, slot_id, status, warnings, actor_id, created_at
		FROM production_plans WHERE factory_id = $1 AND confirmation_id = $2
	`, factoryID, p.ConfirmationID).Scan(
		&out.PlanID, &out.FactoryID, &out.ConfirmationID, &out.OrderIDs, &out.SlotID,
		&out.Status, &out.Warnings, &out.ActorID, &out.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, factoryID string, planID string) (*ProductionPlan, error) {
	query := `
		SELECT plan_id, factory_id, confirmation_id, order_ids, slot_id, status, warnings, actor_id, created_at
		FROM production_plans WHERE factory_id = $1 AND plan_id = $2
	`
	var p ProductionPlan
	err := s.pool.QueryRow(ctx, query, factoryID, planID).Scan(
		&p.PlanID, &p.FactoryID, &p.ConfirmationID, &p.OrderIDs, &p.SlotID,
		&p.Status, &p.Warnings, &p.ActorID, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Factory Scopes ---

func (s *PostgresStore) ListFactories(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT factory_id FROM orders
		UNION SELECT DISTINCT factory_id FROM mixed_batch_rules
		UNION SELECT DISTINCT factory_id FROM strategy_weights
		ORDER BY 1
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var factories []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		factories = append(factories, id)
	}
	return factories, nil
}

// --- Coordination Operations ---

func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO durable_epochs (resource_id, epoch)
		VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE
		SET epoch = durable_epochs.epoch + 1
		RETURNING epoch
	`
	var newEpoch int64
	if err := s.pool.QueryRow(ctx, query, resourceID).Scan(&newEpoch); err != nil {
		return 0, err
	}
	return newEpoch, nil
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `SELECT epoch FROM durable_epochs WHERE resource_id = $1`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return epoch, nil
}
