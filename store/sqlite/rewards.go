package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/progression-engine/engine"
)

// =============================================================================
// REWARDS (engine.RewardStore interface)
// =============================================================================

func (q *queries) SaveCatalogItem(ctx context.Context, item engine.RewardCatalogItem) error {
	var qty sql.NullInt64
	if item.AvailableQuantity != nil {
		qty = sql.NullInt64{Int64: *item.AvailableQuantity, Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reward_catalog
		(id, name, description, points_cost, minimum_user_level, available_quantity, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			points_cost = excluded.points_cost,
			minimum_user_level = excluded.minimum_user_level,
			available_quantity = excluded.available_quantity,
			is_active = excluded.is_active
	`, item.ID, item.Name, item.Description, item.PointsCost, item.MinimumUserLevel, qty, item.IsActive)
	if err != nil {
		return classify(fmt.Errorf("failed to save catalog item: %w", err))
	}
	return nil
}

func scanCatalogItem(row interface{ Scan(...any) error }) (engine.RewardCatalogItem, error) {
	var (
		item engine.RewardCatalogItem
		qty  sql.NullInt64
	)
	err := row.Scan(&item.ID, &item.Name, &item.Description, &item.PointsCost,
		&item.MinimumUserLevel, &qty, &item.IsActive)
	if err != nil {
		return item, err
	}
	if qty.Valid {
		n := qty.Int64
		item.AvailableQuantity = &n
	}
	return item, nil
}

func (q *queries) GetCatalogItem(ctx context.Context, id string) (*engine.RewardCatalogItem, error) {
	item, err := scanCatalogItem(q.db.QueryRowContext(ctx, `
		SELECT id, name, description, points_cost, minimum_user_level, available_quantity, is_active
		FROM reward_catalog WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get catalog item: %w", err))
	}
	return &item, nil
}

func (q *queries) ListCatalogItems(ctx context.Context, activeOnly bool) ([]engine.RewardCatalogItem, error) {
	query := `SELECT id, name, description, points_cost, minimum_user_level, available_quantity, is_active
		FROM reward_catalog`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY id`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list catalog: %w", err))
	}
	defer rows.Close()

	var items []engine.RewardCatalogItem
	for rows.Next() {
		item, err := scanCatalogItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan catalog item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DecrementStock takes one unit in a single guarded UPDATE. Unlimited
// (NULL) quantities match the guard and stay NULL.
func (q *queries) DecrementStock(ctx context.Context, rewardID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE reward_catalog SET available_quantity = available_quantity - 1
		WHERE id = ? AND (available_quantity IS NULL OR available_quantity > 0)
	`, rewardID)
	if err != nil {
		return classify(fmt.Errorf("failed to decrement stock: %w", err))
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	item, err := q.GetCatalogItem(ctx, rewardID)
	if err != nil {
		return err
	}
	if item == nil {
		return engine.NewNotFoundError("reward", rewardID)
	}
	return &engine.OutOfStockError{RewardID: rewardID}
}

const grantColumns = `id, user_id, reward_id, origin, origin_ref, status, redemption_code, points_spent,
	claimed_date, delivery_status, actor, created_at, updated_at`

func scanGrant(row interface{ Scan(...any) error }) (engine.UserRewardGrant, error) {
	var (
		g                    engine.UserRewardGrant
		claimed              sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&g.ID, &g.UserID, &g.RewardID, &g.Origin, &g.OriginRef, &g.Status,
		&g.RedemptionCode, &g.PointsSpent, &claimed, &g.DeliveryStatus, &g.Actor, &createdAt, &updatedAt)
	if err != nil {
		return g, err
	}
	g.ClaimedDate = parseNullTime(claimed)
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	return g, nil
}

func (q *queries) CreateGrant(ctx context.Context, g *engine.UserRewardGrant) error {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO user_reward_grants
		(user_id, reward_id, origin, origin_ref, status, redemption_code, points_spent,
		 claimed_date, delivery_status, actor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, g.UserID, g.RewardID, g.Origin, g.OriginRef, g.Status, g.RedemptionCode, g.PointsSpent,
		nullTime(g.ClaimedDate), g.DeliveryStatus, g.Actor, formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	if isUniqueConstraintError(err) {
		return engine.NewConflictError("redemption code %s already issued", g.RedemptionCode)
	}
	if err != nil {
		return classify(fmt.Errorf("failed to create grant: %w", err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read grant id: %w", err)
	}
	g.ID = id
	return nil
}

func (q *queries) GetGrant(ctx context.Context, id int64) (*engine.UserRewardGrant, error) {
	g, err := scanGrant(q.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM user_reward_grants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get grant: %w", err))
	}
	return &g, nil
}

func (q *queries) ListGrants(ctx context.Context, userID engine.UserID) ([]engine.UserRewardGrant, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+grantColumns+` FROM user_reward_grants WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list grants: %w", err))
	}
	defer rows.Close()

	var grants []engine.UserRewardGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// TransitionGrant is a compare-and-set on status.
func (q *queries) TransitionGrant(ctx context.Context, g engine.UserRewardGrant, from engine.GrantStatus) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE user_reward_grants
		SET status = ?, claimed_date = ?, delivery_status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, g.Status, nullTime(g.ClaimedDate), g.DeliveryStatus, formatTime(g.UpdatedAt), g.ID, from)
	if err != nil {
		return classify(fmt.Errorf("failed to transition grant: %w", err))
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	current, err := q.GetGrant(ctx, g.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return engine.NewNotFoundError("grant", g.ID)
	}
	return engine.NewConflictError("grant %d is %s, expected %s", g.ID, current.Status, from)
}
