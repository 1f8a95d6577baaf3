package repository

import (
	"context"
	"database/sql"
	"fmt"

	"vigil-engine/internal/router"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// SubscriptionRepository 订阅持久化仓库
// 服务重启后由路由器 Restore 恢复活跃订阅
type SubscriptionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSubscriptionRepository 创建订阅仓库
func NewSubscriptionRepository(db *sql.DB, logger *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:     db,
		logger: logger,
	}
}

// SaveSubscription 保存订阅（存在则覆盖）
func (r *SubscriptionRepository) SaveSubscription(ctx context.Context, sub router.Subscription) error {
	if sub.ID == "" {
		return fmt.Errorf("subscription_id is required")
	}

	query := `
		INSERT INTO subscriptions (
			subscription_id,
			subscriber_id,
			subscriber_type,
			target_agent_id,
			target_agent_type,
			favorites,
			channel,
			endpoint,
			active,
			degraded,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (subscription_id) DO UPDATE SET
			target_agent_id = EXCLUDED.target_agent_id,
			target_agent_type = EXCLUDED.target_agent_type,
			favorites = EXCLUDED.favorites,
			channel = EXCLUDED.channel,
			endpoint = EXCLUDED.endpoint,
			active = EXCLUDED.active,
			degraded = EXCLUDED.degraded
	`

	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.SubscriberID,
		sub.SubscriberType,
		sub.TargetAgentID,
		sub.TargetAgentType,
		pq.Array(sub.Favorites),
		sub.Channel,
		sub.Endpoint,
		sub.Active,
		sub.Degraded,
		sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}

	return nil
}

// DeleteSubscription 删除订阅
func (r *SubscriptionRepository) DeleteSubscription(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("subscription_id is required")
	}

	_, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE subscription_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	return nil
}

// MarkDegraded 标记订阅为降级（不停止投递，只做运维可见）
func (r *SubscriptionRepository) MarkDegraded(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("subscription_id is required")
	}

	result, err := r.db.ExecContext(ctx, `UPDATE subscriptions SET degraded = true WHERE subscription_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark subscription degraded: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("subscription not found: subscription_id=%s", id)
	}

	return nil
}

// ListActiveSubscriptions 加载所有活跃订阅（启动恢复用）
func (r *SubscriptionRepository) ListActiveSubscriptions(ctx context.Context) ([]router.Subscription, error) {
	query := `
		SELECT
			subscription_id,
			subscriber_id,
			subscriber_type,
			target_agent_id,
			target_agent_type,
			favorites,
			channel,
			endpoint,
			active,
			degraded,
			created_at
		FROM subscriptions
		WHERE active = true
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []router.Subscription
	for rows.Next() {
		var sub router.Subscription
		if err := rows.Scan(
			&sub.ID,
			&sub.SubscriberID,
			&sub.SubscriberType,
			&sub.TargetAgentID,
			&sub.TargetAgentType,
			pq.Array(&sub.Favorites),
			&sub.Channel,
			&sub.Endpoint,
			&sub.Active,
			&sub.Degraded,
			&sub.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription row: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscription rows: %w", err)
	}

	return subs, nil
}
