package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"vigil-engine/internal/models"

	"go.uber.org/zap"
)

// AlertRepository 报警历史仓库
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建报警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// AlertFilters 报警历史查询条件
type AlertFilters struct {
	AgentID  *string
	Kind     *string
	Severity *string
	State    *string

	// 时间段过滤（first_raised_at）
	StartTime *time.Time
	EndTime   *time.Time
}

// CreateAlert 写入新报警记录
func (r *AlertRepository) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		INSERT INTO alerts (
			alert_id,
			agent_id,
			kind,
			severity,
			state,
			escalation_tier,
			first_raised_at,
			last_raised_at,
			acknowledged_by,
			acknowledged_at,
			resolved_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		alert.AlertID,
		alert.AgentID,
		alert.Kind,
		alert.Severity,
		alert.State,
		alert.EscalationTier,
		alert.FirstRaisedAt,
		alert.LastRaisedAt,
		alert.AcknowledgedBy,
		alert.AcknowledgedAt,
		alert.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// UpdateAlert 更新报警记录（状态机推进后回写）
func (r *AlertRepository) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		UPDATE alerts SET
			state = $2,
			escalation_tier = $3,
			last_raised_at = $4,
			acknowledged_by = $5,
			acknowledged_at = $6,
			resolved_at = $7
		WHERE alert_id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		alert.AlertID,
		alert.State,
		alert.EscalationTier,
		alert.LastRaisedAt,
		alert.AcknowledgedBy,
		alert.AcknowledgedAt,
		alert.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("alert not found: alert_id=%s", alert.AlertID)
	}

	return nil
}

// GetAlert 根据 alert_id 获取单条报警
func (r *AlertRepository) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT
			alert_id,
			agent_id,
			kind,
			severity,
			state,
			escalation_tier,
			first_raised_at,
			last_raised_at,
			acknowledged_by,
			acknowledged_at,
			resolved_at
		FROM alerts
		WHERE alert_id = $1
	`

	var alert models.Alert
	var acknowledgedBy sql.NullString
	var acknowledgedAt, resolvedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, alertID).Scan(
		&alert.AlertID,
		&alert.AgentID,
		&alert.Kind,
		&alert.Severity,
		&alert.State,
		&alert.EscalationTier,
		&alert.FirstRaisedAt,
		&alert.LastRaisedAt,
		&acknowledgedBy,
		&acknowledgedAt,
		&resolvedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert not found: alert_id=%s", alertID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	if acknowledgedBy.Valid {
		alert.AcknowledgedBy = &acknowledgedBy.String
	}
	if acknowledgedAt.Valid {
		alert.AcknowledgedAt = &acknowledgedAt.Time
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}

	return &alert, nil
}

// ListAlerts 按条件查询报警历史，按 first_raised_at 倒序
func (r *AlertRepository) ListAlerts(ctx context.Context, filters AlertFilters, limit, offset int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	var conditions []string
	var args []interface{}
	argIdx := 1

	addCondition := func(clause string, value interface{}) {
		conditions = append(conditions, fmt.Sprintf(clause, argIdx))
		args = append(args, value)
		argIdx++
	}

	if filters.AgentID != nil {
		addCondition("agent_id = $%d", *filters.AgentID)
	}
	if filters.Kind != nil {
		addCondition("kind = $%d", *filters.Kind)
	}
	if filters.Severity != nil {
		addCondition("severity = $%d", *filters.Severity)
	}
	if filters.State != nil {
		addCondition("state = $%d", *filters.State)
	}
	if filters.StartTime != nil {
		addCondition("first_raised_at >= $%d", *filters.StartTime)
	}
	if filters.EndTime != nil {
		addCondition("first_raised_at <= $%d", *filters.EndTime)
	}

	query := `
		SELECT
			alert_id,
			agent_id,
			kind,
			severity,
			state,
			escalation_tier,
			first_raised_at,
			last_raised_at,
			acknowledged_by,
			acknowledged_at,
			resolved_at
		FROM alerts
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY first_raised_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		var alert models.Alert
		var acknowledgedBy sql.NullString
		var acknowledgedAt, resolvedAt sql.NullTime

		if err := rows.Scan(
			&alert.AlertID,
			&alert.AgentID,
			&alert.Kind,
			&alert.Severity,
			&alert.State,
			&alert.EscalationTier,
			&alert.FirstRaisedAt,
			&alert.LastRaisedAt,
			&acknowledgedBy,
			&acknowledgedAt,
			&resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}

		if acknowledgedBy.Valid {
			alert.AcknowledgedBy = &acknowledgedBy.String
		}
		if acknowledgedAt.Valid {
			alert.AcknowledgedAt = &acknowledgedAt.Time
		}
		if resolvedAt.Valid {
			alert.ResolvedAt = &resolvedAt.Time
		}
		alerts = append(alerts, &alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rows: %w", err)
	}

	return alerts, nil
}
