package report

import (
	"context"
	"fmt"
	"time"

	"vigil-engine/internal/repository"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// AlertExporter 报警历史 XLSX 导出
type AlertExporter struct {
	repo   *repository.AlertRepository
	logger *zap.Logger
}

// NewAlertExporter 创建导出器
func NewAlertExporter(repo *repository.AlertRepository, logger *zap.Logger) *AlertExporter {
	return &AlertExporter{
		repo:   repo,
		logger: logger,
	}
}

const exportSheet = "Alerts"

var exportHeaders = []string{
	"Alert ID", "Agent ID", "Kind", "Severity", "State",
	"Escalation Tier", "First Raised", "Last Raised",
	"Acknowledged By", "Acknowledged At", "Resolved At",
}

// Export 按条件导出报警历史为 XLSX 文件
func (e *AlertExporter) Export(ctx context.Context, filters repository.AlertFilters, path string) (int, error) {
	alerts, err := e.repo.ListAlerts(ctx, filters, 10000, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to load alerts for export: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return 0, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	for col, header := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(exportSheet, cell, header); err != nil {
			return 0, fmt.Errorf("failed to write header: %w", err)
		}
	}

	for i, alert := range alerts {
		row := i + 2
		values := []interface{}{
			alert.AlertID,
			alert.AgentID,
			alert.Kind,
			alert.Severity,
			alert.State,
			alert.EscalationTier,
			formatTime(&alert.FirstRaisedAt),
			formatTime(&alert.LastRaisedAt),
			stringOrEmpty(alert.AcknowledgedBy),
			formatTime(alert.AcknowledgedAt),
			formatTime(alert.ResolvedAt),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(exportSheet, cell, v); err != nil {
				return 0, fmt.Errorf("failed to write row %d: %w", row, err)
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return 0, fmt.Errorf("failed to save export file: %w", err)
	}

	e.logger.Info("Alert history exported",
		zap.String("path", path),
		zap.Int("rows", len(alerts)),
	)
	return len(alerts), nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
