package models

import "fmt"

// ConfigurationError 配置错误
// 只在定义集加载时产生（启动或热加载），运行时评估永远不产生
type ConfigurationError struct {
	Section string // 出错的配置段，如 "agent_types[bus].transitions[2]"
	Detail  string
}

func (e *ConfigurationError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("configuration error: %s", e.Detail)
	}
	return fmt.Sprintf("configuration error in %s: %s", e.Section, e.Detail)
}

// NewConfigurationError 创建配置错误
func NewConfigurationError(section, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{
		Section: section,
		Detail:  fmt.Sprintf(format, args...),
	}
}

// IngestError 摄入错误（逐消息隔离：记录日志并丢弃，不中断其他消息）
type IngestError struct {
	Reason string
	Err    error
}

func (e *IngestError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ingest error: %s", e.Reason)
	}
	return fmt.Sprintf("ingest error: %s: %v", e.Reason, e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// DeliveryError 投递错误（逐订阅者隔离：退避重试，超限后标记 degraded）
type DeliveryError struct {
	SubscriptionID string
	Attempts       int
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery error for subscription %s after %d attempts: %v",
		e.SubscriptionID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
