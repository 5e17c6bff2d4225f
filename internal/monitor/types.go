package monitor

import (
	"time"

	"exec-bandit/internal/execution"
	"exec-bandit/internal/feature"
	"exec-bandit/internal/risk"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventDecision EventType = "decision"
	EventRiskHalt EventType = "risk_halt"
	EventFlatten  EventType = "flatten"
	EventPosition EventType = "position"
	EventError    EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// OutcomeRecord 为一条执行成本记录。
type OutcomeRecord struct {
	DecisionID string              `json:"decision_id"`
	TsMs       int64               `json:"ts_ms"`
	Symbol     string              `json:"symbol"`
	Mode       string              `json:"mode"`
	Action     execution.Action    `json:"action"`
	Side       execution.OrderSide `json:"side"`
	Features   feature.Vector      `json:"features"`
	Outcome    execution.Outcome   `json:"outcome"`
}

// ShadowRecord 为影子模式下建议动作与基线成本。
type ShadowRecord struct {
	DecisionID string            `json:"decision_id"`
	TsMs       int64             `json:"ts_ms"`
	Symbol     string            `json:"symbol"`
	Suggested  execution.Action  `json:"suggested"`
	Baseline   execution.Action  `json:"baseline"`
	Outcome    execution.Outcome `json:"outcome"`
}

// ActionCost 为单个动作的成本统计。
type ActionCost struct {
	Action      string  `json:"action"`
	Count       int     `json:"count"`
	AvgCostBps  float64 `json:"avg_cost_bps"`
	PartialRate float64 `json:"partial_rate"`
}

// CostReport 汇总各动作的平均执行成本。
type CostReport struct {
	Symbol  string       `json:"symbol,omitempty"`
	Total   int          `json:"total"`
	Actions []ActionCost `json:"actions"`
}

// ShadowReport 汇总影子模式的建议分布与基线成本。
type ShadowReport struct {
	Symbol             string         `json:"symbol,omitempty"`
	Total              int            `json:"total"`
	SuggestedCounts    map[string]int `json:"suggested_counts"`
	AvgBaselineCostBps float64        `json:"avg_baseline_cost_bps"`
	AgreementRate      float64        `json:"agreement_rate"`
}

// RiskHaltPayload 记录熔断。
type RiskHaltPayload struct {
	Reason       risk.Reason   `json:"reason"`
	Snapshot     risk.Snapshot `json:"snapshot"`
	OpenNotional float64       `json:"open_notional"`
	EstPnL       float64       `json:"est_pnl"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
