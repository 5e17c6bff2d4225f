package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"exec-bandit/internal/execution"
	"exec-bandit/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS monitor_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		symbol TEXT,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);`,
	`CREATE TABLE IF NOT EXISTS exec_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		decision_id TEXT NOT NULL,
		ts_ms INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		mode TEXT NOT NULL,
		action INTEGER NOT NULL,
		action_name TEXT NOT NULL,
		side TEXT NOT NULL,
		fill_px REAL NOT NULL,
		mid_px REAL NOT NULL,
		cost_bps REAL NOT NULL,
		fee_bps REAL NOT NULL,
		partial INTEGER NOT NULL,
		ttf_ms INTEGER NOT NULL,
		features TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_exec_outcomes_symbol ON exec_outcomes(symbol, action);`,
	`CREATE TABLE IF NOT EXISTS bandit_shadow (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		decision_id TEXT NOT NULL,
		ts_ms INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		suggested INTEGER NOT NULL,
		baseline INTEGER NOT NULL,
		baseline_cost_bps REAL NOT NULL
	);`,
}

// Service 负责持久化执行结果与监控事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(ctx context.Context, st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := st.Migrate(ctx, schema...); err != nil {
		return nil, fmt.Errorf("monitor: 初始化表失败: %w", err)
	}

	return &Service{
		db:     st.DB(),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, symbol, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.Symbol, string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordOutcome 写入一条执行成本记录。
func (s *Service) RecordOutcome(ctx context.Context, rec OutcomeRecord) error {
	features, err := json.Marshal(rec.Features)
	if err != nil {
		return fmt.Errorf("monitor: 序列化特征失败: %w", err)
	}

	o := rec.Outcome
	_, err = s.db.ExecContext(ctx, `
INSERT INTO exec_outcomes (
	decision_id, ts_ms, symbol, mode, action, action_name, side,
	fill_px, mid_px, cost_bps, fee_bps, partial, ttf_ms, features
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DecisionID, rec.TsMs, rec.Symbol, rec.Mode, int(rec.Action), rec.Action.String(), string(rec.Side),
		o.FillPx, o.BenchMidPx, o.RealizedCostBps, o.FeeBps, boolToInt(o.PartialFill), o.TimeToFillMs, string(features),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入执行结果失败: %w", err)
	}
	return nil
}

// RecordShadow 写入影子模式记录。
func (s *Service) RecordShadow(ctx context.Context, rec ShadowRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bandit_shadow (decision_id, ts_ms, symbol, suggested, baseline, baseline_cost_bps)
VALUES (?, ?, ?, ?, ?, ?)`,
		rec.DecisionID, rec.TsMs, rec.Symbol, int(rec.Suggested), int(rec.Baseline), rec.Outcome.RealizedCostBps,
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入影子记录失败: %w", err)
	}
	return nil
}

// RecordHalt 记录熔断事件，失败仅告警。
func (s *Service) RecordHalt(ctx context.Context, symbol string, payload RiskHaltPayload) {
	if err := s.Record(ctx, Event{
		Type:    EventRiskHalt,
		Symbol:  symbol,
		Payload: payload,
	}); err != nil {
		s.logger.Warn("记录熔断事件失败", zap.Error(err))
	}
}

// RecordFlatten 记录平仓结果。
func (s *Service) RecordFlatten(ctx context.Context, symbol string, result execution.FlattenResult) {
	if err := s.Record(ctx, Event{
		Type:    EventFlatten,
		Symbol:  symbol,
		Payload: result,
	}); err != nil {
		s.logger.Warn("记录平仓事件失败", zap.Error(err))
	}
}

// RecordPosition 记录仓位状态。
func (s *Service) RecordPosition(ctx context.Context, symbol string, payload interface{}) {
	if err := s.Record(ctx, Event{
		Type:    EventPosition,
		Symbol:  symbol,
		Payload: payload,
	}); err != nil {
		s.logger.Warn("记录仓位事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, symbol, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:    EventError,
		Symbol:  symbol,
		Payload: payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, COALESCE(symbol, ''), payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			symbol  string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &symbol, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = s.now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Symbol:    symbol,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

// CostReport 按动作汇总执行成本，symbol 为空时统计全部交易对。
func (s *Service) CostReport(ctx context.Context, symbol string) (CostReport, error) {
	report := CostReport{Symbol: symbol, Actions: make([]ActionCost, 0, 4)}

	query := `SELECT action_name, COUNT(*), AVG(cost_bps), AVG(partial) FROM exec_outcomes`
	args := make([]interface{}, 0, 1)
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` GROUP BY action, action_name ORDER BY action`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return report, fmt.Errorf("monitor: 查询成本统计失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row ActionCost
		if err := rows.Scan(&row.Action, &row.Count, &row.AvgCostBps, &row.PartialRate); err != nil {
			return report, fmt.Errorf("monitor: 解析成本统计失败: %w", err)
		}
		report.Total += row.Count
		report.Actions = append(report.Actions, row)
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("monitor: 读取成本统计失败: %w", err)
	}

	return report, nil
}

// ShadowReport 汇总影子模式建议动作分布与基线平均成本。
func (s *Service) ShadowReport(ctx context.Context, symbol string) (ShadowReport, error) {
	report := ShadowReport{Symbol: symbol, SuggestedCounts: make(map[string]int)}

	where := ""
	args := make([]interface{}, 0, 1)
	if symbol != "" {
		where = ` WHERE symbol = ?`
		args = append(args, symbol)
	}

	var (
		avgCost sql.NullFloat64
		agree   sql.NullFloat64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(baseline_cost_bps), AVG(CASE WHEN suggested = baseline THEN 1.0 ELSE 0.0 END) FROM bandit_shadow`+where,
		args...,
	)
	if err := row.Scan(&report.Total, &avgCost, &agree); err != nil {
		return report, fmt.Errorf("monitor: 查询影子统计失败: %w", err)
	}
	report.AvgBaselineCostBps = avgCost.Float64
	report.AgreementRate = agree.Float64

	rows, err := s.db.QueryContext(ctx,
		`SELECT suggested, COUNT(*) FROM bandit_shadow`+where+` GROUP BY suggested ORDER BY suggested`,
		args...,
	)
	if err != nil {
		return report, fmt.Errorf("monitor: 查询建议分布失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			action int
			count  int
		)
		if err := rows.Scan(&action, &count); err != nil {
			return report, fmt.Errorf("monitor: 解析建议分布失败: %w", err)
		}
		report.SuggestedCounts[execution.Action(action).String()] = count
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("monitor: 读取建议分布失败: %w", err)
	}

	return report, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
