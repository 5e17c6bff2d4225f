package backtest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"exec-bandit/internal/engine"
	"exec-bandit/internal/exchange"
	"exec-bandit/internal/execution"
	"exec-bandit/internal/position"
	"exec-bandit/internal/risk"
)

// ActionStats 为单个动作的回放统计。
type ActionStats struct {
	Count      int     `json:"count"`
	MeanCost   float64 `json:"mean_cost_bps"`
	TotalCost  float64 `json:"total_cost_bps"`
	Suggested  int     `json:"suggested"`
	PartialCnt int     `json:"partial"`
}

// Result 汇总回放结果。
type Result struct {
	Decisions  []engine.Decision                 `json:"decisions"`
	Suggested  []execution.Action                `json:"suggested,omitempty"`
	Skipped    int                               `json:"skipped"`
	PerAction  map[execution.Action]*ActionStats `json:"per_action"`
	Metrics    Metrics                           `json:"metrics"`
	HaltReason risk.Reason                       `json:"halt_reason,omitempty"`
	EstPnL     float64                           `json:"est_pnl"`
}

// Engine 以回放时间驱动决策引擎、纸面仓位与风控。
type Engine struct {
	cfg      Config
	provider SnapshotProvider
	decider  *engine.Engine
	book     *position.PaperBook
	logger   *zap.Logger

	now time.Time
}

// NewEngine 构建回放引擎；src 为空时使用配置种子。
func NewEngine(cfg Config, provider SnapshotProvider, src engine.Sources, logger *zap.Logger) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("backtest: provider 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.normalize()
	if cfg.Shadow && !cfg.Baseline.Valid() {
		return nil, fmt.Errorf("backtest: %w: 基线 %d", execution.ErrUnknownAction, int(cfg.Baseline))
	}

	decider, err := engine.New(cfg.Engine, src, logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("backtest: 创建决策引擎失败: %w", err)
	}

	return &Engine{
		cfg:      cfg,
		provider: provider,
		decider:  decider,
		book:     position.NewPaperBook(),
		logger:   logger,
	}, nil
}

// NewSeededEngine 以显式种子构建回放引擎，相同种子与数据得到相同结果。
func NewSeededEngine(cfg Config, provider SnapshotProvider, seed uint64, logger *zap.Logger) (*Engine, error) {
	return NewEngine(cfg, provider, engine.Sources{
		Bandit:    rand.New(rand.NewPCG(seed, seed^0xba4d17)),
		Simulator: rand.New(rand.NewPCG(seed+1, (seed+1)^0x51a0)),
	}, logger)
}

// Run 执行完整回放流程，熔断或数据耗尽时结束。
func (e *Engine) Run(ctx context.Context) (Result, error) {
	result := Result{PerAction: make(map[execution.Action]*ActionStats)}
	costs := make([]float64, 0, 256)

	var (
		guard  *risk.Guard
		lastTs time.Time
	)
	clock := func() time.Time { return e.now }

	for {
		snapshot, ok, err := e.provider.Next(ctx)
		if err != nil {
			return result, err
		}
		if !ok {
			break
		}

		e.now = snapshot.Timestamp
		if guard == nil {
			guard = risk.NewGuard(e.cfg.Risk, clock, e.logger.Named("risk"))
		}
		if !lastTs.IsZero() {
			e.book.AccrueFunding(e.cfg.FundingBpsPerDay, snapshot.Timestamp.Sub(lastTs))
		}
		lastTs = snapshot.Timestamp

		guard.RecordAPI(true, snapshot.TimestampMs())
		estPnL := e.book.RealizedPnL(e.cfg.TakerFeeBps)
		if halt, reason := guard.MustHalt(e.book.OpenNotional(), estPnL, snapshot.TimestampMs()); halt {
			result.HaltReason = reason
			break
		}

		decision, suggested, ok := e.step(snapshot)
		if !ok {
			result.Skipped++
			continue
		}

		if !e.book.Position().IsOpen {
			e.book.OpenDeltaNeutral(decision.Symbol, e.cfg.Intent.Notional, snapshot.Timestamp)
			e.book.ChargeExecution(decision.Outcome.RealizedCostBps)
		}

		result.Decisions = append(result.Decisions, decision)
		cost := decision.Outcome.RealizedCostBps
		costs = append(costs, cost)

		stats := e.stats(result.PerAction, decision.Action)
		stats.Count++
		stats.TotalCost += cost
		if decision.Outcome.PartialFill {
			stats.PartialCnt++
		}
		if e.cfg.Shadow {
			result.Suggested = append(result.Suggested, suggested)
			e.stats(result.PerAction, suggested).Suggested++
		}
	}

	for _, stats := range result.PerAction {
		if stats.Count > 0 {
			stats.MeanCost = stats.TotalCost / float64(stats.Count)
		}
	}
	result.Metrics = calculateMetrics(costs)
	result.EstPnL = e.book.RealizedPnL(e.cfg.TakerFeeBps)

	e.logger.Info("回放完成",
		zap.Int("decisions", len(result.Decisions)),
		zap.Int("skipped", result.Skipped),
		zap.Float64("mean_cost_bps", result.Metrics.MeanCost),
		zap.String("halt_reason", string(result.HaltReason)),
	)
	return result, nil
}

// Decider 返回内部决策引擎，供回放后读取 bandit 后验。
func (e *Engine) Decider() *engine.Engine {
	return e.decider
}

func (e *Engine) step(snapshot exchange.OrderBookSnapshot) (engine.Decision, execution.Action, bool) {
	intent := e.cfg.Intent
	if intent.Symbol == "" {
		intent.Symbol = snapshot.Symbol
	}
	if e.cfg.Shadow {
		sd, ok := e.decider.Shadow(snapshot, intent, e.cfg.Baseline)
		return sd.Decision, sd.Suggested, ok
	}
	d, ok := e.decider.Step(snapshot, intent)
	return d, d.Action, ok
}

func (e *Engine) stats(m map[execution.Action]*ActionStats, action execution.Action) *ActionStats {
	s, ok := m[action]
	if !ok {
		s = &ActionStats{}
		m[action] = s
	}
	return s
}
