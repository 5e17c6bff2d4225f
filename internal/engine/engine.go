package engine

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"exec-bandit/internal/bandit"
	"exec-bandit/internal/config"
	"exec-bandit/internal/exchange"
	"exec-bandit/internal/execution"
	"exec-bandit/internal/feature"
)

// Config 汇总单个交易对决策引擎的参数。
type Config struct {
	Feature   config.FeatureConfig
	Bandit    config.BanditConfig
	Simulator config.SimulatorConfig
}

// DefaultConfig 返回默认参数。
func DefaultConfig() Config {
	return Config{
		Feature:   feature.DefaultConfig(),
		Bandit:    bandit.DefaultConfig(),
		Simulator: execution.DefaultSimulatorConfig(),
	}
}

// FromAppConfig 从全局配置提取引擎参数。
func FromAppConfig(cfg config.Config) Config {
	return Config{
		Feature:   cfg.Feature,
		Bandit:    cfg.Bandit,
		Simulator: cfg.Simulator,
	}
}

// Sources 为 bandit 与模拟器注入的随机源，为空时按配置种子构造。
type Sources struct {
	Bandit    *rand.Rand
	Simulator *rand.Rand
}

// FillFunc 返回动作的成交结果，false 表示本 tick 无结果。
type FillFunc func(action execution.Action, decisionTsMs int64) (execution.Outcome, bool)

// Decision 为一次决策及其结果。
type Decision struct {
	ID          string              `json:"id"`
	Symbol      string              `json:"symbol"`
	Action      execution.Action    `json:"action"`
	TimestampMs int64               `json:"ts_ms"`
	Features    feature.Vector      `json:"features"`
	Outcome     execution.Outcome   `json:"outcome"`
	Side        execution.OrderSide `json:"side"`
}

// ShadowDecision 为影子模式结果：执行基线动作，bandit 仅给出建议。
type ShadowDecision struct {
	Decision
	Suggested execution.Action `json:"suggested"`
}

// Engine 串联特征、bandit 与成交模型，每个交易对一个实例，非并发安全。
type Engine struct {
	cfg        Config
	logger     *zap.Logger
	builder    *feature.Builder
	policy     *bandit.LinTS
	sim        *execution.Simulator
	now        func() time.Time
	lastAction execution.Action
}

// New 创建决策引擎。
func New(cfg Config, src Sources, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bandit.Dimension != feature.Dimension {
		return nil, fmt.Errorf("engine: bandit 维度 %d 与特征维度 %d 不一致", cfg.Bandit.Dimension, feature.Dimension)
	}
	for _, a := range cfg.Bandit.Actions {
		if !execution.Action(a).Valid() {
			return nil, fmt.Errorf("engine: %w: %d", execution.ErrUnknownAction, a)
		}
	}

	policy, err := bandit.New(cfg.Bandit, src.Bandit, logger.Named("bandit"))
	if err != nil {
		return nil, fmt.Errorf("engine: 创建 bandit 失败: %w", err)
	}

	return &Engine{
		cfg:     cfg,
		logger:  logger,
		builder: feature.NewBuilder(cfg.Feature, logger.Named("feature")),
		policy:  policy,
		sim:     execution.NewSimulator(cfg.Simulator, src.Simulator, logger.Named("simulator")),
		now:     time.Now,
	}, nil
}

// Step 以模拟成交执行一个 tick：特征 → 动作 → 结果 → 更新。盘口缺失时返回 false。
func (e *Engine) Step(book exchange.OrderBookSnapshot, intent execution.Intent) (Decision, bool) {
	return e.StepWith(book, intent, e.simulated(book, intent))
}

// StepWith 与 Step 相同，但由 fill 提供成交结果，供真实下单使用。
func (e *Engine) StepWith(book exchange.OrderBookSnapshot, intent execution.Intent, fill FillFunc) (Decision, bool) {
	tsMs, vec, x, ok := e.features(book)
	if !ok {
		e.logger.Debug("盘口缺失，跳过 tick", zap.String("symbol", book.Symbol))
		return Decision{}, false
	}

	action := execution.Action(e.policy.Choose(x))
	outcome, ok := fill(action, tsMs)
	if !ok {
		e.logger.Debug("无成交结果，跳过更新", zap.Stringer("action", action))
		return Decision{}, false
	}

	e.policy.Update(int(action), x, outcome.Reward())
	e.lastAction = action

	d := Decision{
		ID:          uuid.NewString(),
		Symbol:      intent.Symbol,
		Action:      action,
		TimestampMs: tsMs,
		Features:    vec,
		Outcome:     outcome,
		Side:        intent.Side,
	}
	e.logger.Debug("决策完成",
		zap.String("decision_id", d.ID),
		zap.Stringer("action", action),
		zap.Float64("cost_bps", outcome.RealizedCostBps),
	)
	return d, true
}

// Shadow 执行基线动作并以其成本更新基线动作的后验，同时返回 bandit 的建议动作。
func (e *Engine) Shadow(book exchange.OrderBookSnapshot, intent execution.Intent, baseline execution.Action) (ShadowDecision, bool) {
	tsMs, vec, x, ok := e.features(book)
	if !ok {
		return ShadowDecision{}, false
	}

	suggested := execution.Action(e.policy.Choose(x))
	outcome, ok := e.sim.Simulate(baseline, intent, book, tsMs)
	if !ok {
		return ShadowDecision{}, false
	}

	// 用基线动作的收益更新基线臂，而不是建议臂：被观测的是基线的成交。
	e.policy.Update(int(baseline), x, outcome.Reward())
	e.lastAction = baseline

	return ShadowDecision{
		Decision: Decision{
			ID:          uuid.NewString(),
			Symbol:      intent.Symbol,
			Action:      baseline,
			TimestampMs: tsMs,
			Features:    vec,
			Outcome:     outcome,
			Side:        intent.Side,
		},
		Suggested: suggested,
	}, true
}

// Reset 清空特征缓冲与上次动作，保留 bandit 后验。
func (e *Engine) Reset() {
	e.builder.Reset()
	e.lastAction = execution.ActionMakerInside
}

// ResetBandit 将 bandit 恢复到先验。
func (e *Engine) ResetBandit() {
	e.policy.Reset()
}

// LastAction 返回上次执行的动作。
func (e *Engine) LastAction() execution.Action {
	return e.lastAction
}

// BanditState 返回 bandit 后验快照。
func (e *Engine) BanditState() bandit.State {
	return e.policy.State()
}

// PosteriorMean 返回动作的后验均值。
func (e *Engine) PosteriorMean(action execution.Action) []float64 {
	return e.policy.PosteriorMean(int(action))
}

func (e *Engine) features(book exchange.OrderBookSnapshot) (int64, feature.Vector, []float64, bool) {
	tsMs := e.now().UnixMilli()
	if !book.Timestamp.IsZero() {
		tsMs = book.TimestampMs()
	}

	bidPx, askPx, bidSz, askSz := book.Columns()
	vec, ok := e.builder.PushAndCompute(tsMs, bidPx, askPx, bidSz, askSz, int(e.lastAction))
	if !ok {
		return 0, feature.Vector{}, nil, false
	}
	return tsMs, vec, vec.Scaled(e.cfg.Feature.ScaleDivisors), true
}

func (e *Engine) simulated(book exchange.OrderBookSnapshot, intent execution.Intent) FillFunc {
	return func(action execution.Action, decisionTsMs int64) (execution.Outcome, bool) {
		return e.sim.Simulate(action, intent, book, decisionTsMs)
	}
}
