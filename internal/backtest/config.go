package backtest

import (
	"time"

	"exec-bandit/internal/config"
	"exec-bandit/internal/engine"
	"exec-bandit/internal/execution"
	"exec-bandit/internal/risk"
)

// Config 定义回放参数。
type Config struct {
	Intent           execution.Intent  // 每个 tick 的执行意图
	Shadow           bool              // true 时执行基线动作，bandit 仅给出建议
	Baseline         execution.Action  // 影子模式基线动作
	Engine           engine.Config     // 特征、bandit 与模拟器参数
	Risk             config.RiskConfig // 熔断阈值
	FundingBpsPerDay float64           // 纸面仓位日资金费
	TakerFeeBps      float64           // 估算盈亏使用的手续费
}

// FromAppConfig 由全局配置生成回放参数。
func FromAppConfig(cfg config.Config, symbol string) Config {
	return Config{
		Intent: execution.Intent{
			Symbol:   symbol,
			Side:     execution.OrderSide(cfg.Intent.Side),
			Notional: cfg.Intent.Notional,
			Deadline: cfg.Intent.Deadline,
		},
		Shadow:           cfg.App.Mode == config.ModeShadow,
		Baseline:         execution.Action(cfg.Execution.BaselineAction),
		Engine:           engine.FromAppConfig(cfg),
		Risk:             cfg.Risk,
		FundingBpsPerDay: cfg.Paper.FundingBpsPerDay,
		TakerFeeBps:      cfg.Paper.TakerFeeBps,
	}
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.Intent.Side == "" {
		cfg.Intent.Side = execution.OrderSideBuy
	}
	if cfg.Intent.Notional <= 0 {
		cfg.Intent.Notional = 100
	}
	if cfg.Intent.Deadline <= 0 {
		cfg.Intent.Deadline = 500 * time.Millisecond
	}
	if cfg.Engine.Bandit.Dimension == 0 {
		cfg.Engine = engine.DefaultConfig()
	}
	if cfg.Risk.MaxRuntime <= 0 {
		cfg.Risk = risk.DefaultConfig()
	}
	return cfg
}
