package execution

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"exec-bandit/internal/config"
	"exec-bandit/internal/exchange"
)

// Simulator 以概率成交模型估计各动作的执行成本。非并发安全。
type Simulator struct {
	cfg    config.SimulatorConfig
	rng    *rand.Rand
	logger *zap.Logger
}

// DefaultSimulatorConfig 返回纸面模式默认参数。
func DefaultSimulatorConfig() config.SimulatorConfig {
	return config.SimulatorConfig{
		InsideFillProb:      0.5,
		EdgeFillProb:        0.3,
		InsidePriceFraction: 0.5,
		EdgePriceFraction:   0,
		MakerFillLatency:    250 * time.Millisecond,
		WaitPenaltyBps:      0.1,
		WaitDuration:        250 * time.Millisecond,
		FeeBps:              0,
		Seed:                2,
	}
}

// NewSimulator 创建模拟器；rng 为空时按 cfg.Seed 构造。
func NewSimulator(cfg config.SimulatorConfig, rng *rand.Rand, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d))
	}
	return &Simulator{cfg: cfg, rng: rng, logger: logger}
}

// Simulate 在给定盘口下模拟动作的成交；盘口缺失一侧或动作未知时返回 false。
func (s *Simulator) Simulate(action Action, intent Intent, book exchange.OrderBookSnapshot, decisionTsMs int64) (Outcome, bool) {
	bid, ask, mid, ok := book.Touch()
	if !ok || !action.Valid() {
		return Outcome{}, false
	}
	if intent.Side != OrderSideBuy && intent.Side != OrderSideSell {
		return Outcome{}, false
	}

	fee := s.cfg.FeeBps
	if action == ActionWait {
		return Outcome{
			FillPx:          mid,
			BenchMidPx:      mid,
			FeeBps:          fee,
			TimeToFillMs:    s.cfg.WaitDuration.Milliseconds(),
			RealizedCostBps: s.cfg.WaitPenaltyBps,
		}, true
	}

	touch := ask
	if intent.Side == OrderSideSell {
		touch = bid
	}

	fillPx := touch
	var ttf int64
	if action.Maker() {
		prob, frac := s.cfg.InsideFillProb, s.cfg.InsidePriceFraction
		if action == ActionPostOnlyEdge {
			prob, frac = s.cfg.EdgeFillProb, s.cfg.EdgePriceFraction
		}

		deadline := intent.DeadlineMs()
		if s.rng.Float64() < prob {
			spread := ask - bid
			if intent.Side == OrderSideSell {
				fillPx = bid + spread*frac
			} else {
				fillPx = ask - spread*frac
			}
			ttf = min(deadline, s.cfg.MakerFillLatency.Milliseconds())
		} else {
			ttf = deadline
		}
	}

	out := Outcome{
		FillPx:          fillPx,
		BenchMidPx:      mid,
		FeeBps:          fee,
		TimeToFillMs:    ttf,
		RealizedCostBps: CostBps(intent.Side, fillPx, mid, fee),
	}

	s.logger.Debug("模拟成交",
		zap.Stringer("action", action),
		zap.String("side", string(intent.Side)),
		zap.Int64("decision_ts_ms", decisionTsMs),
		zap.Float64("fill_px", out.FillPx),
		zap.Float64("cost_bps", out.RealizedCostBps),
	)
	return out, true
}
