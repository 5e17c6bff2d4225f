package risk

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"exec-bandit/internal/config"
)

// Clock 返回当前时间，回放时可注入模拟时钟。
type Clock func() time.Time

// Guard 按固定优先级评估熔断条件。计数器单调递增，熔断后保持 HALTED。
type Guard struct {
	mu     sync.Mutex
	cfg    config.RiskConfig
	clock  Clock
	logger *zap.Logger

	startedAt   time.Time
	apiCalls    int64
	apiErrors   int64
	lastLOBTsMs int64

	state    State
	reason   Reason
	haltedAt time.Time
}

// DefaultConfig 返回默认风控阈值。
func DefaultConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxNotional:        2000,
		MaxRuntime:         120 * time.Minute,
		StaleLOB:           1500 * time.Millisecond,
		MaxErrorRate:       0.05,
		MinAPICallsForRate: 20,
		PnLStopLoss:        -5,
		PnLTakeProfit:      999999,
	}
}

// NewGuard 创建风控守卫，启动时间取自 clock。
func NewGuard(cfg config.RiskConfig, clock Clock, logger *zap.Logger) *Guard {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		startedAt: clock(),
		state:     StateRunning,
	}
}

// RecordAPI 记录一次交易所调用；tsMs>0 时同时更新最近盘口时间。
func (g *Guard) RecordAPI(ok bool, tsMs int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.apiCalls++
	if !ok {
		g.apiErrors++
	}
	if tsMs > 0 {
		g.lastLOBTsMs = tsMs
	}
}

// MustHalt 评估是否必须熔断，返回首个命中的原因。已熔断时直接返回原有原因。
func (g *Guard) MustHalt(openNotional, estPnL float64, nowMs int64) (bool, Reason) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateHalted {
		return true, g.reason
	}

	reason := g.evaluate(openNotional, estPnL, nowMs)
	if reason == ReasonNone {
		return false, ReasonNone
	}

	g.state = StateHalted
	g.reason = reason
	g.haltedAt = g.clock()

	g.logger.Error("触发风控熔断",
		zap.String("reason", string(reason)),
		zap.Float64("open_notional", openNotional),
		zap.Float64("est_pnl", estPnL),
		zap.Int64("api_calls", g.apiCalls),
		zap.Int64("api_errors", g.apiErrors),
		zap.Int64("last_lob_ts_ms", g.lastLOBTsMs),
	)
	return true, reason
}

func (g *Guard) evaluate(openNotional, estPnL float64, nowMs int64) Reason {
	if g.clock().Sub(g.startedAt) > g.cfg.MaxRuntime {
		return ReasonRuntimeLimit
	}
	if openNotional > g.cfg.MaxNotional {
		return ReasonNotionalLimit
	}
	if g.lastLOBTsMs != 0 && nowMs-g.lastLOBTsMs > g.cfg.StaleLOB.Milliseconds() {
		return ReasonStaleLOB
	}
	if g.apiCalls >= int64(g.cfg.MinAPICallsForRate) && g.errorRate() > g.cfg.MaxErrorRate {
		return ReasonAPIErrorRate
	}
	if estPnL <= g.cfg.PnLStopLoss {
		return ReasonPnLStopLoss
	}
	if estPnL >= g.cfg.PnLTakeProfit {
		return ReasonPnLTakeProfit
	}
	return ReasonNone
}

func (g *Guard) errorRate() float64 {
	return float64(g.apiErrors) / float64(max(1, g.apiCalls))
}

// Halted 判断是否已熔断。
func (g *Guard) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == StateHalted
}

// Snapshot 返回当前计数器快照。
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		State:       g.state,
		Reason:      g.reason,
		APICalls:    g.apiCalls,
		APIErrors:   g.apiErrors,
		ErrorRate:   g.errorRate(),
		LastLOBTsMs: g.lastLOBTsMs,
		StartedAt:   g.startedAt,
		HaltedAt:    g.haltedAt,
	}
}
