package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"exec-bandit/internal/config"
	"exec-bandit/internal/engine"
	"exec-bandit/internal/exchange"
	"exec-bandit/internal/execution"
	"exec-bandit/internal/metrics"
	"exec-bandit/internal/monitor"
	"exec-bandit/internal/position"
	"exec-bandit/internal/risk"
)

type bookSource interface {
	FetchOrderBook(ctx context.Context, depth int64) (exchange.OrderBookSnapshot, error)
}

type exposureReader interface {
	FetchExposure(ctx context.Context) (position.Exposure, error)
}

const flattenTimeout = 10 * time.Second

// pipeline 为单个交易对的决策管线，拥有独立的引擎、风控与纸面仓位。
type pipeline struct {
	runID    string
	symbol   string
	mode     string
	intent   execution.Intent
	baseline execution.Action
	depth    int64

	fundingBpsPerDay float64
	takerFeeBps      float64
	feeBps           float64
	flattenOnHalt    bool
	loopInterval     time.Duration
	statusInterval   time.Duration

	books    bookSource
	decider  *engine.Engine
	guard    *risk.Guard
	paper    *position.PaperBook
	monitor  *monitor.Service
	journal  *risk.Journal
	metrics  *metrics.Metrics
	executor execution.Trader
	flatten  execution.PositionCloser
	exposure exposureReader
	logger   *zap.Logger
	now      func() time.Time

	opened     bool
	lastTick   time.Time
	lastStatus time.Time
}

// pipelineDeps 为管线的外部依赖，live 模式下 executor、flatten、exposure 必须非空。
type pipelineDeps struct {
	books    bookSource
	decider  *engine.Engine
	guard    *risk.Guard
	monitor  *monitor.Service
	journal  *risk.Journal
	metrics  *metrics.Metrics
	executor execution.Trader
	flatten  execution.PositionCloser
	exposure exposureReader
}

func newPipeline(cfg *config.Config, symbol string, deps pipelineDeps, logger *zap.Logger) (*pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.books == nil || deps.decider == nil || deps.guard == nil {
		return nil, fmt.Errorf("app: %s 管线缺少行情、引擎或风控依赖", symbol)
	}
	if cfg.App.Mode == config.ModeLive && (deps.executor == nil || deps.flatten == nil || deps.exposure == nil) {
		return nil, fmt.Errorf("app: %s live 模式缺少下单依赖", symbol)
	}

	baseline := execution.Action(cfg.Execution.BaselineAction)
	if !baseline.Valid() {
		return nil, fmt.Errorf("app: %w: 基线 %d", execution.ErrUnknownAction, cfg.Execution.BaselineAction)
	}

	return &pipeline{
		runID:  uuid.NewString(),
		symbol: symbol,
		mode:   cfg.App.Mode,
		intent: execution.Intent{
			Symbol:   symbol,
			Side:     execution.OrderSide(cfg.Intent.Side),
			Notional: cfg.Intent.Notional,
			Deadline: cfg.Intent.Deadline,
		},
		baseline:         baseline,
		depth:            int64(cfg.Feature.DepthLevels),
		fundingBpsPerDay: cfg.Paper.FundingBpsPerDay,
		takerFeeBps:      cfg.Paper.TakerFeeBps,
		feeBps:           cfg.Simulator.FeeBps,
		flattenOnHalt:    cfg.Execution.FlattenOnHalt,
		loopInterval:     cfg.Scheduler.LoopInterval,
		statusInterval:   cfg.Scheduler.StatusInterval,
		books:            deps.books,
		decider:          deps.decider,
		guard:            deps.guard,
		paper:            position.NewPaperBook(),
		monitor:          deps.monitor,
		journal:          deps.journal,
		metrics:          deps.metrics,
		executor:         deps.executor,
		flatten:          deps.flatten,
		exposure:         deps.exposure,
		logger:           logger,
		now:              time.Now,
	}, nil
}

// run 按 loop_interval 驱动 tick，熔断或收到退出信号时结束。熔断不视为错误。
func (p *pipeline) run(ctx context.Context) error {
	if p.journal != nil {
		if err := p.journal.Start(ctx, p.runID, p.symbol, p.guard.Snapshot()); err != nil {
			return fmt.Errorf("app: 记录运行状态失败: %w", err)
		}
	}

	p.logger.Info("交易管线已启动",
		zap.String("run_id", p.runID),
		zap.String("mode", p.mode),
		zap.Duration("loop_interval", p.loopInterval),
	)

	ticker := time.NewTicker(p.loopInterval)
	defer ticker.Stop()

	for {
		stop, err := p.tick(ctx)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}

		select {
		case <-ctx.Done():
			p.shutdown(ctx)
			return nil
		case <-ticker.C:
		}
	}
}

// tick 执行一次：拉取盘口 → 熔断检查 → 决策 → 持久化。stop=true 表示已熔断。
func (p *pipeline) tick(ctx context.Context) (bool, error) {
	now := p.now()
	if !p.lastTick.IsZero() {
		p.paper.AccrueFunding(p.fundingBpsPerDay, now.Sub(p.lastTick))
	}
	p.lastTick = now

	book, fetchErr := p.books.FetchOrderBook(ctx, p.depth)
	if fetchErr != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		p.logger.Warn("拉取盘口失败", zap.Error(fetchErr))
		p.recordError(ctx, "拉取盘口失败", fetchErr)
	}

	openNotional := p.openNotional(ctx)
	estPnL := p.paper.RealizedPnL(p.takerFeeBps)
	if p.metrics != nil {
		p.metrics.SetExposure(p.symbol, openNotional, estPnL)
	}

	if halt, reason := p.guard.MustHalt(openNotional, estPnL, now.UnixMilli()); halt {
		p.halt(ctx, reason, openNotional, estPnL)
		return true, nil
	}

	if fetchErr == nil {
		p.decide(ctx, book)
	}

	if p.statusInterval > 0 && now.Sub(p.lastStatus) >= p.statusInterval {
		p.lastStatus = now
		p.syncStatus(ctx)
	}
	return false, nil
}

func (p *pipeline) decide(ctx context.Context, book exchange.OrderBookSnapshot) {
	var (
		decision  engine.Decision
		suggested execution.Action
		ok        bool
	)

	switch {
	case p.mode == config.ModeShadow:
		var sd engine.ShadowDecision
		sd, ok = p.decider.Shadow(book, p.intent, p.baseline)
		decision, suggested = sd.Decision, sd.Suggested
	case p.mode == config.ModeLive && !p.opened:
		decision, ok = p.decider.StepWith(book, p.intent, p.liveFill(ctx))
	default:
		decision, ok = p.decider.Step(book, p.intent)
	}

	if !ok {
		if p.metrics != nil {
			p.metrics.Skip(p.symbol)
		}
		return
	}

	if !p.opened {
		p.paper.OpenDeltaNeutral(p.symbol, p.intent.Notional, p.now())
		p.paper.ChargeExecution(decision.Outcome.RealizedCostBps)
		p.opened = true
		p.logger.Info("已建立 delta 中性仓位",
			zap.String("decision_id", decision.ID),
			zap.Stringer("action", decision.Action),
			zap.Float64("notional", p.intent.Notional),
			zap.Float64("cost_bps", decision.Outcome.RealizedCostBps),
		)
	}

	p.persist(ctx, decision, suggested)
}

// liveFill 通过真实下单获取成交；未成交或出错时本 tick 不更新 bandit。
func (p *pipeline) liveFill(ctx context.Context) engine.FillFunc {
	return func(action execution.Action, _ int64) (execution.Outcome, bool) {
		report, err := p.executor.ExecuteAction(ctx, action, p.intent, false)
		if err != nil {
			p.logger.Warn("真实下单失败", zap.Stringer("action", action), zap.Error(err))
			p.recordError(ctx, "真实下单失败", err)
			return execution.Outcome{}, false
		}
		return report.Outcome(p.intent.Side, p.feeBps)
	}
}

func (p *pipeline) persist(ctx context.Context, d engine.Decision, suggested execution.Action) {
	if p.metrics != nil {
		p.metrics.ObserveDecision(p.symbol, p.mode, d.Action, d.Outcome.RealizedCostBps)
		if p.mode == config.ModeShadow {
			p.metrics.ObserveSuggestion(p.symbol, suggested)
		}
	}
	if p.monitor == nil {
		return
	}

	if err := p.monitor.RecordOutcome(ctx, monitor.OutcomeRecord{
		DecisionID: d.ID,
		TsMs:       d.TimestampMs,
		Symbol:     p.symbol,
		Mode:       p.mode,
		Action:     d.Action,
		Side:       d.Side,
		Features:   d.Features,
		Outcome:    d.Outcome,
	}); err != nil {
		p.logger.Warn("写入执行结果失败", zap.Error(err))
	}

	if p.mode == config.ModeShadow {
		if err := p.monitor.RecordShadow(ctx, monitor.ShadowRecord{
			DecisionID: d.ID,
			TsMs:       d.TimestampMs,
			Symbol:     p.symbol,
			Suggested:  suggested,
			Baseline:   d.Action,
			Outcome:    d.Outcome,
		}); err != nil {
			p.logger.Warn("写入影子记录失败", zap.Error(err))
		}
	}
}

// openNotional live 模式取交易所真实敞口，读取失败时退回纸面仓位。
func (p *pipeline) openNotional(ctx context.Context) float64 {
	if p.mode != config.ModeLive {
		return p.paper.OpenNotional()
	}
	exposure, err := p.exposure.FetchExposure(ctx)
	if err != nil {
		p.logger.Warn("读取持仓失败，使用纸面仓位", zap.Error(err))
		p.recordError(ctx, "读取持仓失败", err)
		return p.paper.OpenNotional()
	}
	return exposure.Notional
}

func (p *pipeline) halt(ctx context.Context, reason risk.Reason, openNotional, estPnL float64) {
	snap := p.guard.Snapshot()
	p.logger.Error("管线熔断，停止决策",
		zap.String("reason", string(reason)),
		zap.Float64("open_notional", openNotional),
		zap.Float64("est_pnl", estPnL),
	)

	if p.metrics != nil {
		p.metrics.Halt(p.symbol, reason)
	}
	if p.monitor != nil {
		p.monitor.RecordHalt(ctx, p.symbol, monitor.RiskHaltPayload{
			Reason:       reason,
			Snapshot:     snap,
			OpenNotional: openNotional,
			EstPnL:       estPnL,
		})
	}
	p.syncStatus(ctx)

	if p.mode == config.ModeLive && p.flattenOnHalt {
		p.flattenPosition(ctx)
	}
	p.paper.Close()
}

func (p *pipeline) shutdown(ctx context.Context) {
	p.logger.Info("交易管线收到退出信号")
	if p.mode == config.ModeLive && p.opened {
		p.flattenPosition(ctx)
	}
	p.paper.Close()
	p.syncStatus(context.WithoutCancel(ctx))
}

// flattenPosition 使用独立超时，保证退出信号后仍能发出平仓单。
func (p *pipeline) flattenPosition(ctx context.Context) {
	flatCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flattenTimeout)
	defer cancel()

	result, err := p.flatten.Flatten(flatCtx)
	if err != nil {
		p.logger.Error("平仓失败", zap.Error(err))
		p.recordError(flatCtx, "平仓失败", err)
		return
	}
	if p.monitor != nil {
		p.monitor.RecordFlatten(flatCtx, p.symbol, result)
	}
}

func (p *pipeline) syncStatus(ctx context.Context) {
	if p.journal != nil {
		if err := p.journal.Sync(ctx, p.runID, p.guard.Snapshot()); err != nil {
			p.logger.Warn("同步风控状态失败", zap.Error(err))
		}
	}
	if p.monitor != nil {
		p.monitor.RecordPosition(ctx, p.symbol, p.paper.Position())
	}
}

func (p *pipeline) recordError(ctx context.Context, msg string, err error) {
	if p.monitor != nil {
		p.monitor.RecordError(ctx, p.symbol, msg, err, map[string]interface{}{"mode": p.mode})
	}
}
