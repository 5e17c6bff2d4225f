package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exec-bandit/internal/bandit"
	"exec-bandit/internal/config"
	"exec-bandit/internal/engine"
	"exec-bandit/internal/exchange"
	"exec-bandit/internal/execution"
	"exec-bandit/internal/log"
	"exec-bandit/internal/metrics"
	"exec-bandit/internal/monitor"
	"exec-bandit/internal/position"
	"exec-bandit/internal/risk"
	"exec-bandit/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.Store
	metrics *metrics.Metrics
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		metrics: metrics.New(),
	}
}

// Run 为每个交易对启动独立管线，全部管线结束或收到退出信号时返回。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("执行决策系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("mode", a.cfg.App.Mode),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Strings("markets", a.cfg.Exchange.Markets),
	)

	if a.cfg.Scheduler.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Scheduler.MaxDuration)
		defer cancel()
	}

	monitorSvc, err := monitor.NewService(ctx, a.store, a.logger.Named("monitor"))
	if err != nil {
		return fmt.Errorf("初始化监控服务失败: %w", err)
	}
	journal, err := risk.NewJournal(a.store.DB(), a.logger.Named("risk"))
	if err != nil {
		return fmt.Errorf("初始化风控日志失败: %w", err)
	}

	pipelines := make([]*pipeline, 0, len(a.cfg.Exchange.Markets))
	for i, symbol := range a.cfg.Exchange.Markets {
		p, err := a.buildPipeline(i, symbol, monitorSvc, journal)
		if err != nil {
			return err
		}
		pipelines = append(pipelines, p)
	}

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, monitorServerDeps{
			monitor: monitorSvc,
			metrics: a.metrics,
			status:  statusFunc(pipelines),
		}, a.cfg.Monitor.Port, a.logger.Named("http")); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pipelines {
		g.Go(func() error {
			return p.run(gctx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logReports(context.WithoutCancel(ctx), monitorSvc)
	a.logger.Info("系统已停止")
	return nil
}

func (a *App) buildPipeline(index int, symbol string, monitorSvc *monitor.Service, journal *risk.Journal) (*pipeline, error) {
	logger := log.ForSymbol(a.logger, symbol)

	client, err := exchange.NewClient(a.cfg.Exchange, symbol, logger.Named("exchange"))
	if err != nil {
		return nil, fmt.Errorf("初始化行情客户端失败 (%s): %w", symbol, err)
	}

	guard := risk.NewGuard(a.cfg.Risk, time.Now, logger.Named("risk"))
	recorder := exchange.Recorders{guard, a.metrics.Recorder(symbol)}
	client.SetRecorder(recorder)

	offset := uint64(index)
	decider, err := engine.New(engine.FromAppConfig(*a.cfg), engine.Sources{
		Bandit:    bandit.NewSource(a.cfg.Bandit.Seed + offset),
		Simulator: bandit.NewSource(a.cfg.Simulator.Seed + offset),
	}, logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("初始化决策引擎失败 (%s): %w", symbol, err)
	}

	deps := pipelineDeps{
		books:   client,
		decider: decider,
		guard:   guard,
		monitor: monitorSvc,
		journal: journal,
		metrics: a.metrics,
	}

	if a.cfg.App.Mode == config.ModeLive {
		raw := client.Raw()
		executor := execution.NewExecutor(raw, client, symbol,
			execution.OptionsFromConfig(a.cfg.Execution, a.cfg.Simulator), logger.Named("executor"))
		executor.SetRecorder(recorder)
		flattener := execution.NewFlattener(raw, symbol, logger.Named("flatten"))
		flattener.SetRecorder(recorder)

		deps.executor = executor
		deps.flatten = flattener
		positions := position.NewManager(raw, symbol, logger.Named("position"))
		positions.SetRecorder(recorder)
		deps.exposure = positions
		logger.Warn("live 模式：将使用真实订单建仓")
	}

	return newPipeline(a.cfg, symbol, deps, logger)
}

func (a *App) logReports(ctx context.Context, svc *monitor.Service) {
	cost, err := svc.CostReport(ctx, "")
	if err != nil {
		a.logger.Warn("生成成本报告失败", zap.Error(err))
		return
	}
	for _, row := range cost.Actions {
		a.logger.Info("执行成本汇总",
			zap.String("action", row.Action),
			zap.Int("count", row.Count),
			zap.Float64("avg_cost_bps", row.AvgCostBps),
		)
	}

	if a.cfg.App.Mode != config.ModeShadow {
		return
	}
	shadow, err := svc.ShadowReport(ctx, "")
	if err != nil {
		a.logger.Warn("生成影子报告失败", zap.Error(err))
		return
	}
	a.logger.Info("影子模式汇总",
		zap.Int("total", shadow.Total),
		zap.Any("suggested", shadow.SuggestedCounts),
		zap.Float64("avg_baseline_cost_bps", shadow.AvgBaselineCostBps),
		zap.Float64("agreement_rate", shadow.AgreementRate),
	)
}

func statusFunc(pipelines []*pipeline) func() map[string]risk.Snapshot {
	return func() map[string]risk.Snapshot {
		out := make(map[string]risk.Snapshot, len(pipelines))
		for _, p := range pipelines {
			out[p.symbol] = p.guard.Snapshot()
		}
		return out
	}
}
