package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"exec-bandit/internal/app"
	"exec-bandit/internal/backtest"
	"exec-bandit/internal/config"
	"exec-bandit/internal/execution"
	"exec-bandit/internal/log"
	"exec-bandit/internal/store"
)

func main() {
	var (
		configPath  string
		mode        string
		replaySteps int
		replaySeed  uint64
		baseline    string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&mode, "mode", "", "运行模式 paper|shadow|live，覆盖配置文件")
	flag.IntVar(&replaySteps, "replay", 0, "大于0时以合成盘口回放指定步数后退出")
	flag.Uint64Var(&replaySeed, "seed", 1, "回放随机种子")
	flag.StringVar(&baseline, "baseline", "", "影子模式基线动作名称，如 taker_now，覆盖配置文件")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if baseline != "" {
		action, err := execution.ParseAction(strings.TrimSpace(baseline))
		if err != nil {
			fmt.Fprintf(os.Stderr, "解析基线动作失败: %v\n", err)
			os.Exit(1)
		}
		cfg.Execution.BaselineAction = int(action)
	}
	if mode != "" {
		cfg.App.Mode = strings.ToLower(strings.TrimSpace(mode))
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := log.NewLogger(cfg.Logging, cfg.App.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if replaySteps > 0 {
		if err := runReplay(ctx, cfg, replaySteps, replaySeed, logger); err != nil {
			logger.Error("回放失败", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	execApp := app.New(cfg, logger, sqliteStore)
	if err := execApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}

type arm struct {
	Pulls int       `json:"pulls"`
	Mean  []float64 `json:"mean"`
}

func runReplay(ctx context.Context, cfg *config.Config, steps int, seed uint64, logger *zap.Logger) error {
	symbol := cfg.Exchange.Markets[0]
	provider := backtest.NewRandomWalkProvider(backtest.RandomWalkConfig{
		Symbol:   symbol,
		Interval: cfg.Scheduler.LoopInterval,
		Steps:    steps,
		Depth:    cfg.Feature.DepthLevels,
		Seed:     seed,
	})

	engine, err := backtest.NewSeededEngine(backtest.FromAppConfig(*cfg, symbol), provider, seed, logger.Named("replay"))
	if err != nil {
		return err
	}
	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	summary := struct {
		Decisions  int              `json:"decisions"`
		Skipped    int              `json:"skipped"`
		HaltReason string           `json:"halt_reason,omitempty"`
		EstPnL     float64          `json:"est_pnl"`
		Metrics    backtest.Metrics `json:"metrics"`
		PerAction  map[string]any   `json:"per_action"`
		Posterior  map[string]arm   `json:"posterior"`
	}{
		Decisions:  len(result.Decisions),
		Skipped:    result.Skipped,
		HaltReason: string(result.HaltReason),
		EstPnL:     result.EstPnL,
		Metrics:    result.Metrics,
		PerAction:  make(map[string]any, len(result.PerAction)),
		Posterior:  make(map[string]arm),
	}
	for action, stats := range result.PerAction {
		summary.PerAction[action.String()] = stats
	}

	decider := engine.Decider()
	for _, state := range decider.BanditState().Arms {
		action := execution.Action(state.Action)
		summary.Posterior[action.String()] = arm{
			Pulls: state.Pulls,
			Mean:  decider.PosteriorMean(action),
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
