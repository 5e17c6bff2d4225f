package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// 运行模式。
const (
	ModePaper  = "paper"
	ModeShadow = "shadow"
	ModeLive   = "live"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Feature   FeatureConfig   `mapstructure:"feature"`
	Bandit    BanditConfig    `mapstructure:"bandit"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Intent    IntentConfig    `mapstructure:"intent"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Paper     PaperConfig     `mapstructure:"paper"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	Mode        string `mapstructure:"mode"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name           string          `mapstructure:"name"`
	Markets        []string        `mapstructure:"markets"`
	APIKey         string          `mapstructure:"api_key"`
	APISecret      string          `mapstructure:"api_secret"`
	APIPass        string          `mapstructure:"api_password"`
	UseSandbox     bool            `mapstructure:"use_sandbox"`
	OrderBookDepth int             `mapstructure:"order_book_depth"`
	Retry          RetryConfig     `mapstructure:"retry"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// RateLimitConfig 控制客户端侧的请求节奏。
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// FeatureConfig 控制盘口特征构建。
type FeatureConfig struct {
	BufferCapacity   int           `mapstructure:"buffer_capacity"`
	VolWindow        int           `mapstructure:"vol_window"`
	DepthLevels      int           `mapstructure:"depth_levels"`
	ImbalanceEpsilon float64       `mapstructure:"imbalance_epsilon"`
	ShortLookback    time.Duration `mapstructure:"short_lookback"`
	LongLookback     time.Duration `mapstructure:"long_lookback"`
	ScaleDivisors    []float64     `mapstructure:"scale_divisors"`
}

// BanditConfig 控制 LinTS 参数。
type BanditConfig struct {
	Dimension  int     `mapstructure:"dimension"`
	Actions    []int   `mapstructure:"actions"`
	Ridge      float64 `mapstructure:"ridge"`
	NoiseScale float64 `mapstructure:"noise_scale"`
	Seed       uint64  `mapstructure:"seed"`
}

// SimulatorConfig 控制成交模拟器。
type SimulatorConfig struct {
	InsideFillProb      float64       `mapstructure:"inside_fill_prob"`
	EdgeFillProb        float64       `mapstructure:"edge_fill_prob"`
	InsidePriceFraction float64       `mapstructure:"inside_price_fraction"`
	EdgePriceFraction   float64       `mapstructure:"edge_price_fraction"`
	MakerFillLatency    time.Duration `mapstructure:"maker_fill_latency"`
	WaitPenaltyBps      float64       `mapstructure:"wait_penalty_bps"`
	WaitDuration        time.Duration `mapstructure:"wait_duration"`
	FeeBps              float64       `mapstructure:"fee_bps"`
	Seed                uint64        `mapstructure:"seed"`
}

// RiskConfig 管理熔断阈值。
type RiskConfig struct {
	MaxNotional        float64       `mapstructure:"max_notional"`
	MaxRuntime         time.Duration `mapstructure:"max_runtime"`
	StaleLOB           time.Duration `mapstructure:"stale_lob"`
	MaxErrorRate       float64       `mapstructure:"max_error_rate"`
	MinAPICallsForRate int           `mapstructure:"min_api_calls_for_rate"`
	PnLStopLoss        float64       `mapstructure:"pnl_stop_loss"`
	PnLTakeProfit      float64       `mapstructure:"pnl_take_profit"`
}

// IntentConfig 描述每个 tick 的执行意图。
type IntentConfig struct {
	Side     string        `mapstructure:"side"`
	Notional float64       `mapstructure:"notional"`
	Deadline time.Duration `mapstructure:"deadline"`
}

// ExecutionConfig 控制真实下单行为。
type ExecutionConfig struct {
	MinNotional    float64       `mapstructure:"min_notional"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxRetry       int           `mapstructure:"max_retry"`
	BaselineAction int           `mapstructure:"baseline_action"`
	FlattenOnHalt  bool          `mapstructure:"flatten_on_halt"`
}

// PaperConfig 控制纸面仓位的盈亏估算。
type PaperConfig struct {
	FundingBpsPerDay float64 `mapstructure:"funding_bps_per_day"`
	TakerFeeBps      float64 `mapstructure:"taker_fee_bps"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval   time.Duration `mapstructure:"loop_interval"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
	MaxDuration    time.Duration `mapstructure:"max_duration"`
}

// MonitorConfig 控制监控 HTTP 接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	switch c.App.Mode {
	case ModePaper, ModeShadow, ModeLive:
	default:
		err = multierr.Append(err, fmt.Errorf("app.mode 不支持: %q", c.App.Mode))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if len(c.Exchange.Markets) == 0 {
		err = multierr.Append(err, errors.New("exchange.markets 至少包含一个交易对"))
	}
	if c.Exchange.OrderBookDepth <= 0 {
		err = multierr.Append(err, errors.New("exchange.order_book_depth 必须大于0"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Exchange.RateLimit.RequestsPerSecond < 0 || c.Exchange.RateLimit.Burst < 0 {
		err = multierr.Append(err, errors.New("exchange.rate_limit 不能为负"))
	}
	if c.App.Mode == ModeLive && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		err = multierr.Append(err, errors.New("live 模式需要配置 exchange.api_key 与 api_secret"))
	}

	if c.Feature.BufferCapacity < 2 {
		err = multierr.Append(err, errors.New("feature.buffer_capacity 至少为2"))
	}
	if c.Feature.VolWindow < 2 {
		err = multierr.Append(err, errors.New("feature.vol_window 至少为2"))
	}
	if c.Feature.DepthLevels <= 0 {
		err = multierr.Append(err, errors.New("feature.depth_levels 必须大于0"))
	}
	if c.Feature.ImbalanceEpsilon <= 0 {
		err = multierr.Append(err, errors.New("feature.imbalance_epsilon 必须大于0"))
	}
	if c.Feature.ShortLookback <= 0 || c.Feature.LongLookback <= 0 {
		err = multierr.Append(err, errors.New("feature.lookback 必须为正"))
	}
	if len(c.Feature.ScaleDivisors) > c.Bandit.Dimension {
		err = multierr.Append(err, errors.New("feature.scale_divisors 长度不能超过 bandit.dimension"))
	}

	if c.Bandit.Dimension != 8 {
		err = multierr.Append(err, fmt.Errorf("bandit.dimension 必须与特征维度一致(8)，当前 %d", c.Bandit.Dimension))
	}
	if len(c.Bandit.Actions) == 0 {
		err = multierr.Append(err, errors.New("bandit.actions 不能为空"))
	}
	for _, a := range c.Bandit.Actions {
		if a < 0 || a > 3 {
			err = multierr.Append(err, fmt.Errorf("bandit.actions 包含未知动作 %d", a))
		}
	}
	if c.Bandit.Ridge <= 0 {
		err = multierr.Append(err, errors.New("bandit.ridge 必须大于0"))
	}
	if c.Bandit.NoiseScale <= 0 {
		err = multierr.Append(err, errors.New("bandit.noise_scale 必须大于0"))
	}

	if !inUnit(c.Simulator.InsideFillProb) || !inUnit(c.Simulator.EdgeFillProb) {
		err = multierr.Append(err, errors.New("simulator.*_fill_prob 必须位于[0,1]"))
	}
	if !inUnit(c.Simulator.InsidePriceFraction) || !inUnit(c.Simulator.EdgePriceFraction) {
		err = multierr.Append(err, errors.New("simulator.*_price_fraction 必须位于[0,1]"))
	}
	if c.Simulator.MakerFillLatency < 0 || c.Simulator.WaitDuration < 0 {
		err = multierr.Append(err, errors.New("simulator 时长不能为负"))
	}
	if c.Simulator.WaitPenaltyBps < 0 {
		err = multierr.Append(err, errors.New("simulator.wait_penalty_bps 不能为负"))
	}

	if c.Risk.MaxNotional <= 0 {
		err = multierr.Append(err, errors.New("risk.max_notional 必须大于0"))
	}
	if c.Risk.MaxRuntime <= 0 {
		err = multierr.Append(err, errors.New("risk.max_runtime 必须大于0"))
	}
	if c.Risk.StaleLOB <= 0 {
		err = multierr.Append(err, errors.New("risk.stale_lob 必须大于0"))
	}
	if c.Risk.MaxErrorRate < 0 || c.Risk.MaxErrorRate > 1 {
		err = multierr.Append(err, errors.New("risk.max_error_rate 必须位于[0,1]"))
	}
	if c.Risk.MinAPICallsForRate <= 0 {
		err = multierr.Append(err, errors.New("risk.min_api_calls_for_rate 必须大于0"))
	}
	if c.Risk.PnLStopLoss >= c.Risk.PnLTakeProfit {
		err = multierr.Append(err, errors.New("risk.pnl_stop_loss 必须小于 pnl_take_profit"))
	}

	side := strings.ToLower(c.Intent.Side)
	if side != "buy" && side != "sell" {
		err = multierr.Append(err, fmt.Errorf("intent.side 必须为 buy 或 sell，当前 %q", c.Intent.Side))
	}
	if c.Intent.Notional <= 0 {
		err = multierr.Append(err, errors.New("intent.notional 必须大于0"))
	}
	if c.Intent.Deadline <= 0 {
		err = multierr.Append(err, errors.New("intent.deadline 必须大于0"))
	}

	if c.Execution.MinNotional < 0 {
		err = multierr.Append(err, errors.New("execution.min_notional 不能为负"))
	}
	if c.Execution.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("execution.poll_interval 必须大于0"))
	}
	if c.Execution.MaxRetry <= 0 {
		err = multierr.Append(err, errors.New("execution.max_retry 必须大于0"))
	}
	if c.Execution.BaselineAction < 0 || c.Execution.BaselineAction > 3 {
		err = multierr.Append(err, errors.New("execution.baseline_action 必须位于[0,3]"))
	}

	if c.Paper.TakerFeeBps < 0 {
		err = multierr.Append(err, errors.New("paper.taker_fee_bps 不能为负"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if c.Scheduler.StatusInterval < c.Scheduler.LoopInterval {
		err = multierr.Append(err, errors.New("scheduler.status_interval 不应小于 loop_interval"))
	}
	if c.Scheduler.MaxDuration < 0 {
		err = multierr.Append(err, errors.New("scheduler.max_duration 不能为负"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 无效"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
