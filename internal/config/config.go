package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "execbandit"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 未显式指定路径且默认文件不存在时，仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case !explicit && (errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)):
		case errors.As(err, &notFound):
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		default:
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.App.Mode = strings.ToLower(strings.TrimSpace(cfg.App.Mode))
	cfg.Intent.Side = strings.ToLower(strings.TrimSpace(cfg.Intent.Side))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.mode", ModePaper)

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.markets", []string{"BTC/USDT:USDT"})
	v.SetDefault("exchange.use_sandbox", true)
	v.SetDefault("exchange.order_book_depth", 5)
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.min_delay", "100ms")
	v.SetDefault("exchange.retry.max_delay", "1s")
	v.SetDefault("exchange.rate_limit.requests_per_second", 8)
	v.SetDefault("exchange.rate_limit.burst", 4)

	v.SetDefault("feature.buffer_capacity", 50)
	v.SetDefault("feature.vol_window", 20)
	v.SetDefault("feature.depth_levels", 5)
	v.SetDefault("feature.imbalance_epsilon", 1e-12)
	v.SetDefault("feature.short_lookback", "1s")
	v.SetDefault("feature.long_lookback", "5s")
	v.SetDefault("feature.scale_divisors", []float64{10, 10, 10, 10})

	v.SetDefault("bandit.dimension", 8)
	v.SetDefault("bandit.actions", []int{0, 1, 2, 3})
	v.SetDefault("bandit.ridge", 1.0)
	v.SetDefault("bandit.noise_scale", 1.0)
	v.SetDefault("bandit.seed", 1)

	v.SetDefault("simulator.inside_fill_prob", 0.5)
	v.SetDefault("simulator.edge_fill_prob", 0.3)
	v.SetDefault("simulator.inside_price_fraction", 0.5)
	v.SetDefault("simulator.edge_price_fraction", 0.0)
	v.SetDefault("simulator.maker_fill_latency", "250ms")
	v.SetDefault("simulator.wait_penalty_bps", 0.1)
	v.SetDefault("simulator.wait_duration", "250ms")
	v.SetDefault("simulator.fee_bps", 0.0)
	v.SetDefault("simulator.seed", 2)

	v.SetDefault("risk.max_notional", 2000.0)
	v.SetDefault("risk.max_runtime", "120m")
	v.SetDefault("risk.stale_lob", "1500ms")
	v.SetDefault("risk.max_error_rate", 0.05)
	v.SetDefault("risk.min_api_calls_for_rate", 20)
	v.SetDefault("risk.pnl_stop_loss", -5.0)
	v.SetDefault("risk.pnl_take_profit", 999999.0)

	v.SetDefault("intent.side", "buy")
	v.SetDefault("intent.notional", 100.0)
	v.SetDefault("intent.deadline", "500ms")

	v.SetDefault("execution.min_notional", 20.0)
	v.SetDefault("execution.poll_interval", "150ms")
	v.SetDefault("execution.max_retry", 3)
	v.SetDefault("execution.baseline_action", 2)
	v.SetDefault("execution.flatten_on_halt", true)

	v.SetDefault("paper.funding_bps_per_day", 10.0)
	v.SetDefault("paper.taker_fee_bps", 4.0)

	v.SetDefault("database.path", "data/exec_bandit.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.loop_interval", "250ms")
	v.SetDefault("scheduler.status_interval", "1s")
	v.SetDefault("scheduler.max_duration", "0s")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8090)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
