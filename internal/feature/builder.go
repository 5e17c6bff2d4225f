package feature

import (
	"math"
	"time"

	"go.uber.org/zap"

	"exec-bandit/internal/config"
	"exec-bandit/internal/indicator"
)

// Dimension 为特征向量维度，需与 bandit.dimension 一致。
const Dimension = 8

const secondsPerDay = 86400

// Vector 为单个 tick 的盘口微结构特征。
type Vector struct {
	SpreadBps  float64 `json:"spread_bp"`
	Ret1sBps   float64 `json:"mid_return_1s"`
	Ret5sBps   float64 `json:"mid_return_5s"`
	VolBps     float64 `json:"vol_proxy_5s"`
	Imbalance  float64 `json:"depth_imb_top5"`
	LastAction int     `json:"last_action"`
	TodSin     float64 `json:"time_of_day_sin"`
	TodCos     float64 `json:"time_of_day_cos"`
}

// Values 按固定顺序展开为 bandit 输入。
func (v Vector) Values() []float64 {
	return []float64{
		v.SpreadBps,
		v.Ret1sBps,
		v.Ret5sBps,
		v.VolBps,
		v.Imbalance,
		float64(v.LastAction),
		v.TodSin,
		v.TodCos,
	}
}

type sample struct {
	tsMs int64
	mid  float64
}

// Builder 维护最近的中间价环形缓冲并计算特征，非并发安全。
type Builder struct {
	cfg    config.FeatureConfig
	logger *zap.Logger

	buf   []sample
	start int
	size  int
}

// DefaultConfig 返回默认特征参数。
func DefaultConfig() config.FeatureConfig {
	return config.FeatureConfig{
		BufferCapacity:   50,
		VolWindow:        20,
		DepthLevels:      5,
		ImbalanceEpsilon: 1e-12,
		ShortLookback:    time.Second,
		LongLookback:     5 * time.Second,
		ScaleDivisors:    []float64{10, 10, 10, 10},
	}
}

// NewBuilder 创建特征构建器。
func NewBuilder(cfg config.FeatureConfig, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferCapacity < 2 {
		cfg.BufferCapacity = 2
	}
	if cfg.VolWindow < 2 {
		cfg.VolWindow = 2
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 5
	}
	return &Builder{
		cfg:    cfg,
		logger: logger,
		buf:    make([]sample, cfg.BufferCapacity),
	}
}

// Len 返回缓冲中的样本数。
func (b *Builder) Len() int {
	return b.size
}

// Reset 清空缓冲，切换交易对时使用。
func (b *Builder) Reset() {
	b.start = 0
	b.size = 0
}

// PushAndCompute 写入最新盘口并计算特征；任一侧为空时返回 false，调用方跳过该 tick。
func (b *Builder) PushAndCompute(tsMs int64, bidPx, askPx, bidSz, askSz []float64, lastAction int) (Vector, bool) {
	if len(bidPx) == 0 || len(askPx) == 0 {
		return Vector{}, false
	}

	bid, ask := bidPx[0], askPx[0]
	mid := (bid + ask) / 2
	b.push(sample{tsMs: tsMs, mid: mid})

	var spreadBps float64
	if mid > 0 {
		spreadBps = indicator.Bps(math.Max(ask-bid, 0), mid)
	}

	sumBid := indicator.SumHead(bidSz, b.cfg.DepthLevels)
	sumAsk := indicator.SumHead(askSz, b.cfg.DepthLevels)
	imbalance := (sumBid - sumAsk) / (sumBid + sumAsk + b.cfg.ImbalanceEpsilon)

	tsin, tcos := timeOfDay(tsMs)

	vec := Vector{
		SpreadBps:  spreadBps,
		Ret1sBps:   b.returnBps(tsMs, mid, b.cfg.ShortLookback),
		Ret5sBps:   b.returnBps(tsMs, mid, b.cfg.LongLookback),
		VolBps:     b.volBps(mid),
		Imbalance:  imbalance,
		LastAction: lastAction,
		TodSin:     tsin,
		TodCos:     tcos,
	}

	b.logger.Debug("特征计算完成",
		zap.Int64("ts_ms", tsMs),
		zap.Float64("mid", mid),
		zap.Float64("spread_bp", vec.SpreadBps),
		zap.Float64("vol_bp", vec.VolBps),
		zap.Float64("imbalance", vec.Imbalance),
	)

	return vec, true
}

func (b *Builder) push(s sample) {
	capacity := len(b.buf)
	if b.size < capacity {
		b.buf[(b.start+b.size)%capacity] = s
		b.size++
		return
	}
	b.buf[b.start] = s
	b.start = (b.start + 1) % capacity
}

// at 按时间顺序取第 i 个样本，0 为最旧。
func (b *Builder) at(i int) sample {
	return b.buf[(b.start+i)%len(b.buf)]
}

// midAt 返回时间戳不晚于 tsMs-lookback 的最新中间价，找不到时退回最旧样本。
func (b *Builder) midAt(tsMs int64, lookback time.Duration) (float64, bool) {
	if b.size < 2 {
		return 0, false
	}
	target := tsMs - lookback.Milliseconds()
	for i := b.size - 1; i >= 0; i-- {
		if s := b.at(i); s.tsMs <= target {
			return s.mid, true
		}
	}
	return b.at(0).mid, true
}

func (b *Builder) returnBps(tsMs int64, mid float64, lookback time.Duration) float64 {
	then, ok := b.midAt(tsMs, lookback)
	if !ok || then == 0 {
		return 0
	}
	return indicator.Bps(mid-then, then)
}

func (b *Builder) volBps(mid float64) float64 {
	if mid <= 0 {
		return 0
	}
	return indicator.RelativeVolBps(b.mids(), b.cfg.VolWindow, mid)
}

func (b *Builder) mids() []float64 {
	out := make([]float64, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.at(i).mid
	}
	return out
}

func timeOfDay(tsMs int64) (float64, float64) {
	sec := (tsMs / 1000) % secondsPerDay
	if sec < 0 {
		sec += secondsPerDay
	}
	angle := 2 * math.Pi * float64(sec) / secondsPerDay
	return math.Sin(angle), math.Cos(angle)
}

// Scaled 返回按除数缩放后的 bandit 输入，除数不大于0的分量保持原值。
func (v Vector) Scaled(divisors []float64) []float64 {
	values := v.Values()
	for i, d := range divisors {
		if i >= len(values) {
			break
		}
		if d > 0 {
			values[i] /= d
		}
	}
	return values
}
