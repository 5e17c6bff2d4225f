package backtest

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"exec-bandit/internal/exchange"
)

// SliceSnapshotProvider 以固定序列提供快照。
type SliceSnapshotProvider struct {
	snapshots []exchange.OrderBookSnapshot
	index     int
}

func NewSliceSnapshotProvider(snaps []exchange.OrderBookSnapshot) *SliceSnapshotProvider {
	return &SliceSnapshotProvider{snapshots: snaps}
}

func (p *SliceSnapshotProvider) Next(ctx context.Context) (exchange.OrderBookSnapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return exchange.OrderBookSnapshot{}, false, err
	}
	if p.index >= len(p.snapshots) {
		return exchange.OrderBookSnapshot{}, false, nil
	}
	snap := p.snapshots[p.index]
	p.index++
	return snap, true, nil
}

// RandomWalkConfig 控制合成盘口。
type RandomWalkConfig struct {
	Symbol    string
	Start     time.Time
	Interval  time.Duration
	Steps     int
	StartMid  float64
	StepBps   float64 // 每步中间价对数收益标准差（基点）
	SpreadBps float64 // 平均价差（基点）
	Depth     int
	GapProb   float64 // 单边盘口出现概率
	Seed      uint64
}

// RandomWalkProvider 按种子生成可复现的随机游走盘口。
type RandomWalkProvider struct {
	cfg  RandomWalkConfig
	rng  *rand.Rand
	mid  float64
	step int
}

// NewRandomWalkProvider 创建合成数据源，零值字段取默认。
func NewRandomWalkProvider(cfg RandomWalkConfig) *RandomWalkProvider {
	if cfg.Symbol == "" {
		cfg.Symbol = "BTC/USDT:USDT"
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.StartMid <= 0 {
		cfg.StartMid = 60000
	}
	if cfg.StepBps <= 0 {
		cfg.StepBps = 1
	}
	if cfg.SpreadBps <= 0 {
		cfg.SpreadBps = 1
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 5
	}
	return &RandomWalkProvider{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5eed)),
		mid: cfg.StartMid,
	}
}

func (p *RandomWalkProvider) Next(ctx context.Context) (exchange.OrderBookSnapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return exchange.OrderBookSnapshot{}, false, err
	}
	if p.step >= p.cfg.Steps {
		return exchange.OrderBookSnapshot{}, false, nil
	}

	ts := p.cfg.Start.Add(time.Duration(p.step) * p.cfg.Interval)
	p.step++

	p.mid *= math.Exp(p.rng.NormFloat64() * p.cfg.StepBps / 1e4)
	spread := p.mid * p.cfg.SpreadBps / 1e4 * (0.5 + p.rng.Float64())
	bestBid := p.mid - spread/2
	bestAsk := p.mid + spread/2
	tick := spread / 2

	bids := make([][2]float64, 0, p.cfg.Depth)
	asks := make([][2]float64, 0, p.cfg.Depth)
	for i := 0; i < p.cfg.Depth; i++ {
		bids = append(bids, [2]float64{bestBid - float64(i)*tick, 0.1 + p.rng.Float64()*2})
		asks = append(asks, [2]float64{bestAsk + float64(i)*tick, 0.1 + p.rng.Float64()*2})
	}
	if p.cfg.GapProb > 0 && p.rng.Float64() < p.cfg.GapProb {
		asks = nil
	}

	return exchange.BookFromLevels(p.cfg.Symbol, ts, bids, asks), true, nil
}
