package position

import (
	"sync"
	"time"
)

// Position 为纸面 delta 中性仓位。
type Position struct {
	Symbol            string    `json:"symbol"`
	Notional          float64   `json:"notional"`
	OpenedAt          time.Time `json:"opened_at"`
	AccruedFundingBps float64   `json:"accrued_funding_bps"`
	ExecutionCostBps  float64   `json:"execution_cost_bps"`
	IsOpen            bool      `json:"is_open"`
}

// PaperBook 维护纸面仓位的资金费累计与执行成本，为风控提供名义金额与估算盈亏。
type PaperBook struct {
	mu  sync.Mutex
	pos Position
}

// NewPaperBook 创建空账本。
func NewPaperBook() *PaperBook {
	return &PaperBook{}
}

// OpenDeltaNeutral 以名义金额开仓，覆盖之前的仓位。
func (b *PaperBook) OpenDeltaNeutral(symbol string, notional float64, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pos = Position{
		Symbol:   symbol,
		Notional: notional,
		OpenedAt: at.UTC(),
		IsOpen:   true,
	}
}

// Close 平仓，累计值保留用于结算。
func (b *PaperBook) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pos.IsOpen = false
}

// AccrueFunding 按日费率与经过时长累计资金费（基点）。
func (b *PaperBook) AccrueFunding(bpsPerDay float64, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pos.IsOpen {
		return
	}
	b.pos.AccruedFundingBps += bpsPerDay * (elapsed.Seconds() / 86400.0)
}

// ChargeExecution 计入一次开平仓的执行成本（基点）。
func (b *PaperBook) ChargeExecution(costBps float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pos.ExecutionCostBps += costBps
}

// RealizedPnL 估算盈亏：资金费收入减去手续费与执行成本。
func (b *PaperBook) RealizedPnL(takerFeeBps float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pos
	return p.Notional*(p.AccruedFundingBps/1e4) -
		p.Notional*(takerFeeBps/1e4) -
		p.Notional*(p.ExecutionCostBps/1e4)
}

// OpenNotional 返回在仓名义金额，未持仓为0。
func (b *PaperBook) OpenNotional() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pos.IsOpen {
		return 0
	}
	return b.pos.Notional
}

// Position 返回仓位快照。
func (b *PaperBook) Position() Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos
}
