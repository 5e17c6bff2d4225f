package backtest

import (
	"context"

	"exec-bandit/internal/exchange"
)

// SnapshotProvider 按时间顺序提供订单簿快照。
type SnapshotProvider interface {
	Next(ctx context.Context) (exchange.OrderBookSnapshot, bool, error)
}
