package execution

import (
	"context"
	"fmt"
	"math"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"exec-bandit/internal/exchange"
)

type positionClient interface {
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
}

// FlattenResult 描述一次平仓。
type FlattenResult struct {
	Symbol      string    `json:"symbol"`
	AlreadyFlat bool      `json:"already_flat"`
	PosSide     string    `json:"pos_side,omitempty"`
	Side        OrderSide `json:"side,omitempty"`
	Amount      float64   `json:"amount,omitempty"`
	OrderID     string    `json:"order_id,omitempty"`
}

// Flattener 以反向只减仓市价单平掉交易对的全部持仓。
type Flattener struct {
	client   positionClient
	symbol   string
	logger   *zap.Logger
	recorder exchange.APIRecorder
}

// NewFlattener 创建平仓器。
func NewFlattener(client positionClient, symbol string, logger *zap.Logger) *Flattener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flattener{client: client, symbol: symbol, logger: logger}
}

// SetRecorder 设置交易所调用结果接收者。
func (f *Flattener) SetRecorder(r exchange.APIRecorder) {
	f.recorder = r
}

// Flatten 平仓；无持仓时返回 AlreadyFlat=true 而非错误。
func (f *Flattener) Flatten(ctx context.Context) (FlattenResult, error) {
	result := FlattenResult{Symbol: f.symbol}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	positions, err := f.client.FetchPositions()
	f.record(err == nil)
	if err != nil {
		return result, fmt.Errorf("execution: 获取持仓失败: %w", err)
	}

	var amount float64
	var posSide string
	for _, pos := range positions {
		if !strings.EqualFold(derefString(pos.Symbol), f.symbol) {
			continue
		}
		size := math.Abs(derefFloat(pos.Contracts))
		side := strings.ToLower(strings.TrimSpace(derefString(pos.Side)))
		if size == 0 || side == "" {
			continue
		}
		amount, posSide = size, side
		break
	}

	if amount == 0 {
		result.AlreadyFlat = true
		f.logger.Info("无持仓，无需平仓", zap.String("symbol", f.symbol))
		return result, nil
	}

	held := OrderSideBuy
	if posSide == "short" {
		held = OrderSideSell
	}
	side := oppositeSide(held)
	result.PosSide = posSide
	result.Side = side
	result.Amount = amount

	order, err := f.client.CreateMarketOrder(f.symbol, string(side), amount,
		ccxt.WithCreateMarketOrderParams(map[string]interface{}{
			"reduceOnly":    true,
			"clientOrderId": uuid.NewString(),
		}),
	)
	f.record(err == nil)
	if err != nil {
		return result, fmt.Errorf("execution: 平仓下单失败: %w", err)
	}
	result.OrderID = derefString(order.Id)

	f.logger.Info("已发送只减仓平仓单",
		zap.String("symbol", f.symbol),
		zap.String("position_side", posSide),
		zap.String("side", string(side)),
		zap.Float64("amount", amount),
		zap.String("order_id", result.OrderID),
	)
	return result, nil
}

func (f *Flattener) record(ok bool) {
	if f.recorder != nil {
		f.recorder.RecordAPI(ok, 0)
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
