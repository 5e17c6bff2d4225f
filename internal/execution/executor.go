package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"exec-bandit/internal/config"
	"exec-bandit/internal/exchange"
)

type orderClient interface {
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
}

type bookSource interface {
	FetchOrderBook(ctx context.Context, depth int64) (exchange.OrderBookSnapshot, error)
}

// Options 控制真实下单参数。
type Options struct {
	MinNotional         float64
	PollInterval        time.Duration
	MaxRetry            int
	InsidePriceFraction float64
	EdgePriceFraction   float64
	RetryWait           time.Duration
}

// OptionsFromConfig 由配置组装下单参数，挂单价格偏移与模拟器保持一致。
func OptionsFromConfig(exec config.ExecutionConfig, sim config.SimulatorConfig) Options {
	return Options{
		MinNotional:         exec.MinNotional,
		PollInterval:        exec.PollInterval,
		MaxRetry:            exec.MaxRetry,
		InsidePriceFraction: sim.InsidePriceFraction,
		EdgePriceFraction:   sim.EdgePriceFraction,
		RetryWait:           time.Second,
	}
}

// Executor 将动作转换为真实委托：吃单直接市价成交，挂单在截止前未成交则撤单并吃单。
type Executor struct {
	client   orderClient
	books    bookSource
	symbol   string
	logger   *zap.Logger
	opts     Options
	recorder exchange.APIRecorder
	now      func() time.Time
}

// NewExecutor 创建执行器。
func NewExecutor(client orderClient, books bookSource, symbol string, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 150 * time.Millisecond
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}
	return &Executor{
		client: client,
		books:  books,
		symbol: symbol,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// SetRecorder 设置交易所调用结果接收者。
func (e *Executor) SetRecorder(r exchange.APIRecorder) {
	e.recorder = r
}

// ExecuteAction 按动作执行意图。wait 不下单；盘口缺失时返回 no_book。
func (e *Executor) ExecuteAction(ctx context.Context, action Action, intent Intent, reduceOnly bool) (Report, error) {
	report := Report{Action: action, ExecutionTime: e.now().UTC()}
	if !action.Valid() {
		return report, fmt.Errorf("%w: %d", ErrUnknownAction, int(action))
	}
	if action == ActionWait {
		report.Status = StatusNoop
		return report, nil
	}

	book, err := e.books.FetchOrderBook(ctx, 5)
	if err != nil {
		return report, fmt.Errorf("execution: 获取盘口失败: %w", err)
	}
	bid, ask, mid, ok := book.Touch()
	if !ok {
		report.Status = StatusNoBook
		return report, nil
	}
	report.Mid = mid

	order, err := buildOrderRequest(action, intent, bid, ask, e.opts, reduceOnly)
	if err != nil {
		return report, err
	}
	if belowMinNotional(intent.Notional, e.opts, reduceOnly) {
		e.logger.Info("名义金额低于交易所下限，已上调",
			zap.Float64("notional", intent.Notional),
			zap.Float64("min_notional", e.opts.MinNotional),
		)
	}
	report.ClientOrder = order.ClientOrder
	report.Amount = order.Amount
	report.Notional = order.Amount * refPrice(order, mid)

	touch := ask
	if intent.Side == OrderSideSell {
		touch = bid
	}

	start := e.now()
	placed, err := e.submitOrder(ctx, order)
	if err != nil {
		if order.Type == "limit" && exchange.IsPostOnlyRejected(err) {
			e.logger.Info("post-only 挂单会立即成交被拒，直接吃单", zap.Stringer("action", action))
			return e.cross(ctx, report, order, touch, start)
		}
		return report, err
	}
	report.OrderID = derefString(placed.Id)

	if order.Type == "market" {
		report.Status = StatusFilled
		report.Price = e.fillPrice(placed, touch)
		report.Elapsed = e.now().Sub(start)
		return report, nil
	}

	if filled, price := e.waitForFill(ctx, report.OrderID, start.Add(intent.Deadline), order.Price); filled {
		report.Status = StatusFilled
		report.Price = price
		report.Elapsed = e.now().Sub(start)
		return report, nil
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	if err := e.call(func() error {
		_, cancelErr := e.client.CancelOrder(report.OrderID, ccxt.WithCancelOrderSymbol(e.symbol))
		return cancelErr
	}); err != nil {
		e.logger.Warn("撤单失败，继续吃单", zap.String("order_id", report.OrderID), zap.Error(err))
	}

	return e.cross(ctx, report, order, touch, start)
}

// cross 以市价单完成未成交的挂单。
func (e *Executor) cross(ctx context.Context, report Report, order OrderRequest, touch float64, start time.Time) (Report, error) {
	cross := OrderRequest{
		Type:        "market",
		Side:        order.Side,
		Amount:      order.Amount,
		ReduceOnly:  order.ReduceOnly,
		ClientOrder: uuid.NewString(),
	}
	cross.Params = marketParams(cross)
	crossed, err := e.submitOrder(ctx, cross)
	if err != nil {
		return report, fmt.Errorf("execution: 挂单未成交后吃单失败: %w", err)
	}

	report.Status = StatusFilledAfterCross
	report.OrderID = derefString(crossed.Id)
	report.ClientOrder = cross.ClientOrder
	report.Price = e.fillPrice(crossed, touch)
	report.Elapsed = e.now().Sub(start)
	return report, nil
}

func (e *Executor) waitForFill(ctx context.Context, orderID string, deadline time.Time, limitPx float64) (bool, float64) {
	for e.now().Before(deadline) {
		var info ccxt.Order
		err := e.call(func() error {
			var fetchErr error
			info, fetchErr = e.client.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(e.symbol))
			return fetchErr
		})
		if err == nil && derefFloat(info.Filled) > 0 {
			price := derefFloat(info.Average)
			if price == 0 {
				price = limitPx
			}
			return true, price
		}

		timer := time.NewTimer(e.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, 0
		case <-timer.C:
		}
	}
	return false, 0
}

func (e *Executor) fillPrice(order ccxt.Order, fallback float64) float64 {
	if p := derefFloat(order.Average); p > 0 {
		return p
	}
	id := derefString(order.Id)
	if id == "" {
		return fallback
	}

	var info ccxt.Order
	err := e.call(func() error {
		var fetchErr error
		info, fetchErr = e.client.FetchOrder(id, ccxt.WithFetchOrderSymbol(e.symbol))
		return fetchErr
	})
	if err != nil {
		return fallback
	}
	if p := derefFloat(info.Average); p > 0 {
		return p
	}
	if p := derefFloat(info.Price); p > 0 {
		return p
	}
	return fallback
}

func (e *Executor) submitOrder(ctx context.Context, order OrderRequest) (ccxt.Order, error) {
	var (
		placed ccxt.Order
		err    error
	)
	for attempt := 1; attempt <= e.opts.MaxRetry; attempt++ {
		err = e.call(func() error {
			var submitErr error
			switch order.Type {
			case "market":
				var opts []ccxt.CreateMarketOrderOptions
				if len(order.Params) > 0 {
					opts = append(opts, ccxt.WithCreateMarketOrderParams(order.Params))
				}
				placed, submitErr = e.client.CreateMarketOrder(e.symbol, string(order.Side), order.Amount, opts...)
			case "limit":
				var opts []ccxt.CreateLimitOrderOptions
				if len(order.Params) > 0 {
					opts = append(opts, ccxt.WithCreateLimitOrderParams(order.Params))
				}
				placed, submitErr = e.client.CreateLimitOrder(e.symbol, string(order.Side), order.Amount, order.Price, opts...)
			default:
				return fmt.Errorf("execution: 不支持的订单类型 %s", order.Type)
			}
			return submitErr
		})

		if err == nil {
			e.logger.Debug("委托已提交",
				zap.String("type", order.Type),
				zap.String("side", string(order.Side)),
				zap.Float64("amount", order.Amount),
				zap.Float64("price", order.Price),
				zap.String("client_order_id", order.ClientOrder),
			)
			return placed, nil
		}

		if !exchange.IsRetryable(err) {
			return placed, err
		}

		wait := time.Duration(attempt) * e.opts.RetryWait
		e.logger.Warn("下单失败，准备重试",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return placed, ctx.Err()
		case <-time.After(wait):
		}
	}

	return placed, fmt.Errorf("execution: 重试后仍下单失败: %w", err)
}

func (e *Executor) call(fn func() error) error {
	err := fn()
	if e.recorder != nil {
		e.recorder.RecordAPI(err == nil, 0)
	}
	return err
}

func buildOrderRequest(action Action, intent Intent, bid, ask float64, opts Options, reduceOnly bool) (OrderRequest, error) {
	if intent.Side != OrderSideBuy && intent.Side != OrderSideSell {
		return OrderRequest{}, fmt.Errorf("execution: 无效方向 %q", intent.Side)
	}
	if bid <= 0 || ask <= 0 {
		return OrderRequest{}, ErrNoBook
	}

	order := OrderRequest{
		Side:        intent.Side,
		ReduceOnly:  reduceOnly,
		ClientOrder: uuid.NewString(),
	}
	mid := (bid + ask) / 2

	switch action {
	case ActionTakerNow:
		order.Type = "market"
		order.Params = marketParams(order)
	case ActionMakerInside, ActionPostOnlyEdge:
		frac := opts.InsidePriceFraction
		if action == ActionPostOnlyEdge {
			frac = opts.EdgePriceFraction
		}
		spread := ask - bid
		order.Type = "limit"
		if intent.Side == OrderSideBuy {
			order.Price = bid + spread*frac
		} else {
			order.Price = ask - spread*frac
		}
		order.Params = map[string]interface{}{
			"postOnly":      true,
			"timeInForce":   "GTX",
			"reduceOnly":    reduceOnly,
			"clientOrderId": order.ClientOrder,
		}
	default:
		return OrderRequest{}, fmt.Errorf("%w: %d", ErrUnknownAction, int(action))
	}

	notional := intent.Notional
	if belowMinNotional(intent.Notional, opts, reduceOnly) {
		notional = opts.MinNotional
	}
	order.Amount = notional / refPrice(order, mid)
	if order.Amount <= 0 {
		return OrderRequest{}, errors.New("execution: 下单数量无效")
	}
	return order, nil
}

func marketParams(order OrderRequest) map[string]interface{} {
	return map[string]interface{}{
		"reduceOnly":    order.ReduceOnly,
		"clientOrderId": order.ClientOrder,
	}
}

func refPrice(order OrderRequest, mid float64) float64 {
	if order.Price > 0 {
		return order.Price
	}
	return mid
}

func oppositeSide(side OrderSide) OrderSide {
	if side == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// belowMinNotional 判断非减仓单是否需要上调到交易所最小名义金额。
func belowMinNotional(notional float64, opts Options, reduceOnly bool) bool {
	return !reduceOnly && notional < opts.MinNotional
}
