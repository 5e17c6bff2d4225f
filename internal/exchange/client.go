package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"exec-bandit/internal/config"
)

// APIRecorder 接收每一次交易所调用的结果，风控据此统计错误率与盘口新鲜度。
// tsMs 为本次调用观察到的盘口时间戳，没有时为 0。
type APIRecorder interface {
	RecordAPI(ok bool, tsMs int64)
}

// Recorders 将调用结果依次分发给多个接收者。
type Recorders []APIRecorder

// RecordAPI 实现 APIRecorder。
func (rs Recorders) RecordAPI(ok bool, tsMs int64) {
	for _, r := range rs {
		if r != nil {
			r.RecordAPI(ok, tsMs)
		}
	}
}

type bookFetcher interface {
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
}

// Client 负责拉取订单簿并实现限速与重试。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm
	books    bookFetcher
	load     func() error
	limiter  *rate.Limiter
	symbol   string
	recorder APIRecorder
	now      func() time.Time

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.ExchangeConfig, symbol string, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, errors.New("exchange: symbol 不能为空")
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	c := newClient(cfg, symbol, ex, func() error {
		_, err := ex.LoadMarkets()
		return err
	}, logger)
	c.exchange = ex
	return c, nil
}

func newClient(cfg config.ExchangeConfig, symbol string, books bookFetcher, load func() error, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if load == nil {
		load = func() error { return nil }
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
		burst = cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
	}

	return &Client{
		cfg:     cfg,
		logger:  logger,
		books:   books,
		load:    load,
		limiter: rate.NewLimiter(limit, burst),
		symbol:  symbol,
		now:     time.Now,
	}
}

// Symbol 返回交易对符号。
func (c *Client) Symbol() string {
	return c.symbol
}

// Raw 返回底层 ccxt 客户端，供下单与平仓组件复用同一连接。
func (c *Client) Raw() *ccxt.Binanceusdm {
	return c.exchange
}

// SetRecorder 设置调用结果接收者。
func (c *Client) SetRecorder(r APIRecorder) {
	c.recorder = r
}

// FetchOrderBook 获取订单簿快照，并记录本次拉取耗时。
func (c *Client) FetchOrderBook(ctx context.Context, depth int64) (OrderBookSnapshot, error) {
	if depth <= 0 {
		depth = int64(c.cfg.OrderBookDepth)
	}
	if depth <= 0 {
		depth = 5
	}

	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return OrderBookSnapshot{}, err
	}

	var (
		raw      ccxt.OrderBook
		latency  time.Duration
		captured time.Time
	)
	err := c.callWithRetry(ctx, "fetch_order_book", func() (int64, bool, error) {
		start := c.now()
		orderBook, err := c.books.FetchOrderBook(
			c.symbol,
			ccxt.WithFetchOrderBookLimit(depth),
		)
		captured = c.now()
		latency = captured.Sub(start)
		if err != nil {
			return 0, false, err
		}

		raw = orderBook
		// 新鲜度按本地采集时间计；单边盘口视为一次失败的调用。
		return captured.UnixMilli(), len(raw.Bids) > 0 && len(raw.Asks) > 0, nil
	})
	if err != nil {
		return OrderBookSnapshot{}, err
	}

	book := convertOrderBook(c.symbol, raw, captured)
	book.LatencyMs = latency.Milliseconds()

	c.logger.Debug("订单簿获取完成",
		zap.String("symbol", book.Symbol),
		zap.Int("bids", len(book.Bids)),
		zap.Int("asks", len(book.Asks)),
		zap.Int64("latency_ms", book.LatencyMs),
	)

	return book, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() (int64, bool, error) {
		return 0, true, c.load()
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("symbol", c.symbol))
	return nil
}

func (c *Client) record(ok bool, tsMs int64) {
	if c.recorder != nil {
		c.recorder.RecordAPI(ok, tsMs)
	}
}

// callWithRetry 中 fn 返回盘口采集时间、结果是否可用以及调用错误。
func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() (int64, bool, error)) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		attempt++
		tsMs, usable, err := fn()
		c.record(err == nil && usable, tsMs)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= maxAttempts {
			c.logger.Warn("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(normalizedErr),
			)
			return fmt.Errorf("exchange: %s 失败: %w", operation, normalizedErr)
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Debug("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
	}

	return err, IsRetryable(err)
}

func convertOrderBook(symbol string, ob ccxt.OrderBook, captured time.Time) OrderBookSnapshot {
	bids := make([]OrderBookLevel, 0, len(ob.Bids))
	for _, level := range ob.Bids {
		if len(level) < 2 {
			continue
		}
		bids = append(bids, OrderBookLevel{
			Price:  level[0],
			Amount: level[1],
		})
	}

	asks := make([]OrderBookLevel, 0, len(ob.Asks))
	for _, level := range ob.Asks {
		if len(level) < 2 {
			continue
		}
		asks = append(asks, OrderBookLevel{
			Price:  level[0],
			Amount: level[1],
		})
	}

	var exchangeTs time.Time
	if ob.Timestamp != nil {
		exchangeTs = time.UnixMilli(*ob.Timestamp).UTC()
	}

	var nonce int64
	if ob.Nonce != nil {
		nonce = *ob.Nonce
	}

	return OrderBookSnapshot{
		Symbol:            symbol,
		Bids:              bids,
		Asks:              asks,
		Timestamp:         captured.UTC(),
		ExchangeTimestamp: exchangeTs,
		Nonce:             nonce,
	}
}
