package position

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"exec-bandit/internal/exchange"
)

type positionClient interface {
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// Exposure 描述单个交易对在交易所的真实敞口。
type Exposure struct {
	Symbol     string    `json:"symbol"`
	Contracts  float64   `json:"contracts"`
	Notional   float64   `json:"notional"`
	Unrealized float64   `json:"unrealized"`
	EntryPrice float64   `json:"entry_price"`
	MarkPrice  float64   `json:"mark_price"`
	Timestamp  time.Time `json:"timestamp"`
}

// Manager 从交易所读取真实持仓，live 模式下为风控提供名义金额与浮动盈亏。
type Manager struct {
	client   positionClient
	market   string
	logger   *zap.Logger
	now      func() time.Time
	recorder exchange.APIRecorder
}

// NewManager 创建持仓读取器。
func NewManager(client positionClient, market string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client: client,
		market: market,
		logger: logger,
		now:    time.Now,
	}
}

// SetRecorder 设置交易所调用结果接收者。
func (m *Manager) SetRecorder(r exchange.APIRecorder) {
	m.recorder = r
}

// FetchExposure 汇总该交易对所有方向的持仓，名义金额取绝对值之和。
func (m *Manager) FetchExposure(ctx context.Context) (Exposure, error) {
	exposure := Exposure{Symbol: m.market, Timestamp: m.now().UTC()}
	if err := ctx.Err(); err != nil {
		return exposure, err
	}

	rawPositions, err := m.client.FetchPositions()
	if m.recorder != nil {
		m.recorder.RecordAPI(err == nil, 0)
	}
	if err != nil {
		return exposure, fmt.Errorf("position: 获取持仓失败: %w", err)
	}

	for _, rawPos := range rawPositions {
		symbol := derefString(rawPos.Symbol)
		if symbol == "" || !strings.EqualFold(symbol, m.market) {
			continue
		}

		contracts := derefFloat(rawPos.Contracts)
		if contracts == 0 {
			continue
		}

		notional := derefFloat(rawPos.Notional)
		mark := derefFloat(rawPos.MarkPrice)
		if rawPos.Info != nil {
			if notional == 0 {
				notional = parseNumeric(rawPos.Info["notional"])
			}
			if mark == 0 {
				mark = parseNumeric(rawPos.Info["markPrice"])
			}
		}
		if notional == 0 && mark > 0 {
			notional = contracts * mark
		}

		exposure.Contracts += contracts
		exposure.Notional += math.Abs(notional)
		exposure.Unrealized += derefFloat(rawPos.UnrealizedPnl)
		exposure.EntryPrice = derefFloat(rawPos.EntryPrice)
		exposure.MarkPrice = mark
	}

	m.logger.Debug("持仓敞口已刷新",
		zap.String("symbol", m.market),
		zap.Float64("contracts", exposure.Contracts),
		zap.Float64("notional", exposure.Notional),
		zap.Float64("unrealized", exposure.Unrealized),
	)

	return exposure, nil
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

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}
