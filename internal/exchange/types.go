package exchange

import "time"

// OrderBookLevel 表示盘口档位。
type OrderBookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBookSnapshot 为订单簿快照，买盘价格降序、卖盘价格升序。
// Timestamp 为本地采集时间；ExchangeTimestamp 为交易所撮合时间，可能为空。
type OrderBookSnapshot struct {
	Symbol            string           `json:"symbol"`
	Bids              []OrderBookLevel `json:"bids"`
	Asks              []OrderBookLevel `json:"asks"`
	Timestamp         time.Time        `json:"timestamp"`
	ExchangeTimestamp time.Time        `json:"exchange_timestamp"`
	LatencyMs         int64            `json:"latency_ms"`
	Nonce             int64            `json:"nonce"`
}

// TimestampMs 返回快照采集时间（毫秒）。
func (s OrderBookSnapshot) TimestampMs() int64 {
	return s.Timestamp.UnixMilli()
}

// TwoSided 判断买卖两侧是否均有报价。
func (s OrderBookSnapshot) TwoSided() bool {
	return len(s.Bids) > 0 && len(s.Asks) > 0
}

// Touch 返回最优买价、最优卖价与中间价；单边为空时 ok=false。
func (s OrderBookSnapshot) Touch() (bid, ask, mid float64, ok bool) {
	if !s.TwoSided() {
		return 0, 0, 0, false
	}
	bid = s.Bids[0].Price
	ask = s.Asks[0].Price
	return bid, ask, (bid + ask) / 2, true
}

// Columns 将盘口拆分为价格与数量序列。
func (s OrderBookSnapshot) Columns() (bidPx, askPx, bidSz, askSz []float64) {
	bidPx = make([]float64, len(s.Bids))
	bidSz = make([]float64, len(s.Bids))
	for i, lvl := range s.Bids {
		bidPx[i] = lvl.Price
		bidSz[i] = lvl.Amount
	}
	askPx = make([]float64, len(s.Asks))
	askSz = make([]float64, len(s.Asks))
	for i, lvl := range s.Asks {
		askPx[i] = lvl.Price
		askSz[i] = lvl.Amount
	}
	return bidPx, askPx, bidSz, askSz
}

// BookFromLevels 由 [价格, 数量] 数组构造快照，便于测试与回放。
func BookFromLevels(symbol string, ts time.Time, bids, asks [][2]float64) OrderBookSnapshot {
	book := OrderBookSnapshot{
		Symbol:    symbol,
		Timestamp: ts,
		Bids:      make([]OrderBookLevel, 0, len(bids)),
		Asks:      make([]OrderBookLevel, 0, len(asks)),
	}
	for _, lvl := range bids {
		book.Bids = append(book.Bids, OrderBookLevel{Price: lvl[0], Amount: lvl[1]})
	}
	for _, lvl := range asks {
		book.Asks = append(book.Asks, OrderBookLevel{Price: lvl[0], Amount: lvl[1]})
	}
	return book
}
