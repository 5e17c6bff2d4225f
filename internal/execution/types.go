package execution

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoBook 表示盘口缺失一侧，无法定价。
	ErrNoBook = errors.New("execution: 盘口缺失")
	// ErrUnknownAction 表示动作编号不在动作集合内。
	ErrUnknownAction = errors.New("execution: 未知动作")
)

// Action 为下单方式，编号在特征、bandit 与模拟器之间保持一致。
type Action int

const (
	ActionMakerInside Action = iota
	ActionPostOnlyEdge
	ActionTakerNow
	ActionWait
)

var actionNames = [...]string{"maker_inside", "post_only_edge", "taker_now", "wait"}

// AllActions 返回完整动作集合。
func AllActions() []Action {
	return []Action{ActionMakerInside, ActionPostOnlyEdge, ActionTakerNow, ActionWait}
}

// Valid 判断动作是否在集合内。
func (a Action) Valid() bool {
	return a >= ActionMakerInside && a <= ActionWait
}

// Maker 判断是否为挂单动作。
func (a Action) Maker() bool {
	return a == ActionMakerInside || a == ActionPostOnlyEdge
}

func (a Action) String() string {
	if !a.Valid() {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actionNames[a]
}

// ParseAction 解析动作名称。
func ParseAction(name string) (Action, error) {
	for i, n := range actionNames {
		if n == name {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAction, name)
}

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Intent 描述单个 tick 的执行意图。
type Intent struct {
	Symbol   string        `json:"symbol"`
	Side     OrderSide     `json:"side"`
	Notional float64       `json:"notional"`
	Deadline time.Duration `json:"deadline"`
}

// DeadlineMs 返回截止时长（毫秒）。
func (i Intent) DeadlineMs() int64 {
	return i.Deadline.Milliseconds()
}

// Outcome 为一次执行的成交结果与成本。
type Outcome struct {
	FillPx          float64 `json:"fill_px"`
	BenchMidPx      float64 `json:"bench_mid_px"`
	FeeBps          float64 `json:"fee_bps"`
	PartialFill     bool    `json:"partial_fill"`
	TimeToFillMs    int64   `json:"time_to_fill_ms"`
	RealizedCostBps float64 `json:"realized_cost_bps"`
}

// Reward 为 bandit 奖励，即成本取负。
func (o Outcome) Reward() float64 {
	return -o.RealizedCostBps
}

// CostBps 计算相对基准中间价的方向调整成本（基点）加手续费；正值表示不利成交。
func CostBps(side OrderSide, fillPx, midPx, feeBps float64) float64 {
	if midPx == 0 {
		return feeBps
	}
	impact := (fillPx - midPx) / midPx
	if side == OrderSideSell {
		impact = -impact
	}
	return impact*1e4 + feeBps
}

// OrderRequest 抽象具体委托。
type OrderRequest struct {
	Type        string // market | limit
	Side        OrderSide
	Amount      float64
	Price       float64
	ReduceOnly  bool
	ClientOrder string
	Params      map[string]interface{}
}

// Status 为真实执行的结果状态。
type Status string

const (
	StatusNoop             Status = "noop"
	StatusNoBook           Status = "no_book"
	StatusFilled           Status = "filled"
	StatusFilledAfterCross Status = "filled_after_cross"
)

// Report 为真实执行结果摘要。
type Report struct {
	Action        Action
	Status        Status
	OrderID       string
	ClientOrder   string
	Price         float64
	Mid           float64
	Amount        float64
	Notional      float64
	ExecutionTime time.Time
	Elapsed       time.Duration
}

// Outcome 将真实成交转换为统一的成本记录。
func (r Report) Outcome(side OrderSide, feeBps float64) (Outcome, bool) {
	switch r.Status {
	case StatusFilled, StatusFilledAfterCross:
	default:
		return Outcome{}, false
	}
	return Outcome{
		FillPx:          r.Price,
		BenchMidPx:      r.Mid,
		FeeBps:          feeBps,
		TimeToFillMs:    r.Elapsed.Milliseconds(),
		RealizedCostBps: CostBps(side, r.Price, r.Mid, feeBps),
	}, true
}
