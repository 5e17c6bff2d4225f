package risk

import "time"

// State 为熔断状态机状态，RUNNING 只能单向转为 HALTED。
type State string

const (
	StateRunning State = "RUNNING"
	StateHalted  State = "HALTED"
)

// Reason 为熔断原因，按检查优先级排列。
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonRuntimeLimit  Reason = "runtime_limit"
	ReasonNotionalLimit Reason = "notional_limit"
	ReasonStaleLOB      Reason = "stale_lob"
	ReasonAPIErrorRate  Reason = "api_error_rate"
	ReasonPnLStopLoss   Reason = "pnl_stop_loss"
	ReasonPnLTakeProfit Reason = "pnl_take_profit"
)

// Snapshot 为风控计数器的只读快照。
type Snapshot struct {
	State       State     `json:"state"`
	Reason      Reason    `json:"reason,omitempty"`
	APICalls    int64     `json:"api_calls"`
	APIErrors   int64     `json:"api_errors"`
	ErrorRate   float64   `json:"error_rate"`
	LastLOBTsMs int64     `json:"last_lob_ts_ms"`
	StartedAt   time.Time `json:"started_at"`
	HaltedAt    time.Time `json:"halted_at,omitempty"`
}
