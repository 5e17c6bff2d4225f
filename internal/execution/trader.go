package execution

import "context"

// Trader 抽象真实下单，方便替换为沙盒或测试实现。
type Trader interface {
	ExecuteAction(ctx context.Context, action Action, intent Intent, reduceOnly bool) (Report, error)
}

// PositionCloser 抽象风控熔断后的平仓操作。
type PositionCloser interface {
	Flatten(ctx context.Context) (FlattenResult, error)
}

var (
	_ Trader         = (*Executor)(nil)
	_ PositionCloser = (*Flattener)(nil)
)
