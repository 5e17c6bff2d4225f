package risk

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestGuard(t *testing.T) (*Guard, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	return NewGuard(DefaultConfig(), clock.Now, nil), clock
}

func TestMustHalt_APIErrorRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxErrorRate = 0.08
	cfg.MinAPICallsForRate = 25
	clock := &fakeClock{now: time.UnixMilli(1_000)}
	g := NewGuard(cfg, clock.Now, nil)

	for i := 0; i < 25; i++ {
		g.RecordAPI(i >= 3, 0)
	}

	halt, reason := g.MustHalt(0, 0, 1_000)
	if !halt || reason != ReasonAPIErrorRate {
		t.Fatalf("got (%v, %q), want (true, api_error_rate)", halt, reason)
	}
}

func TestMustHalt_ErrorRateNeedsMinimumSample(t *testing.T) {
	g, _ := newTestGuard(t)
	for i := 0; i < 19; i++ {
		g.RecordAPI(false, 0)
	}
	if halt, reason := g.MustHalt(0, 0, 0); halt {
		t.Fatalf("should not judge error rate below min calls, got %q", reason)
	}
	g.RecordAPI(false, 0)
	if halt, reason := g.MustHalt(0, 0, 0); !halt || reason != ReasonAPIErrorRate {
		t.Fatalf("got (%v, %q)", halt, reason)
	}
}

func TestMustHalt_StopLossBoundaryInclusive(t *testing.T) {
	g, _ := newTestGuard(t)
	if halt, _ := g.MustHalt(0, -4.999, 0); halt {
		t.Fatal("pnl above stop loss should not halt")
	}
	halt, reason := g.MustHalt(0, -5, 0)
	if !halt || reason != ReasonPnLStopLoss {
		t.Fatalf("got (%v, %q), want (true, pnl_stop_loss)", halt, reason)
	}
}

func TestMustHalt_TakeProfit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PnLTakeProfit = 10
	g := NewGuard(cfg, nil, nil)
	if halt, reason := g.MustHalt(0, 10, 0); !halt || reason != ReasonPnLTakeProfit {
		t.Fatalf("got (%v, %q)", halt, reason)
	}
}

func TestMustHalt_StaleLOBSkippedUntilRecorded(t *testing.T) {
	g, _ := newTestGuard(t)
	if halt, _ := g.MustHalt(0, 0, 1_000_000); halt {
		t.Fatal("stale check must be skipped before any book is recorded")
	}

	g.RecordAPI(true, 10_000)
	if halt, _ := g.MustHalt(0, 0, 11_500); halt {
		t.Fatal("exactly at threshold should not halt")
	}
	halt, reason := g.MustHalt(0, 0, 11_501)
	if !halt || reason != ReasonStaleLOB {
		t.Fatalf("got (%v, %q), want stale_lob", halt, reason)
	}
}

func TestMustHalt_PriorityOrder(t *testing.T) {
	cases := []struct {
		name     string
		elapsed  time.Duration
		notional float64
		stale    bool
		errors   bool
		pnl      float64
		want     Reason
	}{
		{name: "runtime first", elapsed: 121 * time.Minute, notional: 5000, stale: true, errors: true, pnl: -10, want: ReasonRuntimeLimit},
		{name: "notional before stale", notional: 2000.01, stale: true, errors: true, pnl: -10, want: ReasonNotionalLimit},
		{name: "stale before errors", stale: true, errors: true, pnl: -10, want: ReasonStaleLOB},
		{name: "errors before pnl", errors: true, pnl: -10, want: ReasonAPIErrorRate},
		{name: "pnl last", pnl: -10, want: ReasonPnLStopLoss},
		{name: "all clear", notional: 2000, want: ReasonNone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, clock := newTestGuard(t)
			nowMs := int64(100_000)
			if tc.stale {
				g.RecordAPI(true, 1)
			} else {
				g.RecordAPI(true, nowMs)
			}
			if tc.errors {
				for i := 0; i < 30; i++ {
					g.RecordAPI(false, 0)
				}
			}
			clock.now = clock.now.Add(tc.elapsed)

			halt, reason := g.MustHalt(tc.notional, tc.pnl, nowMs)
			if reason != tc.want || halt != (tc.want != ReasonNone) {
				t.Fatalf("got (%v, %q), want %q", halt, reason, tc.want)
			}
		})
	}
}

func TestMustHalt_HaltIsTerminal(t *testing.T) {
	g, _ := newTestGuard(t)
	if halt, _ := g.MustHalt(3000, 0, 0); !halt {
		t.Fatal("expected notional halt")
	}
	halt, reason := g.MustHalt(0, 0, 0)
	if !halt || reason != ReasonNotionalLimit {
		t.Fatalf("halt must be sticky with the first reason, got (%v, %q)", halt, reason)
	}

	snap := g.Snapshot()
	if snap.State != StateHalted || snap.HaltedAt.IsZero() || !g.Halted() {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRecordAPI_CountersAndSnapshot(t *testing.T) {
	g, _ := newTestGuard(t)
	g.RecordAPI(true, 123)
	g.RecordAPI(false, 0)
	g.RecordAPI(true, 0)

	snap := g.Snapshot()
	if snap.APICalls != 3 || snap.APIErrors != 1 {
		t.Fatalf("unexpected counters %+v", snap)
	}
	if snap.LastLOBTsMs != 123 {
		t.Fatalf("last lob ts should only move when provided, got %d", snap.LastLOBTsMs)
	}
	if snap.State != StateRunning {
		t.Fatalf("unexpected state %s", snap.State)
	}
}
