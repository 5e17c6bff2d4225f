package engine

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"exec-bandit/internal/exchange"
	"exec-bandit/internal/execution"
)

func book(tsMs int64, bid, ask float64) exchange.OrderBookSnapshot {
	return exchange.BookFromLevels("BTC/USDT:USDT", time.UnixMilli(tsMs),
		[][2]float64{{bid, 5}}, [][2]float64{{ask, 5}})
}

func intent() execution.Intent {
	return execution.Intent{Symbol: "BTC/USDT:USDT", Side: execution.OrderSideBuy, Notional: 100, Deadline: 500 * time.Millisecond}
}

func newEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg, Sources{}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return e
}

func TestStep_ForcedTakerEndToEnd(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.Bandit.Actions = []int{2} })

	d, ok := e.Step(book(1_700_000_000_000, 100.0, 100.2), intent())
	if !ok {
		t.Fatal("expected decision")
	}
	if d.Action != execution.ActionTakerNow {
		t.Fatalf("action = %s", d.Action)
	}
	if math.Abs(d.Outcome.BenchMidPx-100.1) > 1e-9 || d.Outcome.FillPx != 100.2 {
		t.Fatalf("unexpected outcome %+v", d.Outcome)
	}
	if math.Abs(d.Outcome.RealizedCostBps-9.99) > 0.01 {
		t.Fatalf("realized_cost_bps = %v, want ~9.99", d.Outcome.RealizedCostBps)
	}
	if d.TimestampMs != 1_700_000_000_000 || d.ID == "" {
		t.Fatalf("unexpected decision metadata %+v", d)
	}

	state := e.BanditState()
	if state.Arms[0].Pulls != 1 || state.Arms[0].B[0] >= 0 {
		t.Fatalf("bandit should be updated with negative reward, got %+v", state.Arms[0])
	}
	if e.LastAction() != execution.ActionTakerNow {
		t.Fatalf("last action = %s", e.LastAction())
	}
}

func TestStep_SkipsWithoutUpdating(t *testing.T) {
	e := newEngine(t, nil)
	oneSided := exchange.BookFromLevels("X", time.UnixMilli(1), [][2]float64{{100, 1}}, nil)
	if _, ok := e.Step(oneSided, intent()); ok {
		t.Fatal("one-sided book must be skipped")
	}

	_, ok := e.StepWith(book(1_000, 100, 100.2), intent(), func(execution.Action, int64) (execution.Outcome, bool) {
		return execution.Outcome{}, false
	})
	if ok {
		t.Fatal("absent outcome must be skipped")
	}

	for _, arm := range e.BanditState().Arms {
		if arm.Pulls != 0 {
			t.Fatalf("bandit must not be updated on skipped ticks: %+v", arm)
		}
	}
	if e.LastAction() != execution.ActionMakerInside {
		t.Fatalf("last action should stay at the initial value, got %s", e.LastAction())
	}
}

func TestStep_PinnedMidHasZeroVol(t *testing.T) {
	e := newEngine(t, nil)
	var d Decision
	for i := 0; i < 20; i++ {
		var ok bool
		d, ok = e.Step(book(int64(i)*250, 99.9, 100.1), intent())
		if !ok {
			t.Fatalf("tick %d skipped", i)
		}
	}
	if d.Features.VolBps != 0 {
		t.Fatalf("vol_proxy_5s = %v, want 0", d.Features.VolBps)
	}
}

func TestStep_DeterministicAcrossInstances(t *testing.T) {
	a := newEngine(t, nil)
	b := newEngine(t, nil)

	walk := rand.New(rand.NewPCG(3, 3))
	mid := 100.0
	var actionsA, actionsB []execution.Action
	for i := 0; i < 200; i++ {
		mid += (walk.Float64() - 0.5) * 0.05
		spread := 0.02 + walk.Float64()*0.2
		snap := book(int64(i)*250, mid-spread/2, mid+spread/2)

		if d, ok := a.Step(snap, intent()); ok {
			actionsA = append(actionsA, d.Action)
		}
		if d, ok := b.Step(snap, intent()); ok {
			actionsB = append(actionsB, d.Action)
		}
	}

	if !slices.Equal(actionsA, actionsB) {
		t.Fatal("action sequences diverged")
	}
	sa, sb := a.BanditState(), b.BanditState()
	for i := range sa.Arms {
		if !slices.Equal(sa.Arms[i].A, sb.Arms[i].A) || !slices.Equal(sa.Arms[i].B, sb.Arms[i].B) {
			t.Fatalf("bandit state diverged for action %d", sa.Arms[i].Action)
		}
	}
}

func TestStep_LastActionFeedsNextFeatures(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.Bandit.Actions = []int{3} })
	first, _ := e.Step(book(0, 100, 100.2), intent())
	second, _ := e.Step(book(250, 100, 100.2), intent())
	if first.Features.LastAction != 0 || second.Features.LastAction != 3 {
		t.Fatalf("unexpected last_action features %d, %d", first.Features.LastAction, second.Features.LastAction)
	}
}

func TestShadow_UpdatesBaselineArm(t *testing.T) {
	e := newEngine(t, nil)
	d, ok := e.Shadow(book(1_000, 100.0, 100.2), intent(), execution.ActionTakerNow)
	if !ok {
		t.Fatal("expected shadow decision")
	}
	if d.Action != execution.ActionTakerNow || !d.Suggested.Valid() {
		t.Fatalf("unexpected shadow decision %+v", d)
	}
	if d.Outcome.FillPx != 100.2 {
		t.Fatalf("baseline should be simulated, got %+v", d.Outcome)
	}

	for _, arm := range e.BanditState().Arms {
		want := 0
		if arm.Action == int(execution.ActionTakerNow) {
			want = 1
		}
		if arm.Pulls != want {
			t.Fatalf("action %d pulls = %d, want %d", arm.Action, arm.Pulls, want)
		}
	}
	if e.LastAction() != execution.ActionTakerNow {
		t.Fatalf("last action = %s", e.LastAction())
	}
}

func TestReset(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.Bandit.Actions = []int{2} })
	e.Step(book(0, 100, 100.2), intent())
	e.Reset()
	if e.LastAction() != execution.ActionMakerInside {
		t.Fatal("Reset should clear last action")
	}
	if e.BanditState().Arms[0].Pulls != 1 {
		t.Fatal("Reset must keep the bandit posterior")
	}
	e.ResetBandit()
	if e.BanditState().Arms[0].Pulls != 0 {
		t.Fatal("ResetBandit should restore the prior")
	}
}

func TestNew_RejectsDimensionMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bandit.Dimension = 6
	if _, err := New(cfg, Sources{}, nil); err == nil {
		t.Fatal("expected dimension error")
	}
	cfg = DefaultConfig()
	cfg.Bandit.Actions = []int{0, 7}
	if _, err := New(cfg, Sources{}, nil); err == nil {
		t.Fatal("expected unknown action error")
	}
}
