package feature

import (
	"math"
	"testing"
)

func push(b *Builder, tsMs int64, bid, ask float64) (Vector, bool) {
	return b.PushAndCompute(tsMs, []float64{bid}, []float64{ask}, []float64{1}, []float64{1}, 0)
}

func TestPushAndCompute_AbsentOnlyForEmptySide(t *testing.T) {
	cases := []struct {
		name   string
		bidPx  []float64
		askPx  []float64
		absent bool
	}{
		{name: "no bids", bidPx: nil, askPx: []float64{100.2}, absent: true},
		{name: "no asks", bidPx: []float64{100.0}, askPx: []float64{}, absent: true},
		{name: "both empty", absent: true},
		{name: "two sided", bidPx: []float64{100.0}, askPx: []float64{100.2}, absent: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuilder(DefaultConfig(), nil)
			_, ok := b.PushAndCompute(1_000, tc.bidPx, tc.askPx, nil, nil, 0)
			if ok == tc.absent {
				t.Fatalf("ok=%v, want absent=%v", ok, tc.absent)
			}
		})
	}
}

func TestPushAndCompute_EmptyBookDoesNotTouchBuffer(t *testing.T) {
	b := NewBuilder(DefaultConfig(), nil)
	b.PushAndCompute(1_000, nil, []float64{1}, nil, nil, 0)
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d", b.Len())
	}
}

func TestPushAndCompute_SpreadAndImbalance(t *testing.T) {
	b := NewBuilder(DefaultConfig(), nil)
	vec, ok := b.PushAndCompute(
		1_000,
		[]float64{100.0, 99.9, 99.8, 99.7, 99.6, 99.5},
		[]float64{100.2, 100.3, 100.4, 100.5, 100.6, 100.7},
		[]float64{1, 1, 1, 1, 1, 100},
		[]float64{1, 1, 1, 1, 1, 0},
		2,
	)
	if !ok {
		t.Fatal("expected features")
	}
	if want := 0.2 / 100.1 * 1e4; math.Abs(vec.SpreadBps-want) > 1e-9 {
		t.Errorf("spread = %v, want %v", vec.SpreadBps, want)
	}
	if math.Abs(vec.Imbalance) > 1e-12 {
		t.Errorf("imbalance should only use top 5 levels, got %v", vec.Imbalance)
	}
	if vec.LastAction != 2 {
		t.Errorf("last action = %d", vec.LastAction)
	}
	if vec.Ret1sBps != 0 || vec.Ret5sBps != 0 || vec.VolBps != 0 {
		t.Errorf("first sample should carry zero returns and vol: %+v", vec)
	}

	vec, _ = b.PushAndCompute(1_250, []float64{100.0}, []float64{100.2}, []float64{3}, []float64{1}, 0)
	if math.Abs(vec.Imbalance-0.5) > 1e-9 {
		t.Errorf("imbalance = %v, want 0.5", vec.Imbalance)
	}
}

func TestPushAndCompute_SpreadNonNegative(t *testing.T) {
	b := NewBuilder(DefaultConfig(), nil)
	for i, ask := range []float64{100.0, 100.01, 101, 150} {
		vec, ok := push(b, int64(i)*250, 100.0, ask)
		if !ok {
			t.Fatal("expected features")
		}
		if vec.SpreadBps < 0 {
			t.Fatalf("negative spread %v for ask %v", vec.SpreadBps, ask)
		}
	}
}

func TestPushAndCompute_PinnedMidHasZeroVol(t *testing.T) {
	b := NewBuilder(DefaultConfig(), nil)
	var vec Vector
	for i := 0; i < 20; i++ {
		vec, _ = push(b, int64(i)*250, 99.9, 100.1)
	}
	if vec.VolBps != 0 {
		t.Fatalf("vol_proxy_5s = %v, want 0", vec.VolBps)
	}
	if vec.Ret1sBps != 0 || vec.Ret5sBps != 0 {
		t.Fatalf("returns should be zero for pinned mid: %+v", vec)
	}
}

func TestPushAndCompute_VolUsesSampleStdDev(t *testing.T) {
	b := NewBuilder(DefaultConfig(), nil)
	push(b, 0, 99, 101)
	vec, _ := push(b, 250, 101, 103)
	want := math.Sqrt2 / 102 * 1e4
	if math.Abs(vec.VolBps-want) > 1e-9 {
		t.Fatalf("vol = %v, want %v", vec.VolBps, want)
	}
}

func TestPushAndCompute_LookbackReturns(t *testing.T) {
	b := NewBuilder(DefaultConfig(), nil)
	push(b, 0, 99.9, 100.1)
	push(b, 1_000, 100.9, 101.1)
	vec, _ := push(b, 2_000, 101.9, 102.1)

	want1s := (102.0 - 101.0) / 101.0 * 1e4
	if math.Abs(vec.Ret1sBps-want1s) > 1e-9 {
		t.Errorf("r1s = %v, want %v", vec.Ret1sBps, want1s)
	}
	want5s := (102.0 - 100.0) / 100.0 * 1e4
	if math.Abs(vec.Ret5sBps-want5s) > 1e-9 {
		t.Errorf("r5s should fall back to the oldest sample: got %v, want %v", vec.Ret5sBps, want5s)
	}
}

func TestPushAndCompute_BufferEvictsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferCapacity = 3
	b := NewBuilder(cfg, nil)

	push(b, 0, 49, 51)
	push(b, 100, 99, 101)
	push(b, 200, 99, 101)
	vec, _ := push(b, 300, 99, 101)

	if b.Len() != 3 {
		t.Fatalf("buffer len = %d, want 3", b.Len())
	}
	if vec.Ret5sBps != 0 {
		t.Fatalf("oldest sample should have been evicted, r5s = %v", vec.Ret5sBps)
	}

	b.Reset()
	if b.Len() != 0 {
		t.Fatal("Reset should clear buffer")
	}
}

func TestTimeOfDay(t *testing.T) {
	cases := []struct {
		tsMs int64
		sin  float64
		cos  float64
	}{
		{tsMs: 0, sin: 0, cos: 1},
		{tsMs: 6 * 3600 * 1000, sin: 1, cos: 0},
		{tsMs: 18*3600*1000 + 86400*1000*3, sin: -1, cos: 0},
	}
	for _, tc := range cases {
		s, c := timeOfDay(tc.tsMs)
		if math.Abs(s-tc.sin) > 1e-9 || math.Abs(c-tc.cos) > 1e-9 {
			t.Errorf("timeOfDay(%d) = (%v, %v), want (%v, %v)", tc.tsMs, s, c, tc.sin, tc.cos)
		}
	}
}

func TestVectorScaled(t *testing.T) {
	v := Vector{SpreadBps: 20, Ret1sBps: -10, Ret5sBps: 5, VolBps: 1, Imbalance: 0.5, LastAction: 3, TodSin: 0.1, TodCos: 0.2}
	got := v.Scaled([]float64{10, 10, 0, 10})
	want := []float64{2, -1, 5, 0.1, 0.5, 3, 0.1, 0.2}
	if len(got) != Dimension {
		t.Fatalf("len = %d", len(got))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("component %d = %v, want %v", i, got[i], want[i])
		}
	}
	if v.SpreadBps != 20 {
		t.Error("Scaled must not mutate the vector")
	}
}
