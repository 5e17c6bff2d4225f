package bandit

import (
	"math"
	"slices"
	"testing"
)

func randomVector(l *LinTS, scale float64) []float64 {
	x := make([]float64, l.Dimension())
	for i := range x {
		x[i] = (l.rng.Float64()*2 - 1) * scale
	}
	return x
}

func newTestBandit(t *testing.T, seed uint64) *LinTS {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Seed = seed
	l, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return l
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cases := map[string]func(c *configOverride){
		"zero ridge":     func(c *configOverride) { c.ridge = 0 },
		"no actions":     func(c *configOverride) { c.actions = nil },
		"zero dimension": func(c *configOverride) { c.dimension = 0 },
		"zero noise":     func(c *configOverride) { c.noise = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			o := configOverride{ridge: 1, actions: []int{0, 1}, dimension: 8, noise: 1}
			mutate(&o)
			cfg := DefaultConfig()
			cfg.Ridge, cfg.Actions, cfg.Dimension, cfg.NoiseScale = o.ridge, o.actions, o.dimension, o.noise
			if _, err := New(cfg, nil, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

type configOverride struct {
	ridge     float64
	actions   []int
	dimension int
	noise     float64
}

func TestChoose_ReturnsKnownAction(t *testing.T) {
	l := newTestBandit(t, 7)
	for i := 0; i < 500; i++ {
		x := randomVector(l, 50)
		a := l.Choose(x)
		if !slices.Contains([]int{0, 1, 2, 3}, a) {
			t.Fatalf("Choose returned %d", a)
		}
		l.Update(a, x, -math.Abs(x[0]))
	}
}

func TestUpdate_KeepsPositiveDefinite(t *testing.T) {
	l := newTestBandit(t, 3)
	rewards := []float64{0, -1e6, 1e6, -0.1, 42}
	for i := 0; i < 200; i++ {
		x := randomVector(l, 1e3)
		l.Update(i%4, x, rewards[i%len(rewards)])
	}
	l.Update(1, make([]float64, 8), -5)

	state := l.State()
	for _, arm := range state.Arms {
		if !IsPositiveDefinite(state.Dimension, arm.A) {
			t.Fatalf("A for action %d is not positive definite", arm.Action)
		}
	}
	if state.Arms[1].Pulls != 51 {
		t.Fatalf("expected 51 pulls for action 1, got %d", state.Arms[1].Pulls)
	}
}

func TestChoose_TiesResolveToLowestAction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Actions = []int{3, 1, 2}
	l, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	zero := make([]float64, 8)
	for i := 0; i < 10; i++ {
		if got := l.Choose(zero); got != 1 {
			t.Fatalf("zero context should tie and resolve to 1, got %d", got)
		}
	}
	if !slices.Equal(l.Actions(), []int{1, 2, 3}) {
		t.Fatalf("actions should be sorted, got %v", l.Actions())
	}
}

func TestLinTS_DeterministicForSameSeed(t *testing.T) {
	a := newTestBandit(t, 11)
	b := newTestBandit(t, 11)
	feed := newTestBandit(t, 99)

	for i := 0; i < 100; i++ {
		x := randomVector(feed, 5)
		ca, cb := a.Choose(x), b.Choose(x)
		if ca != cb {
			t.Fatalf("step %d: choices diverged %d vs %d", i, ca, cb)
		}
		reward := -x[0] * float64(ca+1)
		a.Update(ca, x, reward)
		b.Update(cb, x, reward)
	}

	sa, sb := a.State(), b.State()
	for i := range sa.Arms {
		if !slices.Equal(sa.Arms[i].A, sb.Arms[i].A) || !slices.Equal(sa.Arms[i].B, sb.Arms[i].B) {
			t.Fatalf("state diverged for action %d", sa.Arms[i].Action)
		}
	}
}

func TestLinTS_LearnsCheapestArm(t *testing.T) {
	l := newTestBandit(t, 5)
	x := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	costs := map[int]float64{0: 4, 1: 3, 2: 0.5, 3: 6}
	for i := 0; i < 200; i++ {
		for a, cost := range costs {
			l.Update(a, x, -cost)
		}
	}

	picks := 0
	for i := 0; i < 100; i++ {
		if l.Choose(x) == 2 {
			picks++
		}
	}
	if picks < 95 {
		t.Fatalf("expected cheapest arm to dominate, picked %d/100", picks)
	}
}

func TestPosteriorMean(t *testing.T) {
	l := newTestBandit(t, 1)
	x := []float64{1, 0, 0, 0, 0, 0, 0, 0}
	for i := 0; i < 9; i++ {
		l.Update(0, x, -2)
	}
	mu := l.PosteriorMean(0)
	if want := 9 * -2.0 / 10; math.Abs(mu[0]-want) > 1e-9 {
		t.Fatalf("mu[0] = %v, want %v", mu[0], want)
	}
	for i := 1; i < len(mu); i++ {
		if mu[i] != 0 {
			t.Fatalf("mu[%d] = %v, want 0", i, mu[i])
		}
	}

	l.Reset()
	if l.State().Arms[0].Pulls != 0 || l.PosteriorMean(0)[0] != 0 {
		t.Fatal("Reset should restore the prior")
	}
}

func TestChoose_PanicsOnDimensionMismatch(t *testing.T) {
	l := newTestBandit(t, 1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	l.Choose([]float64{1, 2, 3})
}

func TestState_IsCopy(t *testing.T) {
	l := newTestBandit(t, 1)
	state := l.State()
	state.Arms[0].A[0] = -100
	state.Arms[0].B[0] = 100
	if l.State().Arms[0].A[0] != 1 || l.State().Arms[0].B[0] != 0 {
		t.Fatal("State must return a deep copy")
	}
}
