package bandit

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"exec-bandit/internal/config"
)

// ArmState 为单个动作的后验参数快照。A 按行主序展开。
type ArmState struct {
	Action int       `json:"action"`
	A      []float64 `json:"a"`
	B      []float64 `json:"b"`
	Pulls  int       `json:"pulls"`
}

// State 为 bandit 全部动作的快照，按动作升序排列。
type State struct {
	Dimension int        `json:"dimension"`
	Arms      []ArmState `json:"arms"`
}

type arm struct {
	action int
	a      *mat.SymDense
	b      *mat.VecDense
	pulls  int
}

// LinTS 为线性 Thompson 采样策略。每个交易对持有独立实例。
type LinTS struct {
	mu     sync.Mutex
	cfg    config.BanditConfig
	logger *zap.Logger
	rng    *rand.Rand
	arms   []*arm
}

// DefaultConfig 返回默认参数。
func DefaultConfig() config.BanditConfig {
	return config.BanditConfig{
		Dimension:  8,
		Actions:    []int{0, 1, 2, 3},
		Ridge:      1,
		NoiseScale: 1,
		Seed:       1,
	}
}

// NewSource 根据种子构造可复现的随机源。
func NewSource(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// New 创建 LinTS；rng 为空时按 cfg.Seed 构造。
func New(cfg config.BanditConfig, rng *rand.Rand, logger *zap.Logger) (*LinTS, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("bandit: 维度必须大于0，当前 %d", cfg.Dimension)
	}
	if len(cfg.Actions) == 0 {
		return nil, fmt.Errorf("bandit: 动作集合不能为空")
	}
	if cfg.Ridge <= 0 || math.IsNaN(cfg.Ridge) {
		return nil, fmt.Errorf("bandit: ridge 必须大于0，当前 %v", cfg.Ridge)
	}
	if cfg.NoiseScale <= 0 || math.IsNaN(cfg.NoiseScale) {
		return nil, fmt.Errorf("bandit: noise_scale 必须大于0，当前 %v", cfg.NoiseScale)
	}

	actions := slices.Clone(cfg.Actions)
	slices.Sort(actions)
	actions = slices.Compact(actions)
	cfg.Actions = actions

	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		rng = NewSource(cfg.Seed)
	}

	l := &LinTS{
		cfg:    cfg,
		logger: logger,
		rng:    rng,
	}
	l.resetArms()
	return l, nil
}

// Actions 返回升序动作集合。
func (l *LinTS) Actions() []int {
	return slices.Clone(l.cfg.Actions)
}

// Dimension 返回特征维度。
func (l *LinTS) Dimension() int {
	return l.cfg.Dimension
}

// Choose 为每个动作从后验采样 θ 并返回 θ·x 最大的动作，平分时取编号最小者。
func (l *LinTS) Choose(x []float64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	xv := l.vec(x)
	best := l.arms[0].action
	bestScore := math.Inf(-1)
	for _, a := range l.arms {
		score := mat.Dot(l.sample(a), xv)
		if score > bestScore {
			best = a.action
			bestScore = score
		}
	}

	l.logger.Debug("bandit 选择动作",
		zap.Int("action", best),
		zap.Float64("score", bestScore),
	)
	return best
}

// Update 以 reward 更新动作 action 的后验：A += x·xᵀ，b += reward·x。
func (l *LinTS) Update(action int, x []float64, reward float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.arm(action)
	xv := l.vec(x)
	a.a.SymRankOne(a.a, 1, xv)
	a.b.AddScaledVec(a.b, reward, xv)
	a.pulls++
}

// Reset 将全部动作恢复到先验。
func (l *LinTS) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetArms()
}

// State 返回后验参数的深拷贝。
func (l *LinTS) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.cfg.Dimension
	state := State{Dimension: d, Arms: make([]ArmState, 0, len(l.arms))}
	for _, a := range l.arms {
		flat := make([]float64, 0, d*d)
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				flat = append(flat, a.a.At(i, j))
			}
		}
		state.Arms = append(state.Arms, ArmState{
			Action: a.action,
			A:      flat,
			B:      slices.Clone(a.b.RawVector().Data),
			Pulls:  a.pulls,
		})
	}
	return state
}

// PosteriorMean 返回动作的后验均值 A⁻¹b。
func (l *LinTS) PosteriorMean(action int) []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.arm(action)
	chol := l.factorize(a)
	var mu mat.VecDense
	l.check(a, chol.SolveVecTo(&mu, a.b))
	return slices.Clone(mu.RawVector().Data)
}

func (l *LinTS) resetArms() {
	d := l.cfg.Dimension
	l.arms = make([]*arm, 0, len(l.cfg.Actions))
	for _, action := range l.cfg.Actions {
		a := mat.NewSymDense(d, nil)
		for i := 0; i < d; i++ {
			a.SetSym(i, i, l.cfg.Ridge)
		}
		l.arms = append(l.arms, &arm{
			action: action,
			a:      a,
			b:      mat.NewVecDense(d, nil),
		})
	}
}

func (l *LinTS) arm(action int) *arm {
	for _, a := range l.arms {
		if a.action == action {
			return a
		}
	}
	panic(fmt.Sprintf("bandit: 未知动作 %d", action))
}

func (l *LinTS) vec(x []float64) *mat.VecDense {
	if len(x) != l.cfg.Dimension {
		panic(fmt.Sprintf("bandit: 特征维度 %d 与配置维度 %d 不一致", len(x), l.cfg.Dimension))
	}
	return mat.NewVecDense(len(x), slices.Clone(x))
}

// factorize 对 A 做 Cholesky 分解。A 由 ridge 初始化且只累加半正定项，失败说明程序缺陷。
func (l *LinTS) factorize(a *arm) *mat.Cholesky {
	var chol mat.Cholesky
	if ok := chol.Factorize(a.a); !ok {
		l.logger.Error("bandit 后验矩阵非正定", zap.Int("action", a.action))
		panic(fmt.Sprintf("bandit: 动作 %d 的后验矩阵非正定", a.action))
	}
	return &chol
}

// sample 抽取 θ ~ N(A⁻¹b, σ²A⁻¹)。A = UᵀU，θ = μ + σ·U⁻¹z。
func (l *LinTS) sample(a *arm) *mat.VecDense {
	d := l.cfg.Dimension
	chol := l.factorize(a)

	var mu mat.VecDense
	l.check(a, chol.SolveVecTo(&mu, a.b))

	z := mat.NewVecDense(d, nil)
	for i := 0; i < d; i++ {
		z.SetVec(i, l.rng.NormFloat64())
	}

	var u mat.TriDense
	chol.UTo(&u)
	var noise mat.VecDense
	l.check(a, noise.SolveVec(&u, z))

	theta := mat.NewVecDense(d, nil)
	theta.AddScaledVec(&mu, math.Sqrt(l.cfg.NoiseScale), &noise)
	return theta
}

// check 处理求解结果。条件数过大仍给出结果，仅记录告警；其余错误视为程序缺陷。
func (l *LinTS) check(a *arm, err error) {
	if err == nil {
		return
	}
	var cond mat.Condition
	if errors.As(err, &cond) {
		l.logger.Warn("bandit 后验矩阵条件数过大",
			zap.Int("action", a.action),
			zap.Float64("condition", float64(cond)),
		)
		return
	}
	panic(fmt.Sprintf("bandit: 动作 %d 后验求解失败: %v", a.action, err))
}

// IsPositiveDefinite 通过 Cholesky 分解检查行主序方阵是否正定。
func IsPositiveDefinite(d int, flat []float64) bool {
	if len(flat) != d*d {
		return false
	}
	sym := mat.NewSymDense(d, slices.Clone(flat))
	var chol mat.Cholesky
	return chol.Factorize(sym)
}
