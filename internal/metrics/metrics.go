package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exec-bandit/internal/execution"
	"exec-bandit/internal/risk"
)

const namespace = "execbandit"

// Metrics 聚合执行决策相关的 Prometheus 指标。
type Metrics struct {
	registry *prometheus.Registry

	decisions  *prometheus.CounterVec
	suggested  *prometheus.CounterVec
	cost       *prometheus.HistogramVec
	skipped    *prometheus.CounterVec
	halts      *prometheus.CounterVec
	apiCalls   *prometheus.CounterVec
	openNotion *prometheus.GaugeVec
	estPnL     *prometheus.GaugeVec
}

// New 创建独立注册表下的指标集合。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Executed decisions by action.",
		}, []string{"symbol", "mode", "action"}),
		suggested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shadow_suggestions_total",
			Help:      "Bandit suggestions recorded in shadow mode.",
		}, []string{"symbol", "action"}),
		cost: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "realized_cost_bps",
			Help:      "Realized execution cost in basis points.",
			Buckets:   []float64{-10, -5, -2, -1, 0, 1, 2, 5, 10, 20},
		}, []string{"symbol", "action"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_ticks_total",
			Help:      "Ticks without a decision.",
		}, []string{"symbol"}),
		halts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_halts_total",
			Help:      "Risk guard halts by reason.",
		}, []string{"symbol", "reason"}),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_calls_total",
			Help:      "Exchange calls by result.",
		}, []string{"symbol", "result"}),
		openNotion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_notional",
			Help:      "Open notional fed to the risk guard.",
		}, []string{"symbol"}),
		estPnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "estimated_pnl",
			Help:      "Estimated PnL fed to the risk guard.",
		}, []string{"symbol"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions, m.suggested, m.cost, m.skipped, m.halts, m.apiCalls, m.openNotion, m.estPnL,
	)
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision 记录一次已执行决策及其成本。
func (m *Metrics) ObserveDecision(symbol, mode string, action execution.Action, costBps float64) {
	m.decisions.WithLabelValues(symbol, mode, action.String()).Inc()
	m.cost.WithLabelValues(symbol, action.String()).Observe(costBps)
}

// ObserveSuggestion 记录影子模式的建议动作。
func (m *Metrics) ObserveSuggestion(symbol string, action execution.Action) {
	m.suggested.WithLabelValues(symbol, action.String()).Inc()
}

// Skip 记录无决策的 tick。
func (m *Metrics) Skip(symbol string) {
	m.skipped.WithLabelValues(symbol).Inc()
}

// Halt 记录熔断。
func (m *Metrics) Halt(symbol string, reason risk.Reason) {
	m.halts.WithLabelValues(symbol, string(reason)).Inc()
}

// SetExposure 更新风控输入。
func (m *Metrics) SetExposure(symbol string, openNotional, estPnL float64) {
	m.openNotion.WithLabelValues(symbol).Set(openNotional)
	m.estPnL.WithLabelValues(symbol).Set(estPnL)
}

// Recorder 返回按交易对统计交易所调用结果的记录器。
func (m *Metrics) Recorder(symbol string) *APIRecorder {
	return &APIRecorder{
		ok:   m.apiCalls.WithLabelValues(symbol, "ok"),
		fail: m.apiCalls.WithLabelValues(symbol, "error"),
	}
}

// APIRecorder 统计交易所调用结果，可与风控记录器串联使用。
type APIRecorder struct {
	ok   prometheus.Counter
	fail prometheus.Counter
}

// RecordAPI 记录一次调用。
func (r *APIRecorder) RecordAPI(ok bool, _ int64) {
	if ok {
		r.ok.Inc()
		return
	}
	r.fail.Inc()
}
