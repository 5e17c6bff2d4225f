package execution

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"exec-bandit/internal/exchange"
)

type mockOrderClient struct {
	calls       []string
	filledAfter int
	average     float64
	lastParams  map[string]interface{}
	lastAmount  float64
	lastPrice   float64
	fetches     int
	submitErr   error
}

func ptrString(v string) *string  { return &v }
func ptrFloat(v float64) *float64 { return &v }

func (m *mockOrderClient) CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error) {
	m.calls = append(m.calls, "CreateMarketOrder")
	m.lastAmount = amount
	if m.submitErr != nil {
		return ccxt.Order{}, m.submitErr
	}
	return ccxt.Order{Id: ptrString("mkt-1")}, nil
}

func (m *mockOrderClient) CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error) {
	m.calls = append(m.calls, "CreateLimitOrder")
	m.lastAmount = amount
	m.lastPrice = price
	return ccxt.Order{Id: ptrString("lmt-1")}, nil
}

func (m *mockOrderClient) FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error) {
	m.calls = append(m.calls, "FetchOrder")
	m.fetches++
	order := ccxt.Order{Id: ptrString(id), Filled: ptrFloat(0)}
	if id == "mkt-1" {
		order.Average = ptrFloat(m.average)
		return order, nil
	}
	if m.filledAfter > 0 && m.fetches >= m.filledAfter {
		order.Filled = ptrFloat(1)
		order.Average = ptrFloat(m.average)
	}
	return order, nil
}

func (m *mockOrderClient) CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error) {
	m.calls = append(m.calls, "CancelOrder")
	return ccxt.Order{Id: ptrString(id)}, nil
}

type staticBooks struct {
	book exchange.OrderBookSnapshot
	err  error
}

func (s staticBooks) FetchOrderBook(ctx context.Context, depth int64) (exchange.OrderBookSnapshot, error) {
	return s.book, s.err
}

type countingRecorder struct {
	ok, failed int
}

func (r *countingRecorder) RecordAPI(ok bool, tsMs int64) {
	if ok {
		r.ok++
	} else {
		r.failed++
	}
}

func testOptions() Options {
	return Options{
		MinNotional:         20,
		PollInterval:        time.Millisecond,
		MaxRetry:            2,
		InsidePriceFraction: 0.5,
		EdgePriceFraction:   0,
		RetryWait:           time.Millisecond,
	}
}

func TestExecuteAction_WaitIsNoop(t *testing.T) {
	client := &mockOrderClient{}
	exec := NewExecutor(client, staticBooks{}, "BTC/USDT:USDT", testOptions(), nil)
	report, err := exec.ExecuteAction(context.Background(), ActionWait, buyIntent(), false)
	if err != nil {
		t.Fatalf("ExecuteAction returned error: %v", err)
	}
	if report.Status != StatusNoop || len(client.calls) != 0 {
		t.Fatalf("expected noop without calls, got %s %v", report.Status, client.calls)
	}
}

func TestExecuteAction_NoBook(t *testing.T) {
	client := &mockOrderClient{}
	books := staticBooks{book: exchange.BookFromLevels("X", time.Now(), nil, [][2]float64{{1, 1}})}
	exec := NewExecutor(client, books, "X", testOptions(), nil)
	report, err := exec.ExecuteAction(context.Background(), ActionTakerNow, buyIntent(), false)
	if err != nil {
		t.Fatalf("ExecuteAction returned error: %v", err)
	}
	if report.Status != StatusNoBook {
		t.Fatalf("expected no_book, got %s", report.Status)
	}
}

func TestExecuteAction_TakerFillsAtAverage(t *testing.T) {
	client := &mockOrderClient{average: 100.25}
	recorder := &countingRecorder{}
	exec := NewExecutor(client, staticBooks{book: testBook(100.0, 100.2)}, "BTC/USDT:USDT", testOptions(), nil)
	exec.SetRecorder(recorder)

	report, err := exec.ExecuteAction(context.Background(), ActionTakerNow, buyIntent(), false)
	if err != nil {
		t.Fatalf("ExecuteAction returned error: %v", err)
	}
	if report.Status != StatusFilled || report.Price != 100.25 {
		t.Fatalf("unexpected report %+v", report)
	}
	if want := 100 / 100.1; math.Abs(client.lastAmount-want) > 1e-9 {
		t.Errorf("amount = %v, want %v", client.lastAmount, want)
	}
	if recorder.ok != 2 || recorder.failed != 0 {
		t.Errorf("expected 2 recorded calls, got %+v", recorder)
	}

	out, ok := report.Outcome(OrderSideBuy, 0)
	if !ok || out.RealizedCostBps <= 0 {
		t.Fatalf("expected positive cost outcome, got %+v %v", out, ok)
	}
}

func TestExecuteAction_BumpsToMinNotional(t *testing.T) {
	client := &mockOrderClient{average: 100.2}
	exec := NewExecutor(client, staticBooks{book: testBook(100.0, 100.2)}, "BTC/USDT:USDT", testOptions(), nil)
	intent := buyIntent()
	intent.Notional = 5

	report, err := exec.ExecuteAction(context.Background(), ActionTakerNow, intent, false)
	if err != nil {
		t.Fatalf("ExecuteAction returned error: %v", err)
	}
	if math.Abs(report.Notional-20) > 1e-9 {
		t.Fatalf("notional = %v, want 20", report.Notional)
	}

	report, _ = exec.ExecuteAction(context.Background(), ActionTakerNow, intent, true)
	if math.Abs(report.Notional-5) > 1e-9 {
		t.Fatalf("reduce-only orders must not be bumped, got %v", report.Notional)
	}
}

func TestExecuteAction_MakerFillsBeforeDeadline(t *testing.T) {
	client := &mockOrderClient{filledAfter: 2, average: 100.1}
	exec := NewExecutor(client, staticBooks{book: testBook(100.0, 100.2)}, "BTC/USDT:USDT", testOptions(), nil)
	intent := buyIntent()
	intent.Deadline = time.Second

	report, err := exec.ExecuteAction(context.Background(), ActionMakerInside, intent, false)
	if err != nil {
		t.Fatalf("ExecuteAction returned error: %v", err)
	}
	if report.Status != StatusFilled || report.Price != 100.1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if math.Abs(client.lastPrice-100.1) > 1e-9 {
		t.Errorf("limit price = %v, want 100.1", client.lastPrice)
	}
	for _, call := range client.calls {
		if call == "CancelOrder" || call == "CreateMarketOrder" {
			t.Fatalf("filled maker should not cross, calls=%v", client.calls)
		}
	}
}

func TestExecuteAction_MakerCrossesAfterDeadline(t *testing.T) {
	client := &mockOrderClient{average: 100.2}
	exec := NewExecutor(client, staticBooks{book: testBook(100.0, 100.2)}, "BTC/USDT:USDT", testOptions(), nil)
	intent := buyIntent()
	intent.Deadline = 5 * time.Millisecond

	report, err := exec.ExecuteAction(context.Background(), ActionPostOnlyEdge, intent, false)
	if err != nil {
		t.Fatalf("ExecuteAction returned error: %v", err)
	}
	if report.Status != StatusFilledAfterCross {
		t.Fatalf("expected filled_after_cross, got %s", report.Status)
	}
	if report.Price != 100.2 || report.OrderID != "mkt-1" {
		t.Fatalf("unexpected report %+v", report)
	}
	if client.lastPrice != 100.0 {
		t.Errorf("edge buy should post at the bid, got %v", client.lastPrice)
	}

	var sawCancel bool
	for _, call := range client.calls {
		if call == "CancelOrder" {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Fatalf("expected cancel before cross, calls=%v", client.calls)
	}
}

func TestExecuteAction_NonRetryableSubmitError(t *testing.T) {
	client := &mockOrderClient{submitErr: errors.New("insufficient margin")}
	recorder := &countingRecorder{}
	exec := NewExecutor(client, staticBooks{book: testBook(100.0, 100.2)}, "BTC/USDT:USDT", testOptions(), nil)
	exec.SetRecorder(recorder)

	if _, err := exec.ExecuteAction(context.Background(), ActionTakerNow, buyIntent(), false); err == nil {
		t.Fatal("expected error")
	}
	if len(client.calls) != 1 || recorder.failed != 1 {
		t.Fatalf("expected a single failed attempt, calls=%v recorder=%+v", client.calls, recorder)
	}
}

func TestBuildOrderRequest_MakerParams(t *testing.T) {
	intent := buyIntent()
	intent.Side = OrderSideSell
	order, err := buildOrderRequest(ActionMakerInside, intent, 100.0, 100.2, testOptions(), true)
	if err != nil {
		t.Fatalf("buildOrderRequest returned error: %v", err)
	}
	if order.Type != "limit" || math.Abs(order.Price-100.1) > 1e-9 {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.Params["postOnly"] != true || order.Params["timeInForce"] != "GTX" || order.Params["reduceOnly"] != true {
		t.Fatalf("unexpected params %v", order.Params)
	}
	if order.ClientOrder == "" || order.Params["clientOrderId"] != order.ClientOrder {
		t.Fatalf("client order id not propagated: %+v", order)
	}

	if _, err := buildOrderRequest(ActionWait, intent, 100, 100.2, testOptions(), false); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("wait has no order, got %v", err)
	}
}

func TestExecuteAction_LogsBumpOnlyBelowMinimum(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	client := &mockOrderClient{average: 100.2}
	exec := NewExecutor(client, staticBooks{book: testBook(100.0, 100.2)}, "BTC/USDT:USDT", testOptions(), zap.New(core))

	intent := buyIntent()
	intent.Notional = 23.3
	if _, err := exec.ExecuteAction(context.Background(), ActionTakerNow, intent, false); err != nil {
		t.Fatalf("ExecuteAction returned error: %v", err)
	}
	if n := logs.FilterMessage("名义金额低于交易所下限，已上调").Len(); n != 0 {
		t.Fatalf("notional above minimum should not log a bump, got %d", n)
	}

	intent.Notional = 5
	if _, err := exec.ExecuteAction(context.Background(), ActionTakerNow, intent, false); err != nil {
		t.Fatalf("ExecuteAction returned error: %v", err)
	}
	if n := logs.FilterMessage("名义金额低于交易所下限，已上调").Len(); n != 1 {
		t.Fatalf("expected one bump log, got %d", n)
	}
}
