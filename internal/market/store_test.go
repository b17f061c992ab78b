package market

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taderjoe-dash/internal/orchestrator"
)

type fakeInvoker struct {
	calls []string
	err   error
}

func (f *fakeInvoker) Invoke(method string, args ...any) error {
	f.calls = append(f.calls, method)
	return f.err
}

func newTestStore(inv Invoker) *Store {
	return NewStore("BTCUSDT", "1m", "15m", inv, Options{MaxTrades: 3, MaxKlines: 5})
}

func wrap(t *testing.T, typ string, payload any) orchestrator.MarketUiUpdate {
	t.Helper()
	inner, err := json.Marshal(payload)
	require.NoError(t, err)
	return orchestrator.MarketUiUpdate{Type: typ, Symbol: "BTCUSDT", Payload: string(inner)}
}

func closedKline(interval string, openTime int64, close string) Kline {
	return Kline{
		Symbol:   "BTCUSDT",
		Interval: interval,
		OpenTime: openTime,
		Close:    close,
		IsClosed: true,
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	inv := &fakeInvoker{}
	s := newTestStore(inv)

	require.NoError(t, s.Subscribe("s1"))
	require.NoError(t, s.Subscribe("s1"))

	assert.Equal(t, []string{orchestrator.MethodSubscribeSymbol}, inv.calls)
	assert.True(t, s.Subscribed())
}

func TestSubscribeFailureRollsBackFlag(t *testing.T) {
	inv := &fakeInvoker{err: fmt.Errorf("link down")}
	s := newTestStore(inv)

	require.Error(t, s.Subscribe("s1"))
	assert.False(t, s.Subscribed(), "failed subscribe must allow a retry")

	inv.err = nil
	require.NoError(t, s.Subscribe("s1"))
	assert.True(t, s.Subscribed())
}

func TestUnsubscribeOnlyWhenSubscribed(t *testing.T) {
	inv := &fakeInvoker{}
	s := newTestStore(inv)

	s.Unsubscribe("s1")
	assert.Empty(t, inv.calls)

	require.NoError(t, s.Subscribe("s1"))
	s.Unsubscribe("s1")
	assert.Equal(t, []string{
		orchestrator.MethodSubscribeSymbol,
		orchestrator.MethodUnsubscribeSymbol,
	}, inv.calls)
}

func TestApplyUpdateIgnoresOtherSymbols(t *testing.T) {
	s := newTestStore(nil)

	update := wrap(t, orchestrator.MarketUpdateTrade, Trade{Symbol: "ETHUSDT", TradeID: 1})
	update.Symbol = "ETHUSDT"
	s.ApplyUpdate(update)

	st := s.Snapshot()
	assert.Empty(t, st.RecentTrades)
	assert.Nil(t, st.LastUpdate)
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	s := newTestStore(nil)

	s.ApplyUpdate(orchestrator.MarketUiUpdate{
		Type:    orchestrator.MarketUpdateTrade,
		Symbol:  "BTCUSDT",
		Payload: "{not json",
	})

	st := s.Snapshot()
	assert.Empty(t, st.RecentTrades)
	assert.Nil(t, st.LastUpdate)
}

func TestOrderBookReplacedWholesale(t *testing.T) {
	s := newTestStore(nil)

	s.ApplyUpdate(wrap(t, orchestrator.MarketUpdateOrderBook, OrderBook{
		Symbol:       "BTCUSDT",
		LastUpdateID: 1,
		Bids:         []OrderBookLevel{{Price: "100", Quantity: "1"}},
		Asks:         []OrderBookLevel{{Price: "101", Quantity: "2"}},
	}))
	s.ApplyUpdate(wrap(t, orchestrator.MarketUpdateOrderBook, OrderBook{
		Symbol:       "BTCUSDT",
		LastUpdateID: 2,
		Bids:         []OrderBookLevel{{Price: "99", Quantity: "3"}},
	}))

	st := s.Snapshot()
	require.NotNil(t, st.OrderBook)
	assert.Equal(t, int64(2), st.OrderBook.LastUpdateID)
	require.Len(t, st.OrderBook.Bids, 1)
	assert.Equal(t, "99", st.OrderBook.Bids[0].Price)
	assert.Empty(t, st.OrderBook.Asks)
	require.NotNil(t, st.LastUpdate)
}

func TestRecentTradesNewestFirstAndBounded(t *testing.T) {
	s := newTestStore(nil)

	for i := 1; i <= 5; i++ {
		s.ApplyUpdate(wrap(t, orchestrator.MarketUpdateTrade, Trade{
			Symbol:  "BTCUSDT",
			TradeID: int64(i),
		}))
	}

	st := s.Snapshot()
	require.Len(t, st.RecentTrades, 3)
	assert.Equal(t, int64(5), st.RecentTrades[0].TradeID)
	assert.Equal(t, int64(3), st.RecentTrades[2].TradeID)
}

func TestClosedKlineUpsertsByOpenTime(t *testing.T) {
	s := newTestStore(nil)

	s.ApplyUpdate(wrap(t, orchestrator.MarketUpdateKline, closedKline("1m", 1000, "10")))
	s.ApplyUpdate(wrap(t, orchestrator.MarketUpdateKline, closedKline("1m", 2000, "11")))
	// Same open time: replace, not append.
	s.ApplyUpdate(wrap(t, orchestrator.MarketUpdateKline, closedKline("1m", 1000, "12")))

	st := s.Snapshot()
	require.Len(t, st.PrimaryKlines, 2)
	assert.Equal(t, "12", st.PrimaryKlines[0].Close)
	assert.Equal(t, "11", st.PrimaryKlines[1].Close)
	assert.Empty(t, st.SecondaryKlines)
}

func TestClosedKlineSeriesKeepsNewest(t *testing.T) {
	s := newTestStore(nil)

	for i := 0; i < 8; i++ {
		s.ApplyUpdate(wrap(t, orchestrator.MarketUpdateKline, closedKline("15m", int64(i*1000), "1")))
	}

	st := s.Snapshot()
	require.Len(t, st.SecondaryKlines, 5)
	assert.Equal(t, int64(3000), st.SecondaryKlines[0].OpenTime)
	assert.Equal(t, int64(7000), st.SecondaryKlines[4].OpenTime)
}

func TestUnknownIntervalIsDropped(t *testing.T) {
	s := newTestStore(nil)

	s.ApplyUpdate(wrap(t, orchestrator.MarketUpdateKline, closedKline("5m", 1000, "10")))

	st := s.Snapshot()
	assert.Empty(t, st.PrimaryKlines)
	assert.Empty(t, st.SecondaryKlines)
	assert.Nil(t, st.LastUpdate)
}

func TestCurrentKlineSlotPerInterval(t *testing.T) {
	s := newTestStore(nil)

	k1 := closedKline("1m", 1000, "10")
	k1.IsClosed = false
	s.ApplyUpdate(wrap(t, orchestrator.MarketUpdateCurrentKline, k1))

	k2 := closedKline("15m", 2000, "11")
	k2.IsClosed = false
	s.ApplyUpdate(wrap(t, orchestrator.MarketUpdateCurrentKline, k2))

	st := s.Snapshot()
	require.NotNil(t, st.CurrentPrimaryKline)
	assert.Equal(t, int64(1000), st.CurrentPrimaryKline.OpenTime)
	require.NotNil(t, st.CurrentSecondaryKline)
	assert.Equal(t, int64(2000), st.CurrentSecondaryKline.OpenTime)
	assert.Empty(t, st.PrimaryKlines, "in-progress klines stay out of the closed series")
}

func TestUnknownUpdateTypeIsIgnored(t *testing.T) {
	s := newTestStore(nil)

	s.ApplyUpdate(orchestrator.MarketUiUpdate{
		Type:    "ticker",
		Symbol:  "BTCUSDT",
		Payload: "{}",
	})

	assert.Nil(t, s.Snapshot().LastUpdate)
}
