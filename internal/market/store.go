// Package market keeps the display-ready market data for one symbol
// subscription: depth snapshot, recent trades, and two bounded candlestick
// series (primary and secondary interval).
package market

import (
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taderjoe-dash/internal/orchestrator"
)

const (
	// DefaultMaxTrades bounds the recent-trades ring.
	DefaultMaxTrades = 50
	// DefaultMaxKlines bounds each closed-kline series.
	DefaultMaxKlines = 100
)

// Invoker sends hub commands. Satisfied by *orchestrator.Client.
type Invoker interface {
	Invoke(method string, args ...any) error
}

// State is a copy of the store's collections for readers.
type State struct {
	Symbol                string     `json:"symbol"`
	OrderBook             *OrderBook `json:"orderBook"`
	RecentTrades          []Trade    `json:"recentTrades"`
	PrimaryKlines         []Kline    `json:"primaryKlines"`
	SecondaryKlines       []Kline    `json:"secondaryKlines"`
	CurrentPrimaryKline   *Kline     `json:"currentPrimaryKline"`
	CurrentSecondaryKline *Kline     `json:"currentSecondaryKline"`
	LastUpdate            *time.Time `json:"lastUpdate"`
}

// Store reduces MarketUiUpdate events for a single (symbol, primary interval,
// secondary interval) subscription.
type Store struct {
	symbol    string
	primary   string
	secondary string
	maxTrades int
	maxKlines int
	inv       Invoker
	log       *log.Entry

	mu           sync.RWMutex
	orderBook    *OrderBook
	trades       []Trade
	primarySer   []Kline
	secondarySer []Kline
	curPrimary   *Kline
	curSecondary *Kline
	lastUpdate   *time.Time
	subscribed   bool
}

// Options tune a Store; zero values take the defaults above.
type Options struct {
	MaxTrades int
	MaxKlines int
}

// NewStore creates a store for one symbol. inv is used for the subscribe
// round-trips and may be nil in pure-reducer tests.
func NewStore(symbol, primaryInterval, secondaryInterval string, inv Invoker, opts Options) *Store {
	if opts.MaxTrades <= 0 {
		opts.MaxTrades = DefaultMaxTrades
	}
	if opts.MaxKlines <= 0 {
		opts.MaxKlines = DefaultMaxKlines
	}
	return &Store{
		symbol:    symbol,
		primary:   primaryInterval,
		secondary: secondaryInterval,
		maxTrades: opts.MaxTrades,
		maxKlines: opts.MaxKlines,
		inv:       inv,
		log:       log.WithField("component", "market").WithField("symbol", symbol),
	}
}

// Symbol returns the symbol this store owns.
func (s *Store) Symbol() string { return s.symbol }

// Bind registers the update handler and re-subscribes after reconnects.
func (s *Store) Bind(c *orchestrator.Client, sessionID func() string) {
	c.On(orchestrator.EventMarketUiUpdate, func(payload json.RawMessage) {
		var update orchestrator.MarketUiUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			s.log.WithError(err).Warn("dropping malformed market update")
			return
		}
		s.ApplyUpdate(update)
	})
	c.OnStateChange(func(cs orchestrator.ConnectionState) {
		switch cs.Status {
		case orchestrator.StatusConnected:
			if err := s.Subscribe(sessionID()); err != nil {
				s.log.WithError(err).Warn("subscribe failed")
			}
		default:
			// Data is not live across a gap; the flag drops so the next
			// connect issues a fresh subscribe.
			s.markUnsubscribed()
		}
	})
}

// Subscribe issues SubscribeSymbol once. Calling it again while subscribed is
// a no-op.
func (s *Store) Subscribe(sessionID string) error {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil
	}
	s.subscribed = true
	s.mu.Unlock()

	if err := s.inv.Invoke(orchestrator.MethodSubscribeSymbol, sessionID, s.symbol); err != nil {
		s.markUnsubscribed()
		return err
	}
	s.log.Info("subscribed")
	return nil
}

// Unsubscribe issues UnsubscribeSymbol if currently subscribed. Best-effort:
// a dead link only gets logged, teardown proceeds either way.
func (s *Store) Unsubscribe(sessionID string) {
	s.mu.Lock()
	if !s.subscribed {
		s.mu.Unlock()
		return
	}
	s.subscribed = false
	s.mu.Unlock()

	if err := s.inv.Invoke(orchestrator.MethodUnsubscribeSymbol, sessionID, s.symbol); err != nil {
		s.log.WithError(err).Debug("unsubscribe failed")
		return
	}
	s.log.Info("unsubscribed")
}

func (s *Store) markUnsubscribed() {
	s.mu.Lock()
	s.subscribed = false
	s.mu.Unlock()
}

// Subscribed reports whether a subscribe has been issued on the live link.
func (s *Store) Subscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// ApplyUpdate routes one wrapped market event. Updates for other symbols are
// ignored; unparseable payloads are logged and dropped with no state change.
func (s *Store) ApplyUpdate(update orchestrator.MarketUiUpdate) {
	if update.Symbol != s.symbol {
		return
	}

	switch update.Type {
	case orchestrator.MarketUpdateOrderBook:
		var book OrderBook
		if err := json.Unmarshal([]byte(update.Payload), &book); err != nil {
			s.log.WithError(err).Warn("dropping malformed orderbook payload")
			return
		}
		s.setOrderBook(book)

	case orchestrator.MarketUpdateTrade:
		var trade Trade
		if err := json.Unmarshal([]byte(update.Payload), &trade); err != nil {
			s.log.WithError(err).Warn("dropping malformed trade payload")
			return
		}
		s.addTrade(trade)

	case orchestrator.MarketUpdateKline:
		var kline Kline
		if err := json.Unmarshal([]byte(update.Payload), &kline); err != nil {
			s.log.WithError(err).Warn("dropping malformed kline payload")
			return
		}
		s.upsertClosedKline(kline)

	case orchestrator.MarketUpdateCurrentKline:
		var kline Kline
		if err := json.Unmarshal([]byte(update.Payload), &kline); err != nil {
			s.log.WithError(err).Warn("dropping malformed current-kline payload")
			return
		}
		s.setCurrentKline(kline)

	default:
		s.log.Debugf("ignoring unknown market update type %q", update.Type)
	}
}

// setOrderBook replaces the depth snapshot wholesale.
func (s *Store) setOrderBook(book OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderBook = &book
	s.touch()
}

// addTrade prepends the trade and trims the ring to maxTrades.
func (s *Store) addTrade(trade Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append([]Trade{trade}, s.trades...)
	if len(s.trades) > s.maxTrades {
		s.trades = s.trades[:s.maxTrades]
	}
	s.touch()
}

// upsertClosedKline inserts or replaces by OpenTime in the series matching the
// kline's interval, then trims to the newest maxKlines. Unmatched intervals
// are dropped.
func (s *Store) upsertClosedKline(kline Kline) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var series *[]Kline
	switch kline.Interval {
	case s.primary:
		series = &s.primarySer
	case s.secondary:
		series = &s.secondarySer
	default:
		s.log.Debugf("kline interval %q matches neither series", kline.Interval)
		return
	}

	for i := range *series {
		if (*series)[i].OpenTime == kline.OpenTime {
			(*series)[i] = kline
			s.touch()
			return
		}
	}
	*series = append(*series, kline)
	if n := len(*series); n > s.maxKlines {
		*series = (*series)[n-s.maxKlines:]
	}
	s.touch()
}

// setCurrentKline replaces the in-progress slot for the matching interval.
func (s *Store) setCurrentKline(kline Kline) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kline.Interval {
	case s.primary:
		s.curPrimary = &kline
	case s.secondary:
		s.curSecondary = &kline
	default:
		s.log.Debugf("current kline interval %q matches neither series", kline.Interval)
		return
	}
	s.touch()
}

func (s *Store) touch() {
	now := time.Now().UTC()
	s.lastUpdate = &now
}

// Snapshot returns a copy of all collections.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := State{Symbol: s.symbol}
	if s.orderBook != nil {
		book := *s.orderBook
		book.Bids = append([]OrderBookLevel(nil), s.orderBook.Bids...)
		book.Asks = append([]OrderBookLevel(nil), s.orderBook.Asks...)
		out.OrderBook = &book
	}
	out.RecentTrades = append([]Trade(nil), s.trades...)
	out.PrimaryKlines = append([]Kline(nil), s.primarySer...)
	out.SecondaryKlines = append([]Kline(nil), s.secondarySer...)
	if s.curPrimary != nil {
		k := *s.curPrimary
		out.CurrentPrimaryKline = &k
	}
	if s.curSecondary != nil {
		k := *s.curSecondary
		out.CurrentSecondaryKline = &k
	}
	if s.lastUpdate != nil {
		ts := *s.lastUpdate
		out.LastUpdate = &ts
	}
	return out
}
