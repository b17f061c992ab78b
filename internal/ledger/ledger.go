// Package ledger derives the trade history view from strategy entry/exit
// signals: per-symbol FIFO matching of entries to exits, completed-trade
// records, and running PnL aggregates.
package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"taderjoe-dash/internal/orchestrator"
)

// OpenTrade is an entry signal awaiting its exit.
type OpenTrade struct {
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	Interval     string  `json:"interval"`
	StrategyMode string  `json:"strategyMode"`
	EntryTime    int64   `json:"entryTime"`
	EntryPrice   float64 `json:"entryPrice"`
}

// CompletedTrade is a matched entry/exit pair.
type CompletedTrade struct {
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	Interval     string  `json:"interval"`
	StrategyMode string  `json:"strategyMode"`
	EntryTime    int64   `json:"entryTime"`
	EntryPrice   float64 `json:"entryPrice"`
	ExitTime     int64   `json:"exitTime"`
	ExitPrice    float64 `json:"exitPrice"`
	ExitReason   string  `json:"exitReason"`
	Pnl          float64 `json:"pnl"`
	PnlPercent   float64 `json:"pnlPercent"`
	Duration     int64   `json:"duration"`
}

// SymbolStats summarizes completed trades for one symbol.
type SymbolStats struct {
	Symbol      string  `json:"symbol"`
	TotalTrades int     `json:"totalTrades"`
	WinCount    int     `json:"winCount"`
	LossCount   int     `json:"lossCount"`
	TotalPnl    float64 `json:"totalPnl"`
	AvgPnl      float64 `json:"avgPnl"`
	WinRate     float64 `json:"winRate"`
	BestTrade   float64 `json:"bestTrade"`
	WorstTrade  float64 `json:"worstTrade"`
}

// PnlPoint is one step of the cumulative PnL series.
type PnlPoint struct {
	Time int64   `json:"time"`
	Pnl  float64 `json:"pnl"`
}

// State is a copy of the ledger for readers.
type State struct {
	SessionID       string                 `json:"sessionId"`
	Visible         bool                   `json:"visible"`
	OpenTrades      map[string][]OpenTrade `json:"openTrades"`
	CompletedTrades []CompletedTrade       `json:"completedTrades"`
	TotalPnl        float64                `json:"totalPnl"`
	TradeCount      int                    `json:"tradeCount"`
	WinCount        int                    `json:"winCount"`
	LossCount       int                    `json:"lossCount"`
	UnmatchedExits  int                    `json:"unmatchedExits"`
}

// Recorder receives completed trades for persistence or republish. Calls must
// not block the reducer; implementations hand off to their own goroutines.
type Recorder interface {
	RecordCompletedTrade(sessionID string, trade CompletedTrade)
}

// Ledger owns all trade-matching state. Construct one per dashboard instance;
// the entry-id sequence is instance state, never shared.
type Ledger struct {
	mu        sync.RWMutex
	sessionID string
	visible   bool
	open      map[string][]OpenTrade
	completed []CompletedTrade
	totalPnl  float64
	trades    int
	wins      int
	losses    int
	unmatched int
	idSeq     int

	recorders []Recorder
	log       *log.Entry
}

// New creates an empty ledger. Recorders are optional.
func New(recorders ...Recorder) *Ledger {
	return &Ledger{
		open:      make(map[string][]OpenTrade),
		recorders: recorders,
		log:       log.WithField("component", "ledger"),
	}
}

// Bind registers the trade-event handler and the session-reset watcher on the
// orchestrator client.
func (l *Ledger) Bind(c *orchestrator.Client) {
	c.On(orchestrator.EventStrategyTradeEvent, func(payload json.RawMessage) {
		var ev orchestrator.StrategyTradeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			l.log.WithError(err).Warn("dropping malformed trade event")
			return
		}
		l.HandleTradeEvent(ev)
	})
	c.On(orchestrator.EventSessionStateChanged, func(payload json.RawMessage) {
		var ev orchestrator.SessionStateChanged
		if err := json.Unmarshal(payload, &ev); err != nil {
			return
		}
		if ev.SessionID != nil {
			l.MaybeResetFor(*ev.SessionID)
		}
	})
}

// HandleTradeEvent applies one entry or exit signal. Unknown types and events
// without a symbol are logged and dropped; the reducer never fails.
func (l *Ledger) HandleTradeEvent(ev orchestrator.StrategyTradeEvent) {
	if ev.Symbol == "" {
		l.log.Warn("trade event missing symbol")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sessionID = ev.SessionID
	l.visible = true

	switch ev.EventType {
	case orchestrator.TradeEventEntry:
		l.idSeq++
		entry := OpenTrade{
			ID:           fmt.Sprintf("trade_%d", l.idSeq),
			Symbol:       ev.Symbol,
			Interval:     ev.Interval,
			StrategyMode: ev.StrategyMode,
			EntryTime:    ev.Time,
			EntryPrice:   ev.Price,
		}
		l.open[ev.Symbol] = append(l.open[ev.Symbol], entry)

	case orchestrator.TradeEventExit:
		queue := l.open[ev.Symbol]
		if len(queue) == 0 {
			// Recoverable anomaly: count it for diagnosis, change nothing.
			l.unmatched++
			l.log.Warnf("exit for %s with no open entry", ev.Symbol)
			return
		}
		// FIFO: the exit always closes the oldest open entry for its symbol.
		matched := queue[0]
		l.open[ev.Symbol] = queue[1:]

		completed := CompletedTrade{
			ID:           matched.ID,
			Symbol:       ev.Symbol,
			Interval:     ev.Interval,
			StrategyMode: matched.StrategyMode,
			EntryTime:    matched.EntryTime,
			EntryPrice:   matched.EntryPrice,
			ExitTime:     ev.Time,
			ExitPrice:    ev.Price,
			ExitReason:   ev.ExitReason,
			Pnl:          ev.Pnl,
			PnlPercent:   (ev.Price - matched.EntryPrice) / matched.EntryPrice * 100,
			Duration:     ev.Time - matched.EntryTime,
		}
		l.completed = append(l.completed, completed)
		l.totalPnl += ev.Pnl
		l.trades++
		if ev.Pnl >= 0 {
			l.wins++
		} else {
			l.losses++
		}
		for _, r := range l.recorders {
			r.RecordCompletedTrade(l.sessionID, completed)
		}

	default:
		l.log.Warnf("unknown trade event type %q", ev.EventType)
	}
}

// MaybeResetFor resets the ledger when a genuinely new session identity is
// observed. A repeated id (state churn, re-delivered events) is a no-op so a
// spurious Starting never wipes live data.
func (l *Ledger) MaybeResetFor(sessionID string) {
	if sessionID == "" {
		return
	}
	l.mu.RLock()
	same := l.sessionID == sessionID
	l.mu.RUnlock()
	if same {
		return
	}
	l.log.Infof("new session %s, resetting ledger", sessionID)
	l.Reset(sessionID)
}

// Reset clears all ledger state, including the entry-id sequence, and adopts
// the given session id (empty for none).
func (l *Ledger) Reset(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sessionID = sessionID
	l.visible = false
	l.open = make(map[string][]OpenTrade)
	l.completed = nil
	l.totalPnl = 0
	l.trades = 0
	l.wins = 0
	l.losses = 0
	l.unmatched = 0
	l.idSeq = 0
}

// SetVisible toggles the trade section visibility flag.
func (l *Ledger) SetVisible(visible bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visible = visible
}

// Snapshot returns a copy of the ledger state.
func (l *Ledger) Snapshot() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	open := make(map[string][]OpenTrade, len(l.open))
	for sym, queue := range l.open {
		open[sym] = append([]OpenTrade(nil), queue...)
	}
	return State{
		SessionID:       l.sessionID,
		Visible:         l.visible,
		OpenTrades:      open,
		CompletedTrades: append([]CompletedTrade(nil), l.completed...),
		TotalPnl:        l.totalPnl,
		TradeCount:      l.trades,
		WinCount:        l.wins,
		LossCount:       l.losses,
		UnmatchedExits:  l.unmatched,
	}
}

// SymbolStats groups completed trades by symbol, sorted by symbol.
func (l *Ledger) SymbolStats() []SymbolStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bySymbol := make(map[string][]CompletedTrade)
	for _, t := range l.completed {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}

	out := make([]SymbolStats, 0, len(bySymbol))
	for symbol, trades := range bySymbol {
		st := SymbolStats{
			Symbol:      symbol,
			TotalTrades: len(trades),
			BestTrade:   trades[0].Pnl,
			WorstTrade:  trades[0].Pnl,
		}
		for _, t := range trades {
			st.TotalPnl += t.Pnl
			if t.Pnl >= 0 {
				st.WinCount++
			} else {
				st.LossCount++
			}
			if t.Pnl > st.BestTrade {
				st.BestTrade = t.Pnl
			}
			if t.Pnl < st.WorstTrade {
				st.WorstTrade = t.Pnl
			}
		}
		st.AvgPnl = st.TotalPnl / float64(st.TotalTrades)
		st.WinRate = float64(st.WinCount) / float64(st.TotalTrades) * 100
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols returns the sorted union of symbols with open or completed trades.
func (l *Ledger) Symbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]struct{})
	for sym, queue := range l.open {
		if len(queue) > 0 {
			seen[sym] = struct{}{}
		}
	}
	for _, t := range l.completed {
		seen[t.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// CumulativePnl returns completed trades ordered by exit time with a running
// PnL sum, one point per trade.
func (l *Ledger) CumulativePnl() []PnlPoint {
	l.mu.RLock()
	sorted := append([]CompletedTrade(nil), l.completed...)
	l.mu.RUnlock()

	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ExitTime < sorted[j].ExitTime })

	out := make([]PnlPoint, 0, len(sorted))
	var cum float64
	for _, t := range sorted {
		cum += t.Pnl
		out = append(out, PnlPoint{Time: t.ExitTime, Pnl: cum})
	}
	return out
}
