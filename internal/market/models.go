package market

// Price and quantity fields cross this package as the display strings the
// feed emitted; nothing here does arithmetic on them.

// OrderBookLevel is one bid or ask level.
type OrderBookLevel struct {
	Price    string `json:"Price"`
	Quantity string `json:"Quantity"`
}

// OrderBook is a depth snapshot, wholesale-replaced on every update.
type OrderBook struct {
	Symbol       string           `json:"Symbol"`
	LastUpdateID int64            `json:"LastUpdateId"`
	Bids         []OrderBookLevel `json:"Bids"`
	Asks         []OrderBookLevel `json:"Asks"`
}

// Trade is a single market trade tick.
type Trade struct {
	Symbol       string `json:"Symbol"`
	TradeID      int64  `json:"TradeId"`
	Price        string `json:"Price"`
	Quantity     string `json:"Quantity"`
	TradeTime    int64  `json:"TradeTime"`
	IsBuyerMaker bool   `json:"IsBuyerMaker"`
}

// Kline is one candlestick. Closed klines are keyed by OpenTime in the
// historical series; the in-progress kline lives in its own slot until it
// closes and re-arrives on the closed-kline path.
type Kline struct {
	Symbol     string `json:"Symbol"`
	Interval   string `json:"Interval"`
	OpenTime   int64  `json:"OpenTime"`
	CloseTime  int64  `json:"CloseTime"`
	Open       string `json:"Open"`
	High       string `json:"High"`
	Low        string `json:"Low"`
	Close      string `json:"Close"`
	Volume     string `json:"Volume"`
	TradeCount int64  `json:"TradeCount"`
	IsClosed   bool   `json:"IsClosed"`
}
