package venue

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ticket is the venue-assigned order/position identity. Assigned exactly
// once per submission, immutable afterwards.
type Ticket int64

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite flips the direction; used for hedge sizing.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType covers market and pending order flavors.
type OrderType string

const (
	TypeBuy       OrderType = "buy"
	TypeSell      OrderType = "sell"
	TypeBuyStop   OrderType = "buy_stop"
	TypeSellStop  OrderType = "sell_stop"
	TypeBuyLimit  OrderType = "buy_limit"
	TypeSellLimit OrderType = "sell_limit"
)

// Side maps the order type onto its trade direction.
func (t OrderType) Side() Side {
	if strings.HasPrefix(string(t), "sell") {
		return SideSell
	}
	return SideBuy
}

// IsPending reports whether the type is a working order rather than an
// immediate market execution.
func (t OrderType) IsPending() bool {
	return t != TypeBuy && t != TypeSell
}

// StopFor returns the stop/limit entry type on the given side. above
// means the entry price sits above the current market.
func StopFor(side Side, above bool) OrderType {
	if side == SideBuy {
		if above {
			return TypeBuyStop
		}
		return TypeBuyLimit
	}
	if above {
		return TypeSellLimit
	}
	return TypeSellStop
}

// StopUnit selects how Intent stop distances are expressed.
type StopUnit string

const (
	UnitPrice  StopUnit = "price"  // absolute price level
	UnitPoints StopUnit = "points" // venue tick size multiples
	UnitPips   StopUnit = "pips"   // 10x tick size multiples
)

// TimeInForce mirrors the venue's order lifetime policies.
type TimeInForce string

const (
	TIFGTC TimeInForce = "gtc"
	TIFDay TimeInForce = "day"
)

// FillPolicy mirrors the venue's fill modes.
type FillPolicy string

const (
	FillFOK    FillPolicy = "fok"
	FillIOC    FillPolicy = "ioc"
	FillReturn FillPolicy = "return"
)

// Intent is one abstract order request. StopLoss/TakeProfit are
// interpreted per StopUnit relative to the entry (market price for
// market orders, Price for pendings) and converted by the adapter.
type Intent struct {
	Symbol      string
	Type        OrderType
	Volume      float64
	Price       float64 // entry for pending types; ignored for market
	StopLoss    float64
	TakeProfit  float64
	StopUnit    StopUnit
	Magic       int64
	Deviation   int // max slippage in points
	TimeInForce TimeInForce
	FillPolicy  FillPolicy
	Comment     string // carries the correlation key on the wire
	Correlation string
}

// NewCorrelation mints a correlation key for one logical order intent.
// Retries of the same intent must reuse the key; a fresh intent mints a
// fresh one. The format stays short enough to ride in an MT5 comment.
func NewCorrelation() string {
	id := uuid.New()
	var b strings.Builder
	b.WriteString("cyc-")
	for _, c := range id.String() {
		if c == '-' {
			continue
		}
		b.WriteRune(c)
		if b.Len() >= 20 {
			break
		}
	}
	return b.String()
}

// OrderKind distinguishes live positions from working pending orders.
type OrderKind string

const (
	KindPosition OrderKind = "position"
	KindPending  OrderKind = "pending"
)

// Order is the venue's view of one trade unit, as returned by queries
// and live scans.
type Order struct {
	Ticket     Ticket
	Symbol     string
	Type       OrderType
	Kind       OrderKind
	Volume     float64
	OpenPrice  float64
	Price      float64 // current market price of the order's symbol
	StopLoss   float64
	TakeProfit float64
	Commission float64
	Swap       float64
	Profit     float64
	OpenTime   time.Time
	Magic      int64
	Comment    string
}

// Tick is one quote update.
type Tick struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	Time   time.Time
}

// Mid returns the midpoint price, falling back to whichever side is set.
func (t Tick) Mid() float64 {
	switch {
	case t.Bid > 0 && t.Ask > 0:
		return (t.Bid + t.Ask) / 2
	case t.Last > 0:
		return t.Last
	case t.Bid > 0:
		return t.Bid
	default:
		return t.Ask
	}
}

// Candle is one OHLCV bar from the venue history endpoint.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// SymbolInfo carries the per-symbol trading parameters the adapter needs
// for unit conversion and volume normalization.
type SymbolInfo struct {
	Name        string
	Digits      int
	Point       float64 // tick size; one "point"
	StopsLevel  int     // min stop distance in points
	VolumeMin   float64
	VolumeMax   float64
	VolumeStep  float64
	ContractSz  float64
	Description string
}

// AccountSnapshot is the venue account state used for display and
// stop-out inference.
type AccountSnapshot struct {
	Login       int64
	Currency    string
	Balance     float64
	Equity      float64
	Margin      float64
	FreeMargin  float64
	MarginLevel float64
	Profit      float64
	Leverage    int
}
