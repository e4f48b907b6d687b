package mt5

// Wire types for the terminal bridge. Field names follow the terminal's
// own request/response vocabulary so bridge logs line up with ours.

// Trade retcodes surfaced by the terminal. Completion means the done
// family; everything else is a rejection.
const (
	retcodeRequote        = 10004
	retcodeReject         = 10006
	retcodePlaced         = 10008
	retcodeDone           = 10009
	retcodeDonePartial    = 10010
	retcodeInvalid        = 10013
	retcodeInvalidVolume  = 10014
	retcodeInvalidPrice   = 10015
	retcodeInvalidStops   = 10016
	retcodeTradeDisabled  = 10017
	retcodeMarketClosed   = 10018
	retcodeNoMoney        = 10019
	retcodePriceOff       = 10021
	retcodeAutotradingOff = 10027
	retcodeNoConnection   = 10031
	retcodePositionClosed = 10036
)

// retcodeOK reports whether the completion code means the request took
// effect: executed, partially executed, or pending placed.
func retcodeOK(code int) bool {
	switch code {
	case retcodeDone, retcodeDonePartial, retcodePlaced:
		return true
	default:
		return false
	}
}

type initializeRequest struct {
	Login    int64  `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
	Path     string `json:"path,omitempty"`
	Timeout  int64  `json:"timeout_ms,omitempty"`
}

type initializeResponse struct {
	Initialized bool   `json:"initialized"`
	Build       int    `json:"build,omitempty"`
	Message     string `json:"message,omitempty"`
}

type orderSendRequest struct {
	Symbol      string  `json:"symbol"`
	Volume      float64 `json:"volume"`
	Type        string  `json:"type"`
	Price       float64 `json:"price,omitempty"`
	StopLoss    float64 `json:"sl,omitempty"`
	TakeProfit  float64 `json:"tp,omitempty"`
	Deviation   int     `json:"deviation,omitempty"`
	Magic       int64   `json:"magic,omitempty"`
	Comment     string  `json:"comment,omitempty"`
	TypeTime    string  `json:"type_time,omitempty"`
	TypeFilling string  `json:"type_filling,omitempty"`
}

type orderSendResponse struct {
	Retcode int     `json:"retcode"`
	Order   int64   `json:"order"`
	Deal    int64   `json:"deal,omitempty"`
	Volume  float64 `json:"volume,omitempty"`
	Price   float64 `json:"price,omitempty"`
	Comment string  `json:"comment,omitempty"`
}

type positionCloseRequest struct {
	Ticket    int64 `json:"ticket"`
	Deviation int   `json:"deviation,omitempty"`
}

type orderCancelRequest struct {
	Ticket int64 `json:"ticket"`
}

type tradeResultResponse struct {
	Retcode int    `json:"retcode"`
	Comment string `json:"comment,omitempty"`
}

// bridgePosition mirrors the terminal's position payload.
type bridgePosition struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"` // buy / sell
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	StopLoss     float64 `json:"sl"`
	TakeProfit   float64 `json:"tp"`
	Profit       float64 `json:"profit"`
	Swap         float64 `json:"swap"`
	Commission   float64 `json:"commission"`
	Magic        int64   `json:"magic"`
	Comment      string  `json:"comment"`
	TimeMs       int64   `json:"time_msc"`
}

// bridgeOrder mirrors the terminal's working pending order payload.
type bridgeOrder struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"` // buy_stop / sell_stop / buy_limit / sell_limit
	Volume       float64 `json:"volume_current"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	StopLoss     float64 `json:"sl"`
	TakeProfit   float64 `json:"tp"`
	Magic        int64   `json:"magic"`
	Comment      string  `json:"comment"`
	TimeSetupMs  int64   `json:"time_setup_msc"`
}

type symbolInfoResponse struct {
	Name          string  `json:"name"`
	Digits        int     `json:"digits"`
	Point         float64 `json:"point"`
	StopsLevel    int     `json:"trade_stops_level"`
	VolumeMin     float64 `json:"volume_min"`
	VolumeMax     float64 `json:"volume_max"`
	VolumeStep    float64 `json:"volume_step"`
	ContractSize  float64 `json:"trade_contract_size"`
	Description   string  `json:"description"`
	SpreadPoints  int     `json:"spread"`
	TradeAllowed  bool    `json:"trade_allowed"`
	CurrencyBase  string  `json:"currency_base"`
	CurrencyQuote string  `json:"currency_profit"`
}

type tickResponse struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	TimeMs int64   `json:"time_msc"`
}

type candleResponse struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume float64 `json:"tick_volume"`
}

type accountInfoResponse struct {
	Login       int64   `json:"login"`
	Currency    string  `json:"currency"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	MarginFree  float64 `json:"margin_free"`
	MarginLevel float64 `json:"margin_level"`
	Profit      float64 `json:"profit"`
	Leverage    int     `json:"leverage"`
}
