package model

import (
	"gorm.io/datatypes"
)

// CycleModel is the persisted cycle row. Role sets are JSON arrays of venue
// tickets; timestamps are unix milliseconds. Hot fields the engine filters
// on (status, symbol, is_closed) are real columns.
type CycleModel struct {
	ID      int64  `gorm:"column:id;primaryKey"`
	CycleID string `gorm:"column:cycle_id;uniqueIndex"`
	Symbol  string `gorm:"column:symbol;index"`
	Account int64  `gorm:"column:account"`
	Bot     string `gorm:"column:bot"`

	Status    string `gorm:"column:status;index"`
	Direction string `gorm:"column:direction"`
	IsPending int    `gorm:"column:is_pending"`
	IsClosed  int    `gorm:"column:is_closed;index"`

	LowerBound     float64 `gorm:"column:lower_bound"`
	UpperBound     float64 `gorm:"column:upper_bound"`
	Threshold      float64 `gorm:"column:threshold"`
	ThresholdLower float64 `gorm:"column:threshold_lower"`
	ThresholdUpper float64 `gorm:"column:threshold_upper"`

	ZoneIndex     int `gorm:"column:zone_index"`
	LotIdx        int `gorm:"column:lot_idx"`
	HedgeAttempts int `gorm:"column:hedge_attempts"`

	PendingTickets     datatypes.JSON `gorm:"column:pending;type:TEXT"`
	InitialTickets     datatypes.JSON `gorm:"column:initial;type:TEXT"`
	HedgeTickets       datatypes.JSON `gorm:"column:hedge;type:TEXT"`
	RecoveryTickets    datatypes.JSON `gorm:"column:recovery;type:TEXT"`
	MaxRecoveryTickets datatypes.JSON `gorm:"column:max_recovery;type:TEXT"`
	ClosedTickets      datatypes.JSON `gorm:"column:closed;type:TEXT"`

	TotalVolume float64 `gorm:"column:total_volume"`
	TotalProfit float64 `gorm:"column:total_profit"`

	ParamsJSON datatypes.JSON `gorm:"column:params_json;type:TEXT"`

	ClosingMethod string `gorm:"column:closing_method"`
	Magic         int64  `gorm:"column:magic"`

	OpenedAtMillis int64 `gorm:"column:opened_at"`
	ClosedAtMillis int64 `gorm:"column:closed_at"`
	CreatedAtUnix  int64 `gorm:"column:created_at"`
	UpdatedAtUnix  int64 `gorm:"column:updated_at"`
}

func (CycleModel) TableName() string { return "cycles" }

// OrderModel is the persisted ledger row, keyed by venue ticket. The
// correlation id is unique so at-most-once submission can be enforced by
// lookup alone; rows discovered by reconciliation carry none and store NULL.
type OrderModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	Ticket        int64   `gorm:"column:ticket;uniqueIndex"`
	CycleID       string  `gorm:"column:cycle_id;index"`
	CorrelationID *string `gorm:"column:correlation_id;uniqueIndex"`
	Symbol        string  `gorm:"column:symbol;index"`
	Kind          string  `gorm:"column:kind"`
	Type          string  `gorm:"column:type"`

	Volume       float64 `gorm:"column:volume"`
	OpenPrice    float64 `gorm:"column:open_price"`
	CurrentPrice float64 `gorm:"column:current_price"`
	StopLoss     float64 `gorm:"column:stop_loss"`
	TakeProfit   float64 `gorm:"column:take_profit"`
	Commission   float64 `gorm:"column:commission"`
	Swap         float64 `gorm:"column:swap"`
	Profit       float64 `gorm:"column:profit"`

	Magic         int64  `gorm:"column:magic"`
	Comment       string `gorm:"column:comment"`
	OpenedBy      string `gorm:"column:opened_by"`
	ClosingMethod string `gorm:"column:closing_method"`

	IsClosed    int    `gorm:"column:is_closed;index"`
	CloseReason string `gorm:"column:close_reason"`

	OpenedAtMillis   int64 `gorm:"column:opened_at"`
	ClosedAtMillis   int64 `gorm:"column:closed_at"`
	LastSeenAtMillis int64 `gorm:"column:last_seen_at"`
	CreatedAtUnix    int64 `gorm:"column:created_at"`
	UpdatedAtUnix    int64 `gorm:"column:updated_at"`
}

func (OrderModel) TableName() string { return "orders" }

// AccountSnapshotModel is one equity-curve sample.
type AccountSnapshotModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	Balance       float64 `gorm:"column:balance"`
	Equity        float64 `gorm:"column:equity"`
	Margin        float64 `gorm:"column:margin"`
	MarginFree    float64 `gorm:"column:margin_free"`
	Profit        float64 `gorm:"column:profit"`
	OpenPositions int     `gorm:"column:open_positions"`
	AtMillis      int64   `gorm:"column:at;index"`
}

func (AccountSnapshotModel) TableName() string { return "account_snapshots" }
