// Package schema defines the unified order, fill, and position records shared
// by the OMS, position tracker, risk engine, and venue adapters.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Operation determines the downstream semantics of an order.
type Operation string

const (
	OpTrade    Operation = "trade"
	OpSupply   Operation = "supply"
	OpBorrow   Operation = "borrow"
	OpStake    Operation = "stake"
	OpWithdraw Operation = "withdraw"
	OpSwap     Operation = "swap"
	OpTransfer Operation = "transfer"
	OpBet      Operation = "bet"
)

// Valid reports whether the operation is recognised.
func (o Operation) Valid() bool {
	switch o {
	case OpTrade, OpSupply, OpBorrow, OpStake, OpWithdraw, OpSwap, OpTransfer, OpBet:
		return true
	default:
		return false
	}
}

// Atomic reports whether the operation may participate in an atomic group.
func (o Operation) Atomic() bool {
	switch o {
	case OpSupply, OpBorrow, OpStake, OpWithdraw, OpSwap, OpTransfer:
		return true
	default:
		return false
	}
}

// Side identifies the direction of an order.
type Side string

const (
	SideBuy      Side = "BUY"
	SideSell     Side = "SELL"
	SideSupply   Side = "SUPPLY"
	SideBorrow   Side = "BORROW"
	SideStake    Side = "STAKE"
	SideWithdraw Side = "WITHDRAW"
	SideBack     Side = "BACK"
	SideLay      Side = "LAY"
)

// Valid reports whether the side is recognised.
func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell, SideSupply, SideBorrow, SideStake, SideWithdraw, SideBack, SideLay:
		return true
	default:
		return false
	}
}

// Sign returns +1 for accruing sides and -1 for reducing sides.
func (s Side) Sign() int {
	switch s {
	case SideSell, SideWithdraw, SideLay:
		return -1
	default:
		return 1
	}
}

// OrderType identifies market versus limit execution.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Valid reports whether the order type is recognised.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// TimeInForce constrains how long an order rests.
type TimeInForce string

const (
	TIFGoodTillCancel TimeInForce = "GTC"
	TIFImmediate      TimeInForce = "IOC"
	TIFFillOrKill     TimeInForce = "FOK"
)

// Valid reports whether the time-in-force is recognised. Empty is allowed.
func (t TimeInForce) Valid() bool {
	switch t {
	case "", TIFGoodTillCancel, TIFImmediate, TIFFillOrKill:
		return true
	default:
		return false
	}
}

// ExecAlgorithm names the optional slicing strategy applied after routing.
type ExecAlgorithm string

const (
	AlgoNormal  ExecAlgorithm = "NORMAL"
	AlgoTWAP    ExecAlgorithm = "TWAP"
	AlgoVWAP    ExecAlgorithm = "VWAP"
	AlgoIceberg ExecAlgorithm = "ICEBERG"
	AlgoScript  ExecAlgorithm = "SCRIPT"
)

// Valid reports whether the algorithm is recognised. Empty maps to NORMAL.
func (a ExecAlgorithm) Valid() bool {
	switch a {
	case "", AlgoNormal, AlgoTWAP, AlgoVWAP, AlgoIceberg, AlgoScript:
		return true
	default:
		return false
	}
}

// VenueKind distinguishes the two adapter dispatch paths.
type VenueKind string

const (
	// VenueIntegrated routes through the hosted multi-venue runtime driver.
	VenueIntegrated VenueKind = "INTEGRATED"
	// VenueExternalSDK routes through a per-venue REST/WS adapter.
	VenueExternalSDK VenueKind = "EXTERNAL_SDK"
)

// Fill records a single execution against an order. Fills are append-only.
type Fill struct {
	FillID      string          `json:"fill_id"`
	VenueFillID string          `json:"venue_fill_id,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Order is the unified record keyed by the caller-supplied operation ID.
type Order struct {
	OperationID     string                     `json:"operation_id"`
	Operation       Operation                  `json:"operation"`
	CanonicalID     string                     `json:"canonical_id"`
	Venue           string                     `json:"venue,omitempty"`
	VenueKind       VenueKind                  `json:"venue_kind,omitempty"`
	VenueOrderID    string                     `json:"venue_order_id,omitempty"`
	Side            Side                       `json:"side"`
	Quantity        decimal.Decimal            `json:"quantity"`
	Price           *decimal.Decimal           `json:"price,omitempty"`
	OrderType       OrderType                  `json:"order_type"`
	TimeInForce     TimeInForce                `json:"time_in_force,omitempty"`
	ExecAlgorithm   ExecAlgorithm              `json:"exec_algorithm,omitempty"`
	ExecAlgoParams  map[string]any             `json:"exec_algorithm_params,omitempty"`
	Status          Status                     `json:"status"`
	Fills           []Fill                     `json:"fills"`
	ExpectedDeltas  map[string]decimal.Decimal `json:"expected_deltas,omitempty"`
	ParentOperation string                     `json:"parent_operation_id,omitempty"`
	AtomicGroupID   string                     `json:"atomic_group_id,omitempty"`
	SequenceInGroup int                        `json:"sequence_in_group,omitempty"`
	GroupSize       int                        `json:"group_size,omitempty"`
	Odds            *decimal.Decimal           `json:"odds,omitempty"`
	Selection       string                     `json:"selection,omitempty"`
	PotentialPayout *decimal.Decimal           `json:"potential_payout,omitempty"`
	RejectionReason string                     `json:"rejection_reason,omitempty"`
	ErrorMessage    string                     `json:"error_message,omitempty"`
	StrategyID      string                     `json:"strategy_id"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// FilledQuantity returns the cumulative filled quantity.
func (o *Order) FilledQuantity() decimal.Decimal {
	sum := decimal.Zero
	for _, f := range o.Fills {
		sum = sum.Add(f.Quantity)
	}
	return sum
}

// RemainingQuantity returns the unfilled quantity, floored at zero.
func (o *Order) RemainingQuantity() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQuantity())
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// HasVenueFill reports whether a fill with the given venue fill ID exists.
func (o *Order) HasVenueFill(venueFillID string) bool {
	if venueFillID == "" {
		return false
	}
	for _, f := range o.Fills {
		if f.VenueFillID == venueFillID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand across goroutines.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	if o.Price != nil {
		p := *o.Price
		out.Price = &p
	}
	if o.Odds != nil {
		v := *o.Odds
		out.Odds = &v
	}
	if o.PotentialPayout != nil {
		v := *o.PotentialPayout
		out.PotentialPayout = &v
	}
	if len(o.Fills) > 0 {
		out.Fills = make([]Fill, len(o.Fills))
		copy(out.Fills, o.Fills)
	}
	if len(o.ExpectedDeltas) > 0 {
		out.ExpectedDeltas = make(map[string]decimal.Decimal, len(o.ExpectedDeltas))
		for k, v := range o.ExpectedDeltas {
			out.ExpectedDeltas[k] = v
		}
	}
	if len(o.ExecAlgoParams) > 0 {
		out.ExecAlgoParams = make(map[string]any, len(o.ExecAlgoParams))
		for k, v := range o.ExecAlgoParams {
			out.ExecAlgoParams[k] = v
		}
	}
	return &out
}
