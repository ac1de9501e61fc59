// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — market descriptors,
// positions, strategy signals, order payloads, and WebSocket event types.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Outcome identifies one side of a binary market.
type Outcome string

const (
	YES Outcome = "YES"
	NO  Outcome = "NO"
)

// Opposite returns the other side of the binary.
func (o Outcome) Opposite() Outcome {
	if o == YES {
		return NO
	}
	return YES
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: rests on the book until filled or cancelled
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill: marketable IOC, unfilled remainder is dropped
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketDescriptor identifies one tradeable binary market. It is immutable
// after construction: the scanner (or the control API) builds one and hands
// it to the engine, which never mutates it.
type MarketDescriptor struct {
	MarketID    string // unique market ID
	ConditionID string // CTF condition ID (used for cancels + user WS subscription)
	Slug        string // human-readable URL slug
	Question    string // the prediction question, e.g. "Bitcoin Up or Down - 3:15PM ET?"

	TokenYes string // CLOB token ID for the YES outcome
	TokenNo  string // CLOB token ID for the NO outcome

	EndTime time.Time // when the market resolves
	MinTick TickSize  // price granularity (determines rounding)
	NegRisk bool      // true if this is a neg-risk market (affects CTF exchange)
}

// Token returns the token ID for the given outcome.
func (d MarketDescriptor) Token(side Outcome) string {
	if side == YES {
		return d.TokenYes
	}
	return d.TokenNo
}

// OutcomeOf maps a token ID back to its outcome. ok is false if the token
// does not belong to this market.
func (d MarketDescriptor) OutcomeOf(token string) (Outcome, bool) {
	switch token {
	case d.TokenYes:
		return YES, true
	case d.TokenNo:
		return NO, true
	}
	return "", false
}

// TimeLeft returns the seconds until the market resolves (negative after).
func (d MarketDescriptor) TimeLeft(now time.Time) float64 {
	return d.EndTime.Sub(now).Seconds()
}

// ————————————————————————————————————————————————————————————————————————
// Positions and signals
// ————————————————————————————————————————————————————————————————————————

// Position is one entry on one side of a market. The ladder for a side is
// the ordered list of its non-high-scalp positions; DCALevel 0 is the
// initial entry, 1 and 2 are averaging-down rungs.
type Position struct {
	Side       Outcome
	Size       float64
	EntryPrice float64
	EntryTime  time.Time
	HighScalp  bool // opportunistic late entry, outside the DCA ladder
	DCALevel   int
}

// Cost returns the USDC spent to open this position.
func (p Position) Cost() float64 {
	return p.Size * p.EntryPrice
}

// SignalAction enumerates what the evaluator can ask the coordinator to do.
type SignalAction string

const (
	ActionEnterYes     SignalAction = "ENTER_YES"
	ActionEnterNo      SignalAction = "ENTER_NO"
	ActionPlaceTPLimit SignalAction = "PLACE_TP_LIMIT"
	ActionExitMarket   SignalAction = "EXIT_MARKET"
	ActionForceUnwind  SignalAction = "FORCE_UNWIND"
	ActionNoop         SignalAction = "NOOP"
)

// Signal is the evaluator's verdict for one market at one instant.
// Price is the resting price for limits and the reference price for
// marketable orders. Reason is a short tag for observability, e.g.
// "entry@0.34", "dca-1", "unwind", "force-exit-3min", "tp@0.88", "high-scalp".
type Signal struct {
	Action    SignalAction
	Side      Outcome
	Size      float64
	Price     float64
	Reason    string
	DCALevel  int
	HighScalp bool
}

// IsEntry reports whether the signal opens a new position.
func (s Signal) IsEntry() bool {
	return s.Action == ActionEnterYes || s.Action == ActionEnterNo
}

// Noop is the empty signal.
func Noop() Signal {
	return Signal{Action: ActionNoop}
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// BookLevel is one price level with its resting size.
type BookLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a point-in-time copy of one token's L2 book. Bids are sorted
// descending by price, asks ascending, so index 0 is top of book on each
// side. Instances handed out by the tracker are deep copies and safe to
// read from any goroutine.
type OrderBook struct {
	Token     string
	Bids      []BookLevel
	Asks      []BookLevel
	Seq       uint64 // venue sequence number of the last applied message
	Timestamp time.Time
}

// BestBid returns the highest bid. ok is false when the bid side is empty.
func (b *OrderBook) BestBid() (float64, bool) {
	if b == nil || len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the lowest ask. ok is false when the ask side is empty.
func (b *OrderBook) BestAsk() (float64, bool) {
	if b == nil || len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

// Clone returns a deep copy.
func (b *OrderBook) Clone() *OrderBook {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Bids = append([]BookLevel(nil), b.Bids...)
	cp.Asks = append([]BookLevel(nil), b.Asks...)
	return &cp
}

// PriceLevel is a single bid or ask level as the CLOB API encodes it.
// Price and Size are strings to preserve decimal precision on the wire.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// BookResponse is the REST response from GET /book for a single token.
// Used to re-seed the local book after a sequence gap.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Seq          uint64       `json:"seq,string"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation produced by the
// coordinator. The exchange client converts it to a SignedOrder for the
// CLOB API.
type UserOrder struct {
	TokenID    string    // which token to trade (YES or NO asset ID)
	Price      float64   // limit price (0.0 to 1.0 for binary markets)
	Size       float64   // quantity in tokens
	Side       Side      // BUY or SELL
	OrderType  OrderType // GTC for resting limits, FAK for marketable orders
	PostOnly   bool      // reject instead of crossing (TP limits)
	TickSize   TickSize  // market's price granularity (for amount rounding)
	Expiration int64     // unix timestamp, 0 = no expiry
	FeeRateBps int       // fee rate in basis points
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int      `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int      `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the REST API request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`              // API key of the order owner
	OrderType OrderType   `json:"orderType"`          // GTC or FAK
	PostOnly  bool        `json:"postOnly,omitempty"` // if true, rejects if it would cross
}

// OrderResponse is the REST API response for POST /order.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "live", "matched"
}

// OpenOrder represents a live resting order on the CLOB.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`        // "live", "matched", etc.
	Market       string `json:"market"`        // condition ID
	AssetID      string `json:"asset_id"`      // token ID
	Side         string `json:"side"`          // "BUY" or "SELL"
	OriginalSize string `json:"original_size"` // initial size
	SizeMatched  string `json:"size_matched"`  // how much has filled
	Price        string `json:"price"`         // limit price
}

// CancelResponse is returned by DELETE /orders, /cancel-all, /cancel-market-orders.
type CancelResponse struct {
	Canceled []string `json:"canceled"` // IDs of successfully cancelled orders
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages sent over the venue WebSocket.
// Market channel events: "book" (full snapshot), "price_change" (delta).
// User channel events: "trade" (fill), "order" (placement/cancel lifecycle).
// Seq is per-token and strictly increasing; a gap means a dropped message
// and forces a book resync.

// WSBookEvent is a full order book snapshot from the market WS channel.
// Replaces the entire local book for the given asset.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition ID
	Timestamp string       `json:"timestamp"`
	Seq       uint64       `json:"seq,string"`
	Hash      string       `json:"hash"`  // book version hash
	Buys      []PriceLevel `json:"buys"`  // bid levels
	Sells     []PriceLevel `json:"sells"` // ask levels
}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"` // the price level that changed
	Size    string `json:"size"`  // new size at that level (0 = removed)
	Side    string `json:"side"`  // "BUY" or "SELL"
	Seq     uint64 `json:"seq,string"`
	Hash    string `json:"hash"`     // updated book hash
	BestBid string `json:"best_bid"` // new best bid after this change
	BestAsk string `json:"best_ask"` // new best ask after this change
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
// Contains one or more level changes applied atomically.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSTradeEvent is a fill notification from the user WS channel.
// Received when one of our orders gets matched, on either side of the
// trade: TakerOrderID names the crossing order, MakerOrders the resting
// orders it matched against. A resting post-only limit of ours fills as
// a maker, so its ID arrives in MakerOrders, not TakerOrderID.
type WSTradeEvent struct {
	EventType    string         `json:"event_type"` // always "trade"
	ID           string         `json:"id"`         // trade ID
	TakerOrderID string         `json:"taker_order_id"`
	Market       string         `json:"market"`   // condition ID
	AssetID      string         `json:"asset_id"` // token ID that was traded
	Side         string         `json:"side"`     // taker side: "BUY" or "SELL"
	Size         string         `json:"size"`     // total matched quantity
	Price        string         `json:"price"`    // fill price
	Outcome      string         `json:"outcome"`  // "Yes" or "No"
	MakerOrders  []WSMakerOrder `json:"maker_orders"`
	Timestamp    string         `json:"timestamp"`
}

// WSMakerOrder is one resting order matched within a trade event.
type WSMakerOrder struct {
	OrderID       string `json:"order_id"`
	AssetID       string `json:"asset_id"`
	Outcome       string `json:"outcome"`        // "Yes" or "No"
	Side          string `json:"side"`           // maker side: "BUY" or "SELL"
	Price         string `json:"price"`          // maker limit price
	MatchedAmount string `json:"matched_amount"` // quantity filled from this order
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
// Received on order placement, update, or cancellation.
type WSOrderEvent struct {
	EventType       string   `json:"event_type"` // always "order"
	ID              string   `json:"id"`         // order ID
	Market          string   `json:"market"`     // condition ID
	AssetID         string   `json:"asset_id"`   // token ID
	Side            string   `json:"side"`       // "BUY" or "SELL"
	Price           string   `json:"price"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"` // cumulative filled
	Outcome         string   `json:"outcome"`      // "Yes" or "No"
	Owner           string   `json:"owner"`        // API key
	Timestamp       string   `json:"timestamp"`
	Type            string   `json:"type"`             // "PLACEMENT", "UPDATE", "CANCELLATION"
	AssociateTrades []string `json:"associate_trades"` // trade IDs from partial fills
}

// WSSubscribeMsg is the initial subscription message sent when connecting
// to a WebSocket channel. For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`       // required for user channel
	Type     string   `json:"type"`                 // "market" or "user"
	Markets  []string `json:"markets,omitempty"`    // condition IDs (user channel)
	AssetIDs []string `json:"assets_ids,omitempty"` // token IDs (market channel)
}

// WSAuth contains the L2 API credentials for authenticating the user WS channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg is sent to dynamically subscribe or unsubscribe from channels
// after the initial connection is established.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"` // token IDs (market channel)
	Markets   []string `json:"markets,omitempty"`    // condition IDs (user channel)
	Operation string   `json:"operation"`            // "subscribe" or "unsubscribe"
}
