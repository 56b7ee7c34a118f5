package quotes

import (
	"strings"
	"time"
)

// Change is the exchange's direction versus the previous close
type Change string

const (
	ChangeRise Change = "RISE"
	ChangeFall Change = "FALL"
	ChangeEven Change = "EVEN"
)

// ParseChange normalizes a wire value, returning "" for unknown input
func ParseChange(s string) Change {
	switch Change(strings.ToUpper(s)) {
	case ChangeRise:
		return ChangeRise
	case ChangeFall:
		return ChangeFall
	case ChangeEven:
		return ChangeEven
	default:
		return ""
	}
}

// ChangeFromRate derives a Change from a signed change rate
func ChangeFromRate(rate float64) Change {
	switch {
	case rate > 0:
		return ChangeRise
	case rate < 0:
		return ChangeFall
	default:
		return ChangeEven
	}
}

// Direction is the sign of a tick-to-tick price move
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// Quote is the latest known state of one market
type Quote struct {
	Market              string    `json:"market"` // e.g. KRW-BTC
	Symbol              string    `json:"symbol"` // e.g. BTC
	TradePrice          float64   `json:"tradePrice"`
	SignedChangeRatePct float64   `json:"signedChangeRatePct"`
	Change              Change    `json:"change"`
	AccTradeVolume24h   float64   `json:"accTradeVolume24h"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// FlashState is a live price flash on one key
type FlashState struct {
	Key       string    `json:"key"`
	Direction Direction `json:"direction"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TickFields carries the optional parts of a partial update.
// Nil pointers and empty values leave the cached field untouched.
type TickFields struct {
	Symbol              string
	SignedChangeRatePct *float64
	Change              Change
	AccTradeVolume24h   *float64
	Timestamp           time.Time
}

// SymbolFromMarket returns the ticker part of a pair id ("KRW-BTC" -> "BTC")
func SymbolFromMarket(market string) string {
	if i := strings.LastIndex(market, "-"); i >= 0 && i < len(market)-1 {
		return market[i+1:]
	}
	return market
}
