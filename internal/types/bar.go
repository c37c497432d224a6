package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BarSource identifies which transport delivered a bar.
type BarSource string

const (
	// BarSourceStream marks bars received over the websocket stream.
	BarSourceStream BarSource = "stream"

	// BarSourcePoll marks bars fetched by the polling fallback.
	BarSourcePoll BarSource = "poll"
)

// Bar is a single validated kline for one instrument.
// Prices and volumes are fixed-point decimals rounded at ingestion.
type Bar struct {
	// Symbol is the instrument, e.g. "BTCUSDT".
	Symbol string `json:"symbol" yaml:"symbol"`

	// Interval is the kline interval, e.g. "1m".
	Interval string `json:"interval" yaml:"interval"`

	// OpenTime is the start of the bar interval. Bars are keyed by it.
	OpenTime time.Time `json:"open_time" yaml:"open_time"`

	// CloseTime is the last instant covered by the bar.
	CloseTime time.Time `json:"close_time" yaml:"close_time"`

	Open  decimal.Decimal `json:"open" yaml:"open"`
	High  decimal.Decimal `json:"high" yaml:"high"`
	Low   decimal.Decimal `json:"low" yaml:"low"`
	Close decimal.Decimal `json:"close" yaml:"close"`

	// Volume is the base asset volume.
	Volume decimal.Decimal `json:"volume" yaml:"volume"`

	// QuoteVolume is the quote asset volume.
	QuoteVolume decimal.Decimal `json:"quote_volume" yaml:"quote_volume"`

	// TakerBaseVolume is the taker buy base asset volume.
	TakerBaseVolume decimal.Decimal `json:"taker_base_volume" yaml:"taker_base_volume"`

	// TakerQuoteVolume is the taker buy quote asset volume.
	TakerQuoteVolume decimal.Decimal `json:"taker_quote_volume" yaml:"taker_quote_volume"`

	// Trades is the number of trades aggregated into the bar.
	Trades int64 `json:"trades" yaml:"trades"`

	// Closed is the final flag reported by the source when the bar was received.
	// It is not used to decide whether a bar is closed now; see IsClosedAt.
	Closed bool `json:"closed" yaml:"closed"`

	// Source is the transport the bar came from.
	Source BarSource `json:"source" yaml:"source"`
}

// IsClosedAt reports whether the bar is closed at the given instant, derived
// from the close time alone.
func (b Bar) IsClosedAt(now time.Time) bool {
	return !b.CloseTime.After(now)
}

// Equal reports whether two bars carry the same market values.
// Source is ignored so a poll refetch of a streamed bar compares equal.
func (b Bar) Equal(other Bar) bool {
	return b.Symbol == other.Symbol &&
		b.OpenTime.Equal(other.OpenTime) &&
		b.CloseTime.Equal(other.CloseTime) &&
		b.Open.Equal(other.Open) &&
		b.High.Equal(other.High) &&
		b.Low.Equal(other.Low) &&
		b.Close.Equal(other.Close) &&
		b.Volume.Equal(other.Volume) &&
		b.Trades == other.Trades &&
		b.Closed == other.Closed
}
