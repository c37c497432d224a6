// Package ingest turns raw kline payloads from either transport into validated bars.
//
// Every function here is pure: the caller supplies the clock through Options,
// and every rejection is returned as a coded *errors.Error naming the failed check.
package ingest

import (
	"encoding/json"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/kfishgm/btcbot-sub001/internal/types"
	"github.com/kfishgm/btcbot-sub001/pkg/errors"
	"github.com/shopspring/decimal"
)

// PriceScale is the number of fractional digits kept for prices and volumes.
const PriceScale = 8

// klineEventType is the event discriminator of kline frames.
const klineEventType = "kline"

// Options controls validation of one payload.
type Options struct {
	// Symbol, when set, rejects payloads for any other instrument.
	Symbol string
	// Interval is recorded on bars whose payload does not carry one.
	Interval string
	// Now is the local clock reading used for drift and closed checks.
	// The zero value means time.Now().
	Now time.Time
	// DriftTolerance bounds how far an event time may deviate from Now in either
	// direction. Zero disables the check.
	DriftTolerance time.Duration
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}

	return o.Now
}

// envelope is the combined-stream wrapper {"stream": "...", "data": {...}}.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wsKlineEvent mirrors the stream kline event. Numeric and flag fields stay raw
// so each one can be validated on its own.
type wsKlineEvent struct {
	Event     string   `json:"e"`
	EventTime int64    `json:"E"`
	Symbol    string   `json:"s"`
	Kline     *wsKline `json:"k"`
}

type wsKline struct {
	StartTime        int64           `json:"t"`
	EndTime          int64           `json:"T"`
	Symbol           string          `json:"s"`
	Interval         string          `json:"i"`
	Open             json.RawMessage `json:"o"`
	Close            json.RawMessage `json:"c"`
	High             json.RawMessage `json:"h"`
	Low              json.RawMessage `json:"l"`
	Volume           json.RawMessage `json:"v"`
	TradeNum         int64           `json:"n"`
	IsFinal          json.RawMessage `json:"x"`
	QuoteVolume      json.RawMessage `json:"q"`
	TakerBaseVolume  json.RawMessage `json:"V"`
	TakerQuoteVolume json.RawMessage `json:"Q"`
}

// ParseFrame validates one inbound stream frame and returns the bar it carries.
func ParseFrame(raw []byte, opts Options) (types.Bar, error) {
	payload := raw

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.Bar{}, errors.Wrap(errors.ErrCodeMalformedPayload, "frame is not a JSON object", err) //nolint:exhaustruct // zero value for error response
	}

	if len(env.Data) > 0 {
		payload = env.Data
	}

	var event wsKlineEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return types.Bar{}, errors.Wrap(errors.ErrCodeMalformedPayload, "failed to decode kline event", err) //nolint:exhaustruct // zero value for error response
	}

	if event.Event != klineEventType {
		return types.Bar{}, errors.NewField(errors.ErrCodeUnsupportedEvent, "e", "unsupported event type %q", event.Event) //nolint:exhaustruct // zero value for error response
	}

	if event.Kline == nil {
		return types.Bar{}, errors.NewField(errors.ErrCodeMalformedPayload, "k", "kline payload is missing") //nolint:exhaustruct // zero value for error response
	}

	now := opts.now()

	symbol := event.Symbol
	if symbol == "" {
		symbol = event.Kline.Symbol
	}

	if err := checkSymbol(symbol, opts.Symbol); err != nil {
		return types.Bar{}, err //nolint:exhaustruct // zero value for error response
	}

	if opts.DriftTolerance > 0 {
		drift := now.Sub(time.UnixMilli(event.EventTime))
		if drift > opts.DriftTolerance || drift < -opts.DriftTolerance {
			return types.Bar{}, errors.NewField(errors.ErrCodeTimestampDrift, "E", //nolint:exhaustruct // zero value for error response
				"event time deviates from local clock by %s (tolerance %s)", drift, opts.DriftTolerance)
		}
	}

	k := event.Kline

	closed, err := decodeBool("x", k.IsFinal)
	if err != nil {
		return types.Bar{}, err //nolint:exhaustruct // zero value for error response
	}

	bar := types.Bar{ //nolint:exhaustruct // prices filled below
		Symbol:    strings.ToUpper(symbol),
		Interval:  firstNonEmpty(k.Interval, opts.Interval),
		OpenTime:  time.UnixMilli(k.StartTime).UTC(),
		CloseTime: time.UnixMilli(k.EndTime).UTC(),
		Trades:    k.TradeNum,
		Closed:    closed,
		Source:    types.BarSourceStream,
	}

	fields := []struct {
		name     string
		raw      json.RawMessage
		dst      *decimal.Decimal
		optional bool
	}{
		{"o", k.Open, &bar.Open, false},
		{"h", k.High, &bar.High, false},
		{"l", k.Low, &bar.Low, false},
		{"c", k.Close, &bar.Close, false},
		{"v", k.Volume, &bar.Volume, false},
		{"q", k.QuoteVolume, &bar.QuoteVolume, true},
		{"V", k.TakerBaseVolume, &bar.TakerBaseVolume, true},
		{"Q", k.TakerQuoteVolume, &bar.TakerQuoteVolume, true},
	}

	for _, f := range fields {
		var d decimal.Decimal
		if f.optional {
			d, err = decodeOptionalDecimal(f.name, f.raw)
		} else {
			d, err = decodeDecimal(f.name, f.raw)
		}

		if err != nil {
			return types.Bar{}, err //nolint:exhaustruct // zero value for error response
		}

		*f.dst = d
	}

	if err := Validate(bar); err != nil {
		return types.Bar{}, err //nolint:exhaustruct // zero value for error response
	}

	return bar, nil
}

// FromKline validates one REST kline row. REST rows carry no symbol, event
// time or final flag, so the symbol comes from opts and closed status from
// the close time against opts.Now.
func FromKline(k *binance.Kline, opts Options) (types.Bar, error) {
	if k == nil {
		return types.Bar{}, errors.New(errors.ErrCodeMalformedPayload, "kline row is nil") //nolint:exhaustruct // zero value for error response
	}

	if err := checkSymbol(opts.Symbol, ""); err != nil {
		return types.Bar{}, err //nolint:exhaustruct // zero value for error response
	}

	closeTime := time.UnixMilli(k.CloseTime).UTC()

	bar := types.Bar{ //nolint:exhaustruct // prices filled below
		Symbol:    strings.ToUpper(opts.Symbol),
		Interval:  opts.Interval,
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		CloseTime: closeTime,
		Trades:    k.TradeNum,
		Closed:    !closeTime.After(opts.now()),
		Source:    types.BarSourcePoll,
	}

	fields := []struct {
		name     string
		raw      string
		dst      *decimal.Decimal
		optional bool
	}{
		{"open", k.Open, &bar.Open, false},
		{"high", k.High, &bar.High, false},
		{"low", k.Low, &bar.Low, false},
		{"close", k.Close, &bar.Close, false},
		{"volume", k.Volume, &bar.Volume, false},
		{"quote_volume", k.QuoteAssetVolume, &bar.QuoteVolume, true},
		{"taker_base_volume", k.TakerBuyBaseAssetVolume, &bar.TakerBaseVolume, true},
		{"taker_quote_volume", k.TakerBuyQuoteAssetVolume, &bar.TakerQuoteVolume, true},
	}

	for _, f := range fields {
		var (
			d   decimal.Decimal
			err error
		)

		if f.optional {
			d, err = parseOptionalDecimal(f.name, f.raw)
		} else {
			d, err = parseDecimal(f.name, f.raw)
		}

		if err != nil {
			return types.Bar{}, err //nolint:exhaustruct // zero value for error response
		}

		*f.dst = d
	}

	if err := Validate(bar); err != nil {
		return types.Bar{}, err //nolint:exhaustruct // zero value for error response
	}

	return bar, nil
}

// Validate checks the range invariants of a decoded bar.
func Validate(bar types.Bar) error {
	if bar.Symbol == "" {
		return errors.NewField(errors.ErrCodeMissingSymbol, "symbol", "symbol is required")
	}

	if !bar.CloseTime.After(bar.OpenTime) {
		return errors.NewField(errors.ErrCodeInvalidTimeRange, "close_time",
			"close time %s is not after open time %s", bar.CloseTime, bar.OpenTime)
	}

	prices := []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", bar.Open},
		{"high", bar.High},
		{"low", bar.Low},
		{"close", bar.Close},
	}
	for _, p := range prices {
		if p.value.IsNegative() {
			return errors.NewField(errors.ErrCodeNegativePrice, p.name, "price %s is negative", p.value)
		}
	}

	if bar.Volume.IsNegative() {
		return errors.NewField(errors.ErrCodeOutOfRange, "volume", "volume %s is negative", bar.Volume)
	}

	if bar.High.LessThan(bar.Low) {
		return errors.NewField(errors.ErrCodeInvertedRange, "high", "high %s is below low %s", bar.High, bar.Low)
	}

	if bar.Open.LessThan(bar.Low) || bar.Open.GreaterThan(bar.High) {
		return errors.NewField(errors.ErrCodeOutOfRange, "open", "open %s outside [%s, %s]", bar.Open, bar.Low, bar.High)
	}

	if bar.Close.LessThan(bar.Low) || bar.Close.GreaterThan(bar.High) {
		return errors.NewField(errors.ErrCodeOutOfRange, "close", "close %s outside [%s, %s]", bar.Close, bar.Low, bar.High)
	}

	if bar.Closed && bar.Volume.IsZero() {
		return errors.NewField(errors.ErrCodeZeroVolume, "volume", "closed bar has zero volume")
	}

	return nil
}

func checkSymbol(got string, want string) error {
	if strings.TrimSpace(got) == "" {
		return errors.NewField(errors.ErrCodeMissingSymbol, "s", "symbol is missing")
	}

	if want != "" && !strings.EqualFold(got, want) {
		return errors.NewField(errors.ErrCodeSymbolMismatch, "s", "symbol %s does not match %s", got, want)
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
