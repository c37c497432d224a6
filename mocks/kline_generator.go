package mocks

import (
	"math"
	"math/rand"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
)

// KlineGenerator generates realistic REST kline rows for tests.
type KlineGenerator struct {
	rng *rand.Rand
}

// NewKlineGenerator creates a new KlineGenerator with the given seed.
// Use a fixed seed for reproducible results in tests.
func NewKlineGenerator(seed int64) *KlineGenerator {
	return &KlineGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// GeneratorConfig configures how klines are generated.
type GeneratorConfig struct {
	// StartTime is the open time of the first kline
	StartTime time.Time
	// Interval is the duration of each kline
	Interval time.Duration
	// Count is the number of klines to generate
	Count int
	// InitialPrice is the starting price
	InitialPrice float64
	// Volatility controls price movement (0.002 = 0.2% per bar)
	Volatility float64
	// VolumeBase is the average volume per kline
	VolumeBase float64
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() GeneratorConfig {
	return GeneratorConfig{
		StartTime:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Interval:     time.Minute,
		Count:        100,
		InitialPrice: 42000.0,
		Volatility:   0.002,
		VolumeBase:   10,
	}
}

// Generate creates klines following a geometric Brownian motion so every row
// satisfies low <= open, close <= high with a positive volume.
func (g *KlineGenerator) Generate(config GeneratorConfig) []*binance.Kline {
	klines := make([]*binance.Kline, config.Count)
	currentPrice := config.InitialPrice
	openTime := config.StartTime

	for i := 0; i < config.Count; i++ {
		open := currentPrice

		// Box-Muller transform for a normal distribution
		u1 := g.rng.Float64()
		u2 := g.rng.Float64()
		z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

		closePrice := open * (1 + config.Volatility*z)
		if closePrice <= 0 {
			closePrice = open * 0.99
		}

		high := math.Max(open, closePrice) + math.Abs(g.rng.Float64()*config.Volatility*open*0.5)
		low := math.Min(open, closePrice) - math.Abs(g.rng.Float64()*config.Volatility*open*0.5)
		if low <= 0 {
			low = math.Min(open, closePrice) * 0.99
		}

		volume := config.VolumeBase * (0.5 + g.rng.Float64())

		klines[i] = Kline(openTime, config.Interval, open, high, low, closePrice, volume)

		currentPrice = closePrice
		openTime = openTime.Add(config.Interval)
	}

	return klines
}

// Kline builds one REST kline row with the given prices.
func Kline(openTime time.Time, interval time.Duration, open, high, low, closePrice, volume float64) *binance.Kline {
	return &binance.Kline{
		OpenTime:                 openTime.UnixMilli(),
		Open:                     format(open),
		High:                     format(high),
		Low:                      format(low),
		Close:                    format(closePrice),
		Volume:                   format(volume),
		CloseTime:                openTime.Add(interval - time.Millisecond).UnixMilli(),
		QuoteAssetVolume:         format(volume * closePrice),
		TradeNum:                 int64(volume * 10),
		TakerBuyBaseAssetVolume:  format(volume / 2),
		TakerBuyQuoteAssetVolume: format(volume * closePrice / 2),
	}
}

// FlatKline builds a kline whose open, high, low and close all equal price.
func FlatKline(openTime time.Time, interval time.Duration, price float64) *binance.Kline {
	return Kline(openTime, interval, price, price, price, price, 1)
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}
