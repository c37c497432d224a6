package failover

import (
	"context"

	binance "github.com/adshao/go-binance/v2"
	"github.com/kfishgm/btcbot-sub001/pkg/errors"
)

// maxKlinesLimit is the largest page the klines endpoint serves.
const maxKlinesLimit = 1000

// KlinesFetcher fetches the most recent klines of one instrument.
type KlinesFetcher interface {
	FetchKlines(ctx context.Context, symbol string, interval string, limit int) ([]*binance.Kline, error)
}

// KlinesAPIClient abstracts the Binance client for testing.
type KlinesAPIClient interface {
	NewKlinesService() KlinesService
}

// KlinesService abstracts the Binance klines request builder for testing.
type KlinesService interface {
	Symbol(symbol string) KlinesService
	Interval(interval string) KlinesService
	Limit(limit int) KlinesService
	Do(ctx context.Context) ([]*binance.Kline, error)
}

// binanceAPIClient wraps *binance.Client to satisfy KlinesAPIClient.
type binanceAPIClient struct {
	client *binance.Client
}

func (c *binanceAPIClient) NewKlinesService() KlinesService {
	return &binanceKlinesService{service: c.client.NewKlinesService()}
}

type binanceKlinesService struct {
	service *binance.KlinesService
}

func (s *binanceKlinesService) Symbol(symbol string) KlinesService {
	s.service.Symbol(symbol)

	return s
}

func (s *binanceKlinesService) Interval(interval string) KlinesService {
	s.service.Interval(interval)

	return s
}

func (s *binanceKlinesService) Limit(limit int) KlinesService {
	s.service.Limit(limit)

	return s
}

func (s *binanceKlinesService) Do(ctx context.Context) ([]*binance.Kline, error) {
	return s.service.Do(ctx)
}

// BinanceFetcher fetches klines from the public Binance REST API.
type BinanceFetcher struct {
	apiClient KlinesAPIClient
}

// NewBinanceFetcher creates a fetcher against restURL, or the default
// Binance endpoint when restURL is empty. No API key is needed for klines.
func NewBinanceFetcher(restURL string) *BinanceFetcher {
	client := binance.NewClient("", "")
	if restURL != "" {
		client.BaseURL = restURL
	}

	return &BinanceFetcher{apiClient: &binanceAPIClient{client: client}}
}

// NewBinanceFetcherWithAPI creates a fetcher with a custom API client (for testing).
func NewBinanceFetcherWithAPI(apiClient KlinesAPIClient) *BinanceFetcher {
	return &BinanceFetcher{apiClient: apiClient}
}

// FetchKlines returns up to limit of the most recent klines, oldest first.
func (f *BinanceFetcher) FetchKlines(ctx context.Context, symbol string, interval string, limit int) ([]*binance.Kline, error) {
	if limit < 1 {
		limit = 1
	}

	if limit > maxKlinesLimit {
		limit = maxKlinesLimit
	}

	klines, err := f.apiClient.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeFetchFailed, err, "failed to fetch klines for %s", symbol)
	}

	return klines, nil
}
