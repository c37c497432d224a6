// Package failover switches market data to REST polling while the stream is
// unhealthy and back again once it recovers.
package failover

import (
	"context"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/kfishgm/btcbot-sub001/internal/logger"
	"github.com/kfishgm/btcbot-sub001/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PollerConfig selects what to poll and how often.
type PollerConfig struct {
	Symbol string
	// KlineInterval is the exchange interval name, e.g. "1m".
	KlineInterval string
	// Limit is the number of most recent klines fetched per poll.
	Limit int
	// PollInterval is the wait between fetches.
	PollInterval time.Duration
}

// SinkFunc receives each successfully fetched batch.
type SinkFunc func(ctx context.Context, klines []*binance.Kline)

// ErrorFunc receives fetch failures. The poller keeps running after one.
type ErrorFunc func(err error)

// Poller fetches recent klines on a fixed interval while started.
// The first fetch happens immediately on Start.
type Poller struct {
	cfg     PollerConfig
	fetcher KlinesFetcher
	sink    SinkFunc
	onError ErrorFunc
	log     *logger.Logger
	tracer  trace.Tracer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a stopped poller.
func NewPoller(cfg PollerConfig, fetcher KlinesFetcher, sink SinkFunc, onError ErrorFunc, log *logger.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		sink:    sink,
		onError: onError,
		log:     log.Named("poller").With(zap.String("symbol", cfg.Symbol)),
		tracer:  otel.Tracer("github.com/kfishgm/btcbot-sub001/internal/failover"),
		mu:      sync.Mutex{},
		cancel:  nil,
		done:    nil,
	}
}

// Start begins polling. It is a no-op if already running.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(ctx, p.done)
}

// Stop cancels polling and waits for the loop to exit. It is a no-op if not running.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

// IsActive reports whether the poll loop is running.
func (p *Poller) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cancel != nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	p.log.Info("Polling started", zap.Duration("poll_interval", p.cfg.PollInterval))

	p.poll(ctx)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Polling stopped")

			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	ctx, span := p.tracer.Start(ctx, "failover.poll",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("symbol", p.cfg.Symbol),
			attribute.String("interval", p.cfg.KlineInterval),
			attribute.Int("limit", p.cfg.Limit),
		))
	defer span.End()

	klines, err := p.fetcher.FetchKlines(ctx, p.cfg.Symbol, p.cfg.KlineInterval, p.cfg.Limit)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		p.log.Warn("Failed to fetch klines", zap.Error(err))

		if p.onError != nil {
			if !errors.HasCode(err, errors.ErrCodeFetchFailed) {
				err = errors.Wrap(errors.ErrCodeFetchFailed, "failed to fetch klines", err)
			}

			p.onError(err)
		}

		return
	}

	span.SetAttributes(attribute.Int("klines", len(klines)))

	if p.sink != nil {
		p.sink(ctx, klines)
	}
}
