// Package feed wires the stream client, the sliding window and the polling
// failover into one market data feed for a single instrument.
package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/kfishgm/btcbot-sub001/internal/config"
	"github.com/kfishgm/btcbot-sub001/internal/failover"
	"github.com/kfishgm/btcbot-sub001/internal/ingest"
	"github.com/kfishgm/btcbot-sub001/internal/logger"
	"github.com/kfishgm/btcbot-sub001/internal/metrics"
	"github.com/kfishgm/btcbot-sub001/internal/notify"
	"github.com/kfishgm/btcbot-sub001/internal/stream"
	"github.com/kfishgm/btcbot-sub001/internal/types"
	"github.com/kfishgm/btcbot-sub001/internal/window"
	"github.com/kfishgm/btcbot-sub001/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Dependencies are the collaborators of a Feed. Zero fields get defaults:
// a Binance REST fetcher, a gorilla dialer, no metrics, a no-op logger and time.Now.
type Dependencies struct {
	Fetcher failover.KlinesFetcher
	Dialer  stream.Dialer
	Metrics *metrics.Metrics
	Logger  *logger.Logger
	Clock   window.Clock
}

// Feed keeps the recent bars of one instrument current from the stream, or
// from REST polling while the stream is unhealthy.
type Feed struct {
	cfg       config.Config
	callbacks Callbacks
	fetcher   failover.KlinesFetcher
	metrics   *metrics.Metrics
	log       *logger.Logger
	clock     window.Clock

	dispatch *notify.Dispatcher
	window   *window.Window
	client   *stream.Client
	poller   *failover.Poller
	detector *failover.Detector

	validationErrors atomic.Uint64

	// closedSeen holds open times (unix ms) already reported closed.
	// Touched only on the dispatcher goroutine.
	closedSeen map[int64]struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a stopped feed.
func New(cfg config.Config, deps Dependencies, callbacks Callbacks) *Feed {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	if deps.Fetcher == nil {
		deps.Fetcher = failover.NewBinanceFetcher(cfg.Failover.RestURL)
	}

	log := deps.Logger.Named("feed").With(
		zap.String("symbol", cfg.Symbol),
		zap.String("interval", cfg.Interval))

	f := &Feed{ //nolint:exhaustruct // components wired below
		cfg:        cfg,
		callbacks:  callbacks,
		fetcher:    deps.Fetcher,
		metrics:    deps.Metrics,
		log:        log,
		clock:      deps.Clock,
		dispatch:   notify.NewDispatcher(),
		window:     window.New(cfg.Window.Capacity, deps.Clock),
		closedSeen: make(map[int64]struct{}),
	}

	f.poller = failover.NewPoller(failover.PollerConfig{
		Symbol:        cfg.Symbol,
		KlineInterval: cfg.Interval,
		Limit:         cfg.Window.Capacity,
		PollInterval:  cfg.Failover.PollInterval,
	}, deps.Fetcher, f.handlePollBatch, f.handlePollError, log)

	onPollingChange := failover.OnPollingChangeCallback(f.handlePollingChange)
	f.detector = failover.NewDetector(cfg.Failover.Threshold, f.poller, log, &onPollingChange)

	streamCfg := cfg.Stream
	streamCfg.URL = stream.KlineStreamURL(cfg.Stream.URL, cfg.Symbol, cfg.Interval)
	f.client = stream.NewClient(streamCfg, deps.Dialer, f.dispatch, log, f.streamCallbacks())

	return f
}

// Start backfills the window over REST when configured, then connects the stream.
// A failed backfill is reported through OnError and does not stop the feed.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started || f.stopped {
		f.mu.Unlock()

		return nil
	}
	f.started = true
	f.mu.Unlock()

	if f.cfg.Backfill {
		klines, err := f.fetcher.FetchKlines(ctx, f.cfg.Symbol, f.cfg.Interval, f.cfg.Window.Capacity)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			f.log.Warn("Backfill failed, continuing with the stream only", zap.Error(err))
			f.dispatch.Submit(func() { f.emitError(err) })
		} else {
			f.log.Info("Backfill fetched", zap.Int("klines", len(klines)))
			f.dispatch.Submit(func() { f.ingestKlines(klines) })
		}
	}

	f.client.Connect()

	return nil
}

// Stop disconnects the stream, stops polling and delivers every pending
// notification before returning. It is idempotent.
func (f *Feed) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()

		return
	}
	f.stopped = true
	f.mu.Unlock()

	f.client.Disconnect()
	f.dispatch.Submit(f.detector.RecordStreamRecovery)
	f.dispatch.Close()
	f.poller.Stop()

	f.log.Info("Feed stopped")
}

// Send forwards msg to the stream, queueing it while disconnected.
func (f *Feed) Send(msg any) error {
	return f.client.Send(msg)
}

// History returns a copy of the window, oldest first.
func (f *Feed) History() []types.Bar {
	return f.window.History()
}

// ATH returns the highest high over closed bars in the window.
func (f *Feed) ATH() decimal.Decimal {
	return f.window.ATH(true)
}

// Stats returns a snapshot of the stream connection counters.
func (f *Feed) Stats() types.ConnectionStats {
	return f.client.Stats()
}

// IsPolling reports whether polling currently replaces the stream.
func (f *Feed) IsPolling() bool {
	return f.detector.IsPolling()
}

// Failures returns the consecutive stream failure count.
func (f *Feed) Failures() int {
	return f.detector.Failures()
}

// ValidationErrors returns the number of payloads rejected so far.
func (f *Feed) ValidationErrors() uint64 {
	return f.validationErrors.Load()
}

func (f *Feed) streamCallbacks() stream.Callbacks {
	onOpen := stream.OnOpenCallback(func(string) {
		f.detector.RecordStreamRecovery()
	})
	onMessage := stream.OnMessageCallback(f.handleFrame)
	onState := stream.OnStateChangeCallback(func(change types.StateChange) {
		f.metrics.SetConnectionState(change.To)

		if change.To == types.ConnectionStateReconnecting {
			f.metrics.IncReconnect()
		}

		if f.callbacks.OnStateChange != nil {
			(*f.callbacks.OnStateChange)(change)
		}
	})
	onError := stream.OnErrorCallback(func(err error) {
		if isStreamFailure(err) {
			f.detector.RecordStreamFailure()
		}

		f.emitError(err)
	})
	onMaxRetries := stream.OnMaxRetriesCallback(func(attempts int) {
		if f.callbacks.OnMaxRetries != nil {
			(*f.callbacks.OnMaxRetries)(attempts)
		}
	})
	onQueueDrop := stream.OnQueueDropCallback(func([]byte) {
		f.metrics.IncQueueDrop()
	})

	return stream.Callbacks{
		OnOpen:        &onOpen,
		OnMessage:     &onMessage,
		OnStateChange: &onState,
		OnError:       &onError,
		OnMaxRetries:  &onMaxRetries,
		OnQueueDrop:   &onQueueDrop,
	}
}

// isStreamFailure reports whether err counts towards the failover threshold.
func isStreamFailure(err error) bool {
	switch errors.GetCode(err) {
	case errors.ErrCodeConnectionFailed, errors.ErrCodeConnectionLost,
		errors.ErrCodePingTimeout, errors.ErrCodeWriteFailed:
		return true
	default:
		return false
	}
}

func (f *Feed) ingestOptions() ingest.Options {
	return ingest.Options{
		Symbol:         f.cfg.Symbol,
		Interval:       f.cfg.Interval,
		Now:            f.clock(),
		DriftTolerance: f.cfg.Ingest.DriftTolerance,
	}
}

// handleFrame runs on the dispatcher goroutine.
func (f *Feed) handleFrame(data []byte) {
	f.metrics.IncMessage()

	bar, err := ingest.ParseFrame(data, f.ingestOptions())
	if err != nil {
		f.rejected(err)

		return
	}

	f.apply(bar)
}

func (f *Feed) handlePollBatch(_ context.Context, klines []*binance.Kline) {
	f.metrics.IncPollFetch("ok")
	f.dispatch.Submit(func() { f.ingestKlines(klines) })
}

func (f *Feed) handlePollError(err error) {
	f.metrics.IncPollFetch("error")
	f.dispatch.Submit(func() { f.emitError(err) })
}

func (f *Feed) handlePollingChange(active bool) {
	f.metrics.SetPolling(active)

	if f.callbacks.OnPollingChange != nil {
		(*f.callbacks.OnPollingChange)(active)
	}
}

// ingestKlines runs on the dispatcher goroutine.
func (f *Feed) ingestKlines(klines []*binance.Kline) {
	opts := f.ingestOptions()

	for _, k := range klines {
		bar, err := ingest.FromKline(k, opts)
		if err != nil {
			f.rejected(err)

			continue
		}

		f.apply(bar)
	}
}

func (f *Feed) rejected(err error) {
	f.validationErrors.Add(1)
	f.metrics.IncValidationError(errors.GetCode(err).String())
	f.log.Debug("Payload rejected", zap.Error(err), zap.String("field", errors.GetField(err)))
	f.emitError(err)
}

// apply upserts one validated bar and emits the resulting notifications.
func (f *Feed) apply(bar types.Bar) {
	result := f.window.Upsert(bar)
	f.metrics.IncBarUpserted(bar.Source)

	key := bar.OpenTime.UnixMilli()

	switch {
	case result.Closed:
		if _, seen := f.closedSeen[key]; !seen {
			f.closedSeen[key] = struct{}{}
			f.pruneClosedSeen()

			if f.callbacks.OnBarClosed != nil {
				(*f.callbacks.OnBarClosed)(bar)
			}
		} else if result.Changed && f.callbacks.OnBarUpdated != nil {
			(*f.callbacks.OnBarUpdated)(bar)
		}
	case result.Changed:
		if f.callbacks.OnBarUpdated != nil {
			(*f.callbacks.OnBarUpdated)(bar)
		}
	}

	if change, err := result.ATHChange.Take(); err == nil {
		f.log.Info("ATH changed",
			zap.String("old", change.Old.String()),
			zap.String("new", change.New.String()))

		if f.callbacks.OnATHChanged != nil {
			(*f.callbacks.OnATHChanged)(change)
		}
	}

	f.metrics.SetATH(f.window.ATH(true))
}

// pruneClosedSeen forgets bars that have left the window.
func (f *Feed) pruneClosedSeen() {
	if len(f.closedSeen) <= 2*f.window.Capacity() {
		return
	}

	history := f.window.History()
	if len(history) == 0 {
		return
	}

	oldest := history[0].OpenTime.UnixMilli()
	for key := range f.closedSeen {
		if key < oldest {
			delete(f.closedSeen, key)
		}
	}
}

func (f *Feed) emitError(err error) {
	if f.callbacks.OnError != nil {
		(*f.callbacks.OnError)(err)
	}
}
