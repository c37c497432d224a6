package feed

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/gorilla/websocket"
	"github.com/kfishgm/btcbot-sub001/internal/config"
	"github.com/kfishgm/btcbot-sub001/internal/logger"
	"github.com/kfishgm/btcbot-sub001/internal/metrics"
	"github.com/kfishgm/btcbot-sub001/internal/types"
	"github.com/kfishgm/btcbot-sub001/mocks"
	"github.com/kfishgm/btcbot-sub001/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
)

// frameServer is a websocket endpoint that pushes whatever is sent on frames.
type frameServer struct {
	*httptest.Server
	frames chan []byte
	path   chan string
}

func newFrameServer() *frameServer {
	s := &frameServer{
		frames: make(chan []byte, 16),
		path:   make(chan string, 4),
	}
	upgrader := websocket.Upgrader{} //nolint:exhaustruct // defaults

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s.path <- r.URL.Path

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for frame := range s.frames {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}))

	return s
}

func (s *frameServer) url() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

func (s *frameServer) shutdown() {
	close(s.frames)
	s.Server.CloseClientConnections()
	s.Server.Close()
}

// events records feed notifications.
type events struct {
	mu      sync.Mutex
	closed  []types.Bar
	updated []types.Bar
	aths    []types.ATHChange
	errs    []error
	polling []bool
	states  []types.ConnectionState
}

func (e *events) callbacks() Callbacks {
	onClosed := OnBarClosedCallback(func(bar types.Bar) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.closed = append(e.closed, bar)
	})
	onUpdated := OnBarUpdatedCallback(func(bar types.Bar) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.updated = append(e.updated, bar)
	})
	onATH := OnATHChangedCallback(func(change types.ATHChange) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.aths = append(e.aths, change)
	})
	onError := OnErrorCallback(func(err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.errs = append(e.errs, err)
	})
	onPolling := OnPollingChangeCallback(func(active bool) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.polling = append(e.polling, active)
	})
	onState := OnStateChangeCallback(func(change types.StateChange) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.states = append(e.states, change.To)
	})

	return Callbacks{
		OnBarClosed:     &onClosed,
		OnBarUpdated:    &onUpdated,
		OnATHChanged:    &onATH,
		OnStateChange:   &onState,
		OnError:         &onError,
		OnMaxRetries:    nil,
		OnPollingChange: &onPolling,
	}
}

func (e *events) counts() (closed int, updated int, aths int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.closed), len(e.updated), len(e.aths)
}

func (e *events) hasError(code errors.ErrorCode) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, err := range e.errs {
		if errors.HasCode(err, code) {
			return true
		}
	}

	return false
}

type FeedTestSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	fetcher *mocks.MockKlinesFetcher
	base    time.Time
	cfg     config.Config

	clockMu sync.Mutex
	now     time.Time
}

func TestFeedSuite(t *testing.T) {
	suite.Run(t, new(FeedTestSuite))
}

func (suite *FeedTestSuite) SetupTest() {
	suite.ctrl = gomock.NewController(suite.T())
	suite.fetcher = mocks.NewMockKlinesFetcher(suite.ctrl)
	suite.base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Bars 0..20 are closed by time, bar 21 is still open.
	suite.now = suite.base.Add(21*time.Minute + 30*time.Second)

	suite.cfg = config.Default()
	suite.cfg.Window.Capacity = 20
	suite.cfg.Backfill = true
	suite.cfg.Stream.HeartbeatInterval = time.Hour
	suite.cfg.Stream.Reconnect.BaseDelay = 10 * time.Millisecond
	suite.cfg.Stream.Reconnect.MaxDelay = 20 * time.Millisecond
	suite.cfg.Failover.Threshold = 2
	suite.cfg.Failover.PollInterval = 20 * time.Millisecond
}

func (suite *FeedTestSuite) TearDownTest() {
	suite.ctrl.Finish()
}

func (suite *FeedTestSuite) clock() time.Time {
	suite.clockMu.Lock()
	defer suite.clockMu.Unlock()

	return suite.now
}

func (suite *FeedTestSuite) setClock(t time.Time) {
	suite.clockMu.Lock()
	defer suite.clockMu.Unlock()

	suite.now = t
}

func (suite *FeedTestSuite) backfill() []*binance.Kline {
	klines := make([]*binance.Kline, 0, 20)
	for i := 0; i < 20; i++ {
		klines = append(klines, mocks.FlatKline(suite.base.Add(time.Duration(i)*time.Minute), time.Minute, 50000+float64(i)*100))
	}

	return klines
}

// frame builds a stream kline event for the bar opening at base+minute.
func (suite *FeedTestSuite) frame(minute int, high string, final bool) []byte {
	open := suite.base.Add(time.Duration(minute) * time.Minute)

	raw, err := json.Marshal(map[string]any{
		"e": "kline",
		"E": suite.clock().UnixMilli(),
		"s": "BTCUSDT",
		"k": map[string]any{
			"t": open.UnixMilli(),
			"T": open.Add(time.Minute - time.Millisecond).UnixMilli(),
			"s": "BTCUSDT",
			"i": "1m",
			"o": high,
			"c": high,
			"h": high,
			"l": high,
			"v": "2.5",
			"n": 10,
			"x": final,
		},
	})
	suite.Require().NoError(err)

	return raw
}

func (suite *FeedTestSuite) TestEndToEndATH() {
	srv := newFrameServer()
	defer srv.shutdown()

	suite.cfg.Stream.URL = srv.url()
	suite.fetcher.EXPECT().
		FetchKlines(gomock.Any(), "BTCUSDT", "1m", 20).
		Return(suite.backfill(), nil).
		Times(1)

	rec := &events{}
	m := metrics.New()
	f := New(suite.cfg, Dependencies{
		Fetcher: suite.fetcher,
		Dialer:  nil,
		Metrics: m,
		Logger:  logger.NewNop(),
		Clock:   suite.clock,
	}, rec.callbacks())

	suite.Require().NoError(f.Start(context.Background()))
	defer f.Stop()

	suite.Equal("/btcusdt@kline_1m", <-srv.path)

	suite.Eventually(func() bool {
		return f.ATH().String() == "51900"
	}, 5*time.Second, 5*time.Millisecond)

	closed, _, aths := rec.counts()
	suite.Equal(20, closed)
	suite.Equal(20, aths)

	srv.frames <- suite.frame(20, "60000", true)
	suite.Eventually(func() bool {
		return f.ATH().String() == "60000"
	}, 5*time.Second, 5*time.Millisecond)

	history := f.History()
	suite.Len(history, 20)
	suite.Equal(suite.base.Add(time.Minute), history[0].OpenTime)

	// An open bar with a higher high does not move the closed-only ATH.
	srv.frames <- suite.frame(21, "99999", false)
	suite.Eventually(func() bool {
		_, updated, _ := rec.counts()

		return updated == 1
	}, 5*time.Second, 5*time.Millisecond)
	suite.Equal("60000", f.ATH().String())

	// Once its close time passes it does, and the bar is reported closed exactly once.
	suite.setClock(suite.base.Add(22*time.Minute + time.Second))
	srv.frames <- suite.frame(21, "99999", true)
	srv.frames <- suite.frame(21, "99999", true)
	suite.Eventually(func() bool {
		return f.Stats().Received == 4
	}, 5*time.Second, 5*time.Millisecond)
	suite.Equal("99999", f.ATH().String())

	f.Stop()

	closed, updated, aths := rec.counts()
	suite.Equal(22, closed)
	suite.Equal(1, updated)
	suite.Equal(22, aths)

	rec.mu.Lock()
	last := rec.aths[len(rec.aths)-1]
	rec.mu.Unlock()
	suite.True(decimal.NewFromInt(60000).Equal(last.Old))
	suite.True(decimal.NewFromInt(99999).Equal(last.New))

	suite.Equal(types.ConnectionStateDisconnected, f.Stats().State)
	suite.Equal(uint64(4), f.Stats().Received)
}

func (suite *FeedTestSuite) TestInvalidFramesAreCountedAndSkipped() {
	srv := newFrameServer()
	defer srv.shutdown()

	suite.cfg.Stream.URL = srv.url()
	suite.cfg.Backfill = false

	rec := &events{}
	f := New(suite.cfg, Dependencies{Fetcher: suite.fetcher, Logger: logger.NewNop(), Clock: suite.clock}, rec.callbacks())
	suite.Require().NoError(f.Start(context.Background()))
	defer f.Stop()

	srv.frames <- []byte(`{"e":"kline"`)
	srv.frames <- suite.frame(5, "-1", true)
	srv.frames <- suite.frame(5, "42000", true)

	suite.Eventually(func() bool {
		return f.ATH().String() == "42000"
	}, 5*time.Second, 5*time.Millisecond)

	suite.Equal(uint64(2), f.ValidationErrors())
	suite.True(rec.hasError(errors.ErrCodeMalformedPayload))
	suite.True(rec.hasError(errors.ErrCodeNegativePrice))
	suite.Len(f.History(), 1)
}

func (suite *FeedTestSuite) TestFailoverToPollingAndIdenticalRefetches() {
	ctrl := gomock.NewController(suite.T())
	defer ctrl.Finish()

	dialer := mocks.NewMockDialer(ctrl)
	dialer.EXPECT().
		DialContext(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, nil, stderrors.New("connection refused")).
		AnyTimes()

	batch := suite.backfill()
	suite.fetcher.EXPECT().
		FetchKlines(gomock.Any(), "BTCUSDT", "1m", 20).
		Return(batch, nil).
		MinTimes(3)

	suite.cfg.Stream.URL = "ws://unreachable.test/ws"
	suite.cfg.Backfill = false

	rec := &events{}
	f := New(suite.cfg, Dependencies{
		Fetcher: suite.fetcher,
		Dialer:  dialer,
		Logger:  logger.NewNop(),
		Clock:   suite.clock,
	}, rec.callbacks())
	suite.Require().NoError(f.Start(context.Background()))

	suite.Eventually(f.IsPolling, 5*time.Second, 5*time.Millisecond)
	suite.GreaterOrEqual(f.Failures(), 2)

	suite.Eventually(func() bool {
		return f.ATH().String() == "51900"
	}, 5*time.Second, 5*time.Millisecond)

	// Let several identical polls land.
	time.Sleep(100 * time.Millisecond)
	f.Stop()

	closed, updated, _ := rec.counts()
	suite.Equal(20, closed)
	suite.Equal(0, updated)

	for _, bar := range f.History() {
		suite.Equal(types.BarSourcePoll, bar.Source)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	suite.Equal([]bool{true, false}, rec.polling)
	suite.False(f.IsPolling())
}

func (suite *FeedTestSuite) TestBackfillFailureIsReported() {
	srv := newFrameServer()
	defer srv.shutdown()

	suite.cfg.Stream.URL = srv.url()
	suite.fetcher.EXPECT().
		FetchKlines(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New(errors.ErrCodeFetchFailed, "rate limited")).
		Times(1)

	rec := &events{}
	f := New(suite.cfg, Dependencies{Fetcher: suite.fetcher, Logger: logger.NewNop(), Clock: suite.clock}, rec.callbacks())
	suite.Require().NoError(f.Start(context.Background()))

	<-srv.path
	suite.Eventually(func() bool {
		return f.Stats().State == types.ConnectionStateConnected
	}, 5*time.Second, 5*time.Millisecond)

	f.Stop()
	f.Stop()

	suite.True(rec.hasError(errors.ErrCodeFetchFailed))
	suite.Empty(f.History())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	suite.Equal([]types.ConnectionState{
		types.ConnectionStateConnecting,
		types.ConnectionStateConnected,
		types.ConnectionStateDisconnecting,
		types.ConnectionStateDisconnected,
	}, rec.states)
}

func (suite *FeedTestSuite) TestSendQueuesUntilConnected() {
	f := New(suite.cfg, Dependencies{Fetcher: suite.fetcher, Logger: logger.NewNop(), Clock: suite.clock}, Callbacks{})
	defer f.Stop()

	suite.Require().NoError(f.Send(map[string]string{"method": "SUBSCRIBE"}))
	suite.Equal(1, f.Stats().QueueLength)
}
