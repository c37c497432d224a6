package window

import (
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kfishgm/btcbot-sub001/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type WindowTestSuite struct {
	suite.Suite
	clock *fakeClock
	base  time.Time
}

func TestWindowSuite(t *testing.T) {
	suite.Run(t, new(WindowTestSuite))
}

func (suite *WindowTestSuite) SetupTest() {
	suite.base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Far enough after base that the first few hundred minute bars are closed.
	suite.clock = &fakeClock{now: suite.base.Add(24 * time.Hour)}
}

// closedBar returns a one-minute bar at base+i minutes that is closed by time.
func (suite *WindowTestSuite) closedBar(i int, high float64) types.Bar {
	open := suite.base.Add(time.Duration(i) * time.Minute)
	h := decimal.NewFromFloat(high)

	return types.Bar{
		Symbol:    "BTCUSDT",
		Interval:  "1m",
		OpenTime:  open,
		CloseTime: open.Add(time.Minute - time.Millisecond),
		Open:      h,
		High:      h,
		Low:       h,
		Close:     h,
		Volume:    decimal.NewFromInt(1),
		Closed:    true,
		Source:    types.BarSourceStream,
	}
}

// openBar returns a bar that starts now and closes one minute later.
func (suite *WindowTestSuite) openBar(high float64) types.Bar {
	open := suite.clock.Now()
	h := decimal.NewFromFloat(high)

	return types.Bar{
		Symbol:    "BTCUSDT",
		Interval:  "1m",
		OpenTime:  open,
		CloseTime: open.Add(time.Minute - time.Millisecond),
		Open:      h,
		High:      h,
		Low:       h,
		Close:     h,
		Volume:    decimal.Zero,
		Closed:    false,
		Source:    types.BarSourceStream,
	}
}

func (suite *WindowTestSuite) TestCapacityBoundAndRetainedSet() {
	const capacity = 10

	w := New(capacity, suite.clock.Now)
	rng := rand.New(rand.NewSource(7))
	seen := map[int]bool{}

	for n := 0; n < 200; n++ {
		i := rng.Intn(100)
		seen[i] = true
		w.Upsert(suite.closedBar(i, float64(100+i)))
		suite.LessOrEqual(w.Len(), capacity)
	}

	keys := make([]int, 0, len(seen))
	for i := range seen {
		keys = append(keys, i)
	}

	sort.Ints(keys)
	expected := keys[len(keys)-capacity:]

	history := w.History()
	suite.Require().Len(history, capacity)

	for idx, bar := range history {
		suite.Equal(suite.base.Add(time.Duration(expected[idx])*time.Minute), bar.OpenTime)
	}
}

func (suite *WindowTestSuite) TestOverflowKeepsMostRecent() {
	w := New(3, suite.clock.Now)
	for i := 0; i < 5; i++ {
		res := w.Upsert(suite.closedBar(i, 1))
		if i >= 3 {
			suite.Equal(1, res.Evicted)
		}
	}

	history := w.History()
	suite.Len(history, 3)
	suite.Equal(suite.base.Add(2*time.Minute), history[0].OpenTime)
	suite.Equal(suite.base.Add(4*time.Minute), history[2].OpenTime)
}

func (suite *WindowTestSuite) TestOutOfOrderInsertKeepsOrder() {
	w := New(10, suite.clock.Now)
	for _, i := range []int{5, 1, 3, 2, 4} {
		w.Upsert(suite.closedBar(i, float64(i)))
	}

	history := w.History()
	suite.Len(history, 5)

	for idx := 1; idx < len(history); idx++ {
		suite.True(history[idx-1].OpenTime.Before(history[idx].OpenTime))
	}
}

func (suite *WindowTestSuite) TestDeduplicateLastWriteWins() {
	w := New(5, suite.clock.Now)
	w.Upsert(suite.closedBar(0, 100))
	w.Upsert(suite.closedBar(1, 200))

	res := w.Upsert(suite.closedBar(1, 250))
	suite.True(res.Replaced)
	suite.False(res.Inserted)
	suite.True(res.Changed)
	suite.True(res.WasClosed)

	same := w.Upsert(suite.closedBar(1, 250))
	suite.True(same.Replaced)
	suite.False(same.Changed)

	interior := w.Upsert(suite.closedBar(0, 120))
	suite.True(interior.Replaced)

	history := w.History()
	suite.Len(history, 2)
	suite.True(decimal.NewFromInt(120).Equal(history[0].High))
	suite.True(decimal.NewFromInt(250).Equal(history[1].High))
}

func (suite *WindowTestSuite) TestATHOnlyUnclosedIsZero() {
	w := New(5, suite.clock.Now)
	suite.True(w.ATH(true).IsZero())

	w.Upsert(suite.openBar(500))
	suite.True(w.ATH(true).IsZero())
	suite.True(decimal.NewFromInt(500).Equal(w.ATH(false)))

	w.Upsert(suite.closedBar(0, 300))
	suite.True(decimal.NewFromInt(300).Equal(w.ATH(true)))
}

func (suite *WindowTestSuite) TestATHChangeEvent() {
	w := New(5, suite.clock.Now)

	first := w.Upsert(suite.closedBar(0, 100))
	change, err := first.ATHChange.Take()
	suite.Require().NoError(err)
	suite.True(change.Old.IsZero())
	suite.True(decimal.NewFromInt(100).Equal(change.New))

	raise := w.Upsert(suite.closedBar(1, 150))
	change, err = raise.ATHChange.Take()
	suite.Require().NoError(err)
	suite.True(decimal.NewFromInt(100).Equal(change.Old))
	suite.True(decimal.NewFromInt(150).Equal(change.New))
	suite.Equal(suite.clock.Now(), change.At)

	lower := w.Upsert(suite.closedBar(2, 120))
	suite.True(lower.ATHChange.IsNone())

	equal := w.Upsert(suite.closedBar(3, 150))
	suite.True(equal.ATHChange.IsNone())

	open := w.Upsert(suite.openBar(1000))
	suite.True(open.ATHChange.IsNone())
	suite.False(open.Closed)
}

func (suite *WindowTestSuite) TestReplaceInteriorInvalidatesCache() {
	w := New(5, suite.clock.Now)
	for i := 0; i < 3; i++ {
		w.Upsert(suite.closedBar(i, float64(100+i)))
	}

	suite.True(decimal.NewFromInt(102).Equal(w.ATH(true)))

	// Boundaries do not move, the cached value must still be refreshed.
	w.Upsert(suite.closedBar(1, 900))
	suite.True(decimal.NewFromInt(900).Equal(w.ATH(true)))
}

func (suite *WindowTestSuite) TestBarClosingByTimeRefreshesCache() {
	w := New(5, suite.clock.Now)
	w.Upsert(suite.closedBar(0, 100))
	w.Upsert(suite.openBar(700))

	suite.True(decimal.NewFromInt(100).Equal(w.ATH(true)))

	// No write happens and the window boundaries stay put; only time passes
	// beyond the open bar's close time.
	suite.clock.Advance(2 * time.Minute)
	suite.True(decimal.NewFromInt(700).Equal(w.ATH(true)))
}

func (suite *WindowTestSuite) TestATHChangeAfterClosingByTime() {
	w := New(5, suite.clock.Now)
	w.Upsert(suite.closedBar(0, 100))

	open := suite.openBar(700)
	w.Upsert(open)

	suite.clock.Advance(2 * time.Minute)
	suite.True(decimal.NewFromInt(700).Equal(w.ATH(true)))

	// The final update for the bar reports the rise even though time closed it first.
	final := open
	final.Closed = true
	final.Volume = decimal.NewFromInt(4)

	res := w.Upsert(final)
	change, err := res.ATHChange.Take()
	suite.Require().NoError(err)
	suite.True(decimal.NewFromInt(100).Equal(change.Old))
	suite.True(decimal.NewFromInt(700).Equal(change.New))

	again := w.Upsert(final)
	suite.True(again.ATHChange.IsNone())
}

func (suite *WindowTestSuite) TestATHChangeAfterEviction() {
	w := New(2, suite.clock.Now)
	w.Upsert(suite.closedBar(0, 500))
	w.Upsert(suite.closedBar(1, 100))

	// Evicting the 500 bar drops the ATH to 200.
	res := w.Upsert(suite.closedBar(2, 200))
	suite.True(res.ATHChange.IsNone())
	suite.True(decimal.NewFromInt(200).Equal(w.ATH(true)))

	res = w.Upsert(suite.closedBar(3, 300))
	change, err := res.ATHChange.Take()
	suite.Require().NoError(err)
	suite.True(decimal.NewFromInt(200).Equal(change.Old))
	suite.True(decimal.NewFromInt(300).Equal(change.New))
}

func (suite *WindowTestSuite) TestEndToEndScenario() {
	w := New(20, suite.clock.Now)

	for i := 0; i < 20; i++ {
		w.Upsert(suite.closedBar(i, 50000+float64(i)*100))
	}

	suite.Equal("51900", w.ATH(true).String())

	res := w.Upsert(suite.closedBar(20, 60000))
	suite.True(res.ATHChange.IsSome())
	suite.Equal("60000", w.ATH(true).String())

	history := w.History()
	suite.Len(history, 20)
	suite.Equal(suite.base.Add(time.Minute), history[0].OpenTime)

	w.Upsert(suite.openBar(99999))
	suite.Equal("60000", w.ATH(true).String())
}

func (suite *WindowTestSuite) TestHistoryIsSnapshot() {
	w := New(5, suite.clock.Now)
	w.Upsert(suite.closedBar(0, 100))

	history := w.History()
	history[0].High = decimal.NewFromInt(1)

	last, ok := w.Last()
	suite.True(ok)
	suite.True(decimal.NewFromInt(100).Equal(last.High))
}

func (suite *WindowTestSuite) TestConcurrentUpserts() {
	w := New(50, suite.clock.Now)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)

		go func(offset int) {
			defer wg.Done()

			for i := 0; i < 100; i++ {
				w.Upsert(suite.closedBar(offset*100+i, float64(i)))
				_ = w.ATH(true)
				_ = w.History()
			}
		}(g)
	}

	wg.Wait()
	suite.Equal(50, w.Len())
}

func (suite *WindowTestSuite) TestClearAndCapacity() {
	w := New(0, nil)
	suite.Equal(1, w.Capacity())

	w = New(3, suite.clock.Now)
	w.Upsert(suite.closedBar(0, 10))
	w.Clear()
	suite.Equal(0, w.Len())
	suite.True(w.ATH(true).IsZero())

	_, ok := w.Last()
	suite.False(ok)
}
