// Package window keeps the most recent bars of one instrument and derives their closed-only all-time high.
package window

import (
	"sort"
	"sync"
	"time"

	"github.com/kfishgm/btcbot-sub001/internal/types"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
)

// Clock returns the current time. Injected so closed-status checks are testable.
type Clock func() time.Time

// UpsertResult describes what a single Upsert did to the window.
type UpsertResult struct {
	// Inserted is true when the bar's open time was not present before.
	Inserted bool
	// Replaced is true when an existing bar with the same open time was overwritten.
	Replaced bool
	// Changed is false only when a replaced bar carried identical values.
	Changed bool
	// Evicted counts bars dropped from the old end to honor capacity.
	Evicted int
	// Closed reports whether the upserted bar is closed at upsert time.
	Closed bool
	// WasClosed reports whether the replaced bar was already closed.
	WasClosed bool
	// ATHChange is set when this closed bar raised the closed-only ATH above
	// the last reported value.
	ATHChange optional.Option[types.ATHChange]
}

// athCache memoizes the closed-only ATH. It is valid while the window version
// is unchanged and no bar that was open at compute time has reached its close time.
type athCache struct {
	version     uint64
	value       decimal.Decimal
	firstOpen   time.Time
	lastOpen    time.Time
	nextCloseAt optional.Option[time.Time]
}

// Window stores the most recent bars of one instrument using a sliding window algorithm.
// Bars are kept ordered by open time and deduplicated by it; once the window holds
// more than capacity bars the oldest are evicted.
type Window struct {
	capacity int
	clock    Clock
	// bars is ordered by OpenTime (oldest first)
	bars    []types.Bar
	version uint64
	cache   optional.Option[athCache]
	// reported is the ATH carried by the last ATHChange, lowered when
	// evictions or replacements pull the maximum down.
	reported decimal.Decimal
	mu       sync.RWMutex
}

// New creates a Window holding at most capacity bars.
// A nil clock means time.Now.
func New(capacity int, clock Clock) *Window {
	if clock == nil {
		clock = time.Now
	}

	if capacity < 1 {
		capacity = 1
	}

	return &Window{
		capacity: capacity,
		clock:    clock,
		bars:     make([]types.Bar, 0, capacity+1),
		version:  0,
		cache:    optional.None[athCache](),
		reported: decimal.Zero,
		mu:       sync.RWMutex{},
	}
}

// Upsert inserts the bar, or replaces the bar with the same open time.
// Optimized for the common case where bars arrive in chronological order.
func (w *Window) Upsert(bar types.Bar) UpsertResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock()

	result := UpsertResult{ //nolint:exhaustruct // flags filled below
		Closed:    bar.IsClosedAt(now),
		Changed:   true,
		ATHChange: optional.None[types.ATHChange](),
	}

	n := len(w.bars)

	switch {
	case n == 0 || bar.OpenTime.After(w.bars[n-1].OpenTime):
		// Fast path: chronological append
		w.bars = append(w.bars, bar)
		result.Inserted = true
	case bar.OpenTime.Equal(w.bars[n-1].OpenTime):
		result.Replaced = true
		result.WasClosed = w.bars[n-1].IsClosedAt(now)
		result.Changed = !w.bars[n-1].Equal(bar)
		w.bars[n-1] = bar
	default:
		// Slow path: out-of-order insertion using binary search
		idx := sort.Search(n, func(i int) bool {
			return !w.bars[i].OpenTime.Before(bar.OpenTime)
		})

		if idx < n && w.bars[idx].OpenTime.Equal(bar.OpenTime) {
			result.Replaced = true
			result.WasClosed = w.bars[idx].IsClosedAt(now)
			result.Changed = !w.bars[idx].Equal(bar)
			w.bars[idx] = bar
		} else {
			w.bars = append(w.bars, types.Bar{}) //nolint:exhaustruct // placeholder for slice expansion
			copy(w.bars[idx+1:], w.bars[idx:])
			w.bars[idx] = bar
			result.Inserted = true
		}
	}

	if len(w.bars) > w.capacity {
		// Remove from the beginning (oldest bars)
		result.Evicted = len(w.bars) - w.capacity
		kept := make([]types.Bar, w.capacity, w.capacity+1)
		copy(kept, w.bars[result.Evicted:])
		w.bars = kept
	}

	// Every write invalidates the memoized ATH, even when the boundaries did not move.
	w.version++
	w.cache = optional.None[athCache]()

	after := w.athLocked(now)

	switch {
	case result.Closed && after.GreaterThan(w.reported) && bar.High.Equal(after):
		result.ATHChange = optional.Some(types.ATHChange{
			Old: w.reported,
			New: after,
			At:  now,
			Bar: bar,
		})
		w.reported = after
	case after.LessThan(w.reported):
		w.reported = after
	}

	return result
}

// History returns a copy of the window ordered by open time ascending.
func (w *Window) History() []types.Bar {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]types.Bar, len(w.bars))
	copy(out, w.bars)

	return out
}

// ATH returns the maximum high in the window. With excludeUnclosed, only bars
// that are closed at call time are considered. An empty set yields zero.
func (w *Window) ATH(excludeUnclosed bool) decimal.Decimal {
	now := w.clock()

	if !excludeUnclosed {
		w.mu.RLock()
		defer w.mu.RUnlock()

		return maxHigh(w.bars, func(types.Bar) bool { return true })
	}

	w.mu.RLock()
	if cached, ok := w.validCacheLocked(now); ok {
		w.mu.RUnlock()

		return cached
	}
	w.mu.RUnlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.athLocked(now)
}

// athLocked returns the closed-only ATH, recomputing and memoizing it when the cache is stale.
// Callers must hold the write lock.
func (w *Window) athLocked(now time.Time) decimal.Decimal {
	if cached, ok := w.validCacheLocked(now); ok {
		return cached
	}

	value := maxHigh(w.bars, func(b types.Bar) bool { return b.IsClosedAt(now) })

	nextClose := optional.None[time.Time]()
	for _, b := range w.bars {
		if b.IsClosedAt(now) {
			continue
		}

		if next, err := nextClose.Take(); err != nil || b.CloseTime.Before(next) {
			nextClose = optional.Some(b.CloseTime)
		}
	}

	entry := athCache{
		version:     w.version,
		value:       value,
		firstOpen:   time.Time{},
		lastOpen:    time.Time{},
		nextCloseAt: nextClose,
	}
	if len(w.bars) > 0 {
		entry.firstOpen = w.bars[0].OpenTime
		entry.lastOpen = w.bars[len(w.bars)-1].OpenTime
	}

	w.cache = optional.Some(entry)

	return value
}

func (w *Window) validCacheLocked(now time.Time) (decimal.Decimal, bool) {
	entry, err := w.cache.Take()
	if err != nil || entry.version != w.version {
		return decimal.Zero, false
	}

	if len(w.bars) > 0 && (!entry.firstOpen.Equal(w.bars[0].OpenTime) || !entry.lastOpen.Equal(w.bars[len(w.bars)-1].OpenTime)) {
		return decimal.Zero, false
	}

	// An interior bar may have closed by time passing since the cache was filled.
	if next, err := entry.nextCloseAt.Take(); err == nil && !next.After(now) {
		return decimal.Zero, false
	}

	return entry.value, true
}

func maxHigh(bars []types.Bar, include func(types.Bar) bool) decimal.Decimal {
	result := decimal.Zero
	for _, b := range bars {
		if include(b) && b.High.GreaterThan(result) {
			result = b.High
		}
	}

	return result
}

// Len returns the number of bars currently held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.bars)
}

// Capacity returns the maximum number of bars the window holds.
func (w *Window) Capacity() int {
	return w.capacity
}

// Last returns the most recent bar, if any.
func (w *Window) Last() (types.Bar, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.bars) == 0 {
		return types.Bar{}, false //nolint:exhaustruct // zero value for not found
	}

	return w.bars[len(w.bars)-1], true
}

// Clear removes all bars.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.bars = make([]types.Bar, 0, w.capacity+1)
	w.version++
	w.cache = optional.None[athCache]()
	w.reported = decimal.Zero
}
