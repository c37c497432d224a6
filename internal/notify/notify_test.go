package notify

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type DispatcherTestSuite struct {
	suite.Suite
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}

func (suite *DispatcherTestSuite) TestDeliversInOrder() {
	d := NewDispatcher()

	var (
		mu  sync.Mutex
		got []int
	)

	for i := 0; i < 100; i++ {
		d.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	d.Close()

	suite.Len(got, 100)
	for i, v := range got {
		suite.Equal(i, v)
	}
}

func (suite *DispatcherTestSuite) TestSubmitDoesNotBlockOnSlowConsumer() {
	d := NewDispatcher()
	release := make(chan struct{})

	d.Submit(func() { <-release })

	start := time.Now()
	for i := 0; i < 1000; i++ {
		d.Submit(func() {})
	}

	suite.Less(time.Since(start), time.Second)
	suite.Positive(d.Pending())

	close(release)
	d.Close()
	suite.Equal(0, d.Pending())
}

func (suite *DispatcherTestSuite) TestCloseIsIdempotentAndIgnoresLateWork() {
	d := NewDispatcher()

	var calls atomic.Int32

	d.Submit(func() { calls.Add(1) })
	d.Close()
	d.Close()

	d.Submit(func() { calls.Add(1) })
	d.Submit(nil)

	suite.Equal(int32(1), calls.Load())
}
