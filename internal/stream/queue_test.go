package stream

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type OutboundQueueTestSuite struct {
	suite.Suite
}

func TestOutboundQueueSuite(t *testing.T) {
	suite.Run(t, new(OutboundQueueTestSuite))
}

func (suite *OutboundQueueTestSuite) TestDropOldest() {
	q := newOutboundQueue(2)

	suite.Empty(q.push([]byte("a")))
	suite.Empty(q.push([]byte("b")))

	dropped := q.push([]byte("c"))
	suite.Equal([][]byte{[]byte("a")}, dropped)
	suite.Equal(2, q.len())

	head, ok := q.peek()
	suite.True(ok)
	suite.Equal("b", string(head))

	q.pop()
	q.pop()
	q.pop()

	_, ok = q.peek()
	suite.False(ok)
	suite.Equal(0, q.len())
}
