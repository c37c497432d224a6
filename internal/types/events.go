package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ATHChange describes a rise of the all-time high caused by a closed bar.
type ATHChange struct {
	Old decimal.Decimal `json:"old" yaml:"old"`
	New decimal.Decimal `json:"new" yaml:"new"`
	// At is when the change was observed.
	At time.Time `json:"at" yaml:"at"`
	// Bar is the closed bar that set the new high.
	Bar Bar `json:"bar" yaml:"bar"`
}

// StateChange describes a connection state transition.
type StateChange struct {
	From ConnectionState `json:"from" yaml:"from"`
	To   ConnectionState `json:"to" yaml:"to"`
	At   time.Time       `json:"at" yaml:"at"`
}
