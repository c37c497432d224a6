package feed

import "github.com/kfishgm/btcbot-sub001/internal/types"

// OnBarClosedCallback is called once per bar, the first time it is seen closed.
type OnBarClosedCallback func(bar types.Bar)

// OnBarUpdatedCallback is called when an open bar changes, or a closed bar is corrected.
type OnBarUpdatedCallback func(bar types.Bar)

// OnATHChangedCallback is called when a closed bar raises the closed-only ATH.
type OnATHChangedCallback func(change types.ATHChange)

// OnStateChangeCallback is called on every stream connection state transition.
type OnStateChangeCallback func(change types.StateChange)

// OnErrorCallback is called for non-fatal errors: rejected payloads,
// transport failures and fetch failures.
type OnErrorCallback func(err error)

// OnMaxRetriesCallback is called when the stream gives up reconnecting.
type OnMaxRetriesCallback func(attempts int)

// OnPollingChangeCallback is called when polling turns on or off.
type OnPollingChangeCallback func(active bool)

// Callbacks holds all notification functions of the feed.
// Nil fields are not called. Every callback runs in order on one goroutine.
type Callbacks struct {
	OnBarClosed     *OnBarClosedCallback
	OnBarUpdated    *OnBarUpdatedCallback
	OnATHChanged    *OnATHChangedCallback
	OnStateChange   *OnStateChangeCallback
	OnError         *OnErrorCallback
	OnMaxRetries    *OnMaxRetriesCallback
	OnPollingChange *OnPollingChangeCallback
}
