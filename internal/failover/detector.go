package failover

import (
	"sync"

	"github.com/kfishgm/btcbot-sub001/internal/logger"
	"go.uber.org/zap"
)

// Activator is the alternate transport the detector switches on and off.
type Activator interface {
	Start()
	Stop()
}

// OnPollingChangeCallback is called whenever polling turns on or off.
type OnPollingChangeCallback func(active bool)

// Detector counts consecutive stream failures and activates polling once
// they reach the threshold. A stream recovery resets the count and stops polling.
type Detector struct {
	threshold int
	poller    Activator
	onChange  *OnPollingChangeCallback
	log       *logger.Logger

	mu       sync.Mutex
	failures int
	polling  bool
}

// NewDetector creates a detector. A threshold below 1 is treated as 1.
func NewDetector(threshold int, poller Activator, log *logger.Logger, onChange *OnPollingChangeCallback) *Detector {
	if threshold < 1 {
		threshold = 1
	}

	return &Detector{
		threshold: threshold,
		poller:    poller,
		onChange:  onChange,
		log:       log.Named("failover"),
		mu:        sync.Mutex{},
		failures:  0,
		polling:   false,
	}
}

// RecordStreamFailure counts one failure and starts polling at the threshold.
// Further failures while polling only increase the count.
func (d *Detector) RecordStreamFailure() {
	d.mu.Lock()
	d.failures++
	activate := !d.polling && d.failures >= d.threshold

	if activate {
		d.polling = true
		d.log.Warn("Stream unhealthy, switching to polling",
			zap.Int("failures", d.failures),
			zap.Int("threshold", d.threshold))
		d.poller.Start()
	}
	d.mu.Unlock()

	if activate {
		d.notify(true)
	}
}

// RecordStreamRecovery resets the count and stops polling if it was active.
func (d *Detector) RecordStreamRecovery() {
	d.mu.Lock()
	d.failures = 0
	deactivate := d.polling

	if deactivate {
		d.polling = false
		d.log.Info("Stream recovered, stopping polling")
		d.poller.Stop()
	}
	d.mu.Unlock()

	if deactivate {
		d.notify(false)
	}
}

// IsPolling reports whether polling is active.
func (d *Detector) IsPolling() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.polling
}

// Failures returns the consecutive failure count since the last recovery.
func (d *Detector) Failures() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.failures
}

func (d *Detector) notify(active bool) {
	if d.onChange != nil {
		(*d.onChange)(active)
	}
}
