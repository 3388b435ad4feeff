package consensus

import (
	"sync"
	"time"
)

// TimeSource is the NTP delta probe collaborator of spec.md section
// 4.5 step 2 and section 9: advisory, clamped, monotone.
type TimeSource interface {
	// Delta returns the locally-observed clock offset against a
	// reference source.
	Delta() (time.Duration, error)
}

// SystemTimeSource is the default TimeSource. No NTP client exists
// anywhere in the retrieval pack this module was grounded on, so the
// default implementation reports zero drift; a real deployment wires
// in an NTP client behind the same interface without touching the
// engine.
type SystemTimeSource struct{}

func (SystemTimeSource) Delta() (time.Duration, error) { return 0, nil }

// EpochClock is the epoch timer: a single-timer ticker generalized
// from the teacher's engine/timeout.go TimeoutTicker, which drove
// per-round-step timeouts. Here it drives one tick per Config.EpochMS
// regardless of what happened last tick -- spec.md section 5's "a
// late tick is merged" rule.
type EpochClock struct {
	mu          sync.Mutex
	genesisTime time.Time
	epochMS     int64
	adjustment  time.Duration
	maxAdjust   time.Duration
	timeSource  TimeSource
	ticksServed int64

	timer *time.Timer
	tockC chan struct{}
	stopC chan struct{}
}

// NewEpochClock builds a clock anchored at genesisTime.
func NewEpochClock(genesisTime time.Time, epochMS int64, maxAdjust time.Duration, ts TimeSource) *EpochClock {
	if ts == nil {
		ts = SystemTimeSource{}
	}
	return &EpochClock{
		genesisTime: genesisTime,
		epochMS:     epochMS,
		maxAdjust:   maxAdjust,
		timeSource:  ts,
		tockC:       make(chan struct{}, 1),
		stopC:       make(chan struct{}),
	}
}

// CurrentEpoch computes epoch(now), matching spec.md's
// epoch(t) = floor((t - genesis_timestamp - time_adjustment) / EPOCH_MS).
func (c *EpochClock) CurrentEpoch(now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := now.Sub(c.genesisTime) - c.adjustment
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed.Milliseconds()) / c.epochMS
}

// MaybeResync refreshes the time adjustment every
// Config.NTPResyncEpochInterval epochs, clamped to +/- maxAdjust.
func (c *EpochClock) MaybeResync(epoch, resyncInterval int64) error {
	if resyncInterval <= 0 || epoch%resyncInterval != 0 {
		return nil
	}
	delta, err := c.timeSource.Delta()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if delta > c.maxAdjust {
		delta = c.maxAdjust
	} else if delta < -c.maxAdjust {
		delta = -c.maxAdjust
	}
	c.adjustment = delta
	return nil
}

// Start begins ticking once per EpochMS on Chan().
func (c *EpochClock) Start() {
	interval := time.Duration(c.epochMS) * time.Millisecond
	c.timer = time.AfterFunc(interval, func() { c.fire(interval) })
}

func (c *EpochClock) fire(interval time.Duration) {
	select {
	case c.tockC <- struct{}{}:
	default:
		// A tick was already pending and not yet drained; drop this
		// one -- the engine will snap to the current epoch on the
		// next successful tick, matching the "late tick is merged"
		// rule instead of queuing a backlog.
	}
	select {
	case <-c.stopC:
		return
	default:
		c.timer.Reset(interval)
	}
}

// Chan returns the tick channel.
func (c *EpochClock) Chan() <-chan struct{} {
	return c.tockC
}

// Stop halts the clock.
func (c *EpochClock) Stop() {
	close(c.stopC)
	if c.timer != nil {
		c.timer.Stop()
	}
}
