// Package clock tracks the offset between local time and the venue clock.
// Signed venue requests carry a timestamp that must fall inside the venue's
// receive window, so all timestamping goes through here.
package clock

import (
	"context"
	"sync/atomic"
	"time"

	"grid_engine/internal/core"
	"grid_engine/pkg/telemetry"
)

// ServerTimeFunc fetches the venue's current time in unix milliseconds.
type ServerTimeFunc func(ctx context.Context) (int64, error)

// Sync maintains a venue clock offset shared by all gateways on one venue.
type Sync struct {
	offsetMs   atomic.Int64
	lastSyncMs atomic.Int64
	serverTime ServerTimeFunc
	interval   time.Duration
	logger     core.ILogger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSync creates a clock sync. interval is the background resync period.
func NewSync(serverTime ServerTimeFunc, interval time.Duration, logger core.ILogger) *Sync {
	return &Sync{
		serverTime: serverTime,
		interval:   interval,
		logger:     logger.WithField("component", "clock_sync"),
	}
}

// Offset returns the current offset (venue minus local) in milliseconds.
func (s *Sync) Offset() int64 {
	return s.offsetMs.Load()
}

// Timestamp returns the current time adjusted to the venue clock, in unix
// milliseconds.
func (s *Sync) Timestamp() int64 {
	return time.Now().UnixMilli() + s.offsetMs.Load()
}

// LastResync returns when the offset was last measured, zero if never.
func (s *Sync) LastResync() time.Time {
	ms := s.lastSyncMs.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Resync measures the offset against the venue. The server time is compared
// to the midpoint of the request round trip to cancel out network latency.
func (s *Sync) Resync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	serverMs, err := s.serverTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()

	mid := before + (after-before)/2
	offset := serverMs - mid
	prev := s.offsetMs.Swap(offset)
	s.lastSyncMs.Store(time.Now().UnixMilli())

	telemetry.GetGlobalMetrics().ClockResyncsTotal.Add(ctx, 1)
	s.logger.Debug("Clock resynced", "offset_ms", offset, "previous_ms", prev, "rtt_ms", after-before)
	return nil
}

// Start performs an initial resync and launches the periodic resync loop.
func (s *Sync) Start(ctx context.Context) error {
	if err := s.Resync(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := s.Resync(loopCtx); err != nil {
					s.logger.Warn("Periodic clock resync failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the background resync loop.
func (s *Sync) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}
