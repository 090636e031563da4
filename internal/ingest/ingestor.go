// Package ingest fans stream events out to the bot controllers while
// preserving per-order ordering. Events are sharded onto serial lanes by
// (user, venue order id): one lane applies its events in arrival order,
// different lanes run in parallel.
package ingest

import (
	"fmt"
	"hash/fnv"

	"grid_engine/internal/core"
	"grid_engine/pkg/concurrency"
)

// Ingestor dispatches normalized order updates.
type Ingestor struct {
	lanes    []*concurrency.WorkerPool
	handler  func(*core.OrderUpdate)
	overflow func(*core.OrderUpdate)
	logger   core.ILogger
}

// New creates an ingestor with laneCount serial lanes. handler runs on a
// lane worker; overflow runs inline when a lane's buffer is full.
func New(laneCount, laneBuffer int, handler, overflow func(*core.OrderUpdate), logger core.ILogger) *Ingestor {
	if laneCount <= 0 {
		laneCount = 8
	}
	if laneBuffer <= 0 {
		laneBuffer = 1000
	}

	lanes := make([]*concurrency.WorkerPool, laneCount)
	for i := range lanes {
		// One worker per lane keeps the lane strictly serial.
		lanes[i] = concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        fmt.Sprintf("ingest-lane-%d", i),
			MaxWorkers:  1,
			MaxCapacity: laneBuffer,
			NonBlocking: true,
		}, logger)
	}

	return &Ingestor{
		lanes:    lanes,
		handler:  handler,
		overflow: overflow,
		logger:   logger.WithField("component", "ingestor"),
	}
}

// Submit routes one event to its lane. Never blocks the caller; a saturated
// lane triggers the overflow path instead (pull replaces push).
func (i *Ingestor) Submit(update *core.OrderUpdate) {
	lane := i.lanes[i.laneFor(update)]
	if err := lane.Submit(func() { i.handler(update) }); err != nil {
		i.logger.Warn("Ingest lane saturated, requesting reconciliation",
			"user_id", update.UserID, "venue_order_id", update.VenueOrderID)
		if i.overflow != nil {
			i.overflow(update)
		}
	}
}

// Backlog returns the deepest lane queue. Health checks treat a lane pinned
// at capacity as unhealthy.
func (i *Ingestor) Backlog() int {
	deepest := uint64(0)
	for _, lane := range i.lanes {
		if w := lane.WaitingTasks(); w > deepest {
			deepest = w
		}
	}
	return int(deepest)
}

// Stop drains the lanes.
func (i *Ingestor) Stop() {
	for _, lane := range i.lanes {
		lane.Stop()
	}
}

func (i *Ingestor) laneFor(update *core.OrderUpdate) int {
	h := fnv.New32a()
	h.Write([]byte(update.UserID))
	var buf [8]byte
	v := uint64(update.VenueOrderID)
	for b := 0; b < 8; b++ {
		buf[b] = byte(v >> (8 * b))
	}
	h.Write(buf[:])
	return int(h.Sum32() % uint32(len(i.lanes)))
}
