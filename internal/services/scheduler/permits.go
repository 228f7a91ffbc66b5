package scheduler

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// capacityGate is the semaphore triple guarding concurrency: one permit pool
// per phase plus a total-active pool held from dispatch to terminal state.
// Entering the download phase needs a download permit and a total permit;
// entering the processing phase needs a processing permit. Counters are
// memory-only: recovery fails every in-flight job before the scheduler
// starts, so the gate always begins full.
type capacityGate struct {
	download *semaphore.Weighted
	process  *semaphore.Weighted
	total    *semaphore.Weighted

	activeDownloads  atomic.Int64
	activeProcessing atomic.Int64
	activeTotal      atomic.Int64
}

func newCapacityGate(maxDownloads, maxProcessing, maxTotal int) *capacityGate {
	return &capacityGate{
		download: semaphore.NewWeighted(int64(maxDownloads)),
		process:  semaphore.NewWeighted(int64(maxProcessing)),
		total:    semaphore.NewWeighted(int64(maxTotal)),
	}
}

// TryAcquireDispatch takes one total-active permit and one download permit
// without blocking. Both or neither.
func (g *capacityGate) TryAcquireDispatch() bool {
	if !g.total.TryAcquire(1) {
		return false
	}
	if !g.download.TryAcquire(1) {
		g.total.Release(1)
		return false
	}
	g.activeTotal.Add(1)
	g.activeDownloads.Add(1)
	return true
}

// AcquireProcess blocks until a processing permit is free or ctx is done.
// The caller already holds a total-active permit at this point.
func (g *capacityGate) AcquireProcess(ctx context.Context) error {
	if err := g.process.Acquire(ctx, 1); err != nil {
		return err
	}
	g.activeProcessing.Add(1)
	return nil
}

func (g *capacityGate) ReleaseDownload() {
	g.activeDownloads.Add(-1)
	g.download.Release(1)
}

func (g *capacityGate) ReleaseProcess() {
	g.activeProcessing.Add(-1)
	g.process.Release(1)
}

// ReleaseTotal gives back the total-active permit. Called exactly once per
// dispatched job, after its terminal transition.
func (g *capacityGate) ReleaseTotal() {
	g.activeTotal.Add(-1)
	g.total.Release(1)
}

// Counts reports permits currently held, in dispatch order.
func (g *capacityGate) Counts() (downloads, processing, total int) {
	return int(g.activeDownloads.Load()),
		int(g.activeProcessing.Load()),
		int(g.activeTotal.Load())
}
