package device

import "golang.org/x/sync/errgroup"

// Scheduler owns the fixed set of streams a decode step dispatches work
// onto. Copy carries host-pinned value transfers; Reconstruction carries
// the fused gather/matmul/RoPE low-rank key decode. Primary is the stream
// for attention-facing work; the cache submits nothing to it (affinity
// scoring runs on the caller's goroutine). Keeping value and key
// reconstruction on separate streams is what lets them run concurrently.
type Scheduler struct {
	Primary        *Stream
	Copy           *Stream
	Reconstruction *Stream
}

// NewScheduler starts the three streams with the given per-stream queue
// depth.
func NewScheduler(depth int) *Scheduler {
	return &Scheduler{
		Primary:        NewStream("primary", depth),
		Copy:           NewStream("copy", depth),
		Reconstruction: NewStream("reconstruction", depth),
	}
}

// Close stops all three streams, waiting for outstanding work to drain.
func (s *Scheduler) Close() {
	s.Primary.Close()
	s.Copy.Close()
	s.Reconstruction.Close()
}

// Join waits on every event, returning the first error encountered (if
// any) after all events have resolved. It is the barrier a decode step
// uses once it has dispatched the parallel value and key streams of
// retrieval and needs both before assembling attention inputs.
func Join(events ...*Event) error {
	var g errgroup.Group
	for _, ev := range events {
		ev := ev
		g.Go(ev.Wait)
	}
	return g.Wait()
}
