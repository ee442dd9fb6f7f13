// Package governor implements a hierarchical concurrency limiter: a
// global HTTP ceiling, a per-subscription video ceiling, a per-video
// page ceiling, and a per-file chunk ceiling, each enforced independently
// so a slow subscription can't starve others and a single giant
// multi-part video can't starve the rest of its own subscription.
//
// The primitive is the teacher's HostSemaphore
// (internal/httpclient/hostsem.go): a channel-based counting semaphore
// keyed by a lazily-created map entry. Governor generalizes that from one
// tier keyed by host to three keyed tiers (videos per subscription id,
// pages per video id, chunks per file key) plus one ungrouped global tier.
package governor

import (
	"context"
	"sync"
)

// Semaphore is a channel-based counting semaphore. Acquire blocks until a
// slot is free or ctx is done.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore with n slots. n < 1 is treated as 1.
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is available, returning a release func. The
// release func is not idempotent and must be called exactly once; callers
// should defer it immediately after a successful Acquire.
func (s *Semaphore) Acquire(ctx context.Context) (func(), error) {
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// keyedTier lazily creates one Semaphore per key, sized uniformly.
type keyedTier struct {
	mu    sync.Mutex
	limit int
	sems  map[int64]*Semaphore
}

func newKeyedTier(limit int) *keyedTier {
	return &keyedTier{limit: limit, sems: make(map[int64]*Semaphore)}
}

func (t *keyedTier) semFor(key int64) *Semaphore {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sems[key]
	if !ok {
		s = NewSemaphore(t.limit)
		t.sems[key] = s
	}
	return s
}

// Governor holds the four concurrency tiers. Limits are fixed at
// construction time: tiers don't support resizing a live channel, and a
// later config snapshot change does not rebuild or resize an existing
// Governor.
type Governor struct {
	global        *Semaphore
	perSubVideos  *keyedTier
	perVideoPages *keyedTier
	perFileChunks *keyedTier
}

// Limits is the tier-size table, expressed independently of
// internal/config so this package has no import-cycle risk with it.
type Limits struct {
	GlobalHTTP    int
	VideosPerSub  int
	PagesPerVideo int
	ChunksPerFile int
}

// New constructs a Governor from Limits.
func New(l Limits) *Governor {
	return &Governor{
		global:        NewSemaphore(l.GlobalHTTP),
		perSubVideos:  newKeyedTier(l.VideosPerSub),
		perVideoPages: newKeyedTier(l.PagesPerVideo),
		perFileChunks: newKeyedTier(l.ChunksPerFile),
	}
}

// AcquireGlobal gates any outbound HTTP request regardless of tier.
func (g *Governor) AcquireGlobal(ctx context.Context) (func(), error) {
	return g.global.Acquire(ctx)
}

// AcquireVideoSlot gates how many videos of one subscription materialize
// concurrently.
func (g *Governor) AcquireVideoSlot(ctx context.Context, subscriptionID int64) (func(), error) {
	return g.perSubVideos.semFor(subscriptionID).Acquire(ctx)
}

// AcquirePageSlot gates how many pages of one video materialize
// concurrently.
func (g *Governor) AcquirePageSlot(ctx context.Context, videoID int64) (func(), error) {
	return g.perVideoPages.semFor(videoID).Acquire(ctx)
}

// AcquireChunkSlot gates how many ranged-GET chunks of one file (keyed by
// page id) transfer concurrently; distinct files each get their own
// ChunksPerFile-wide budget rather than sharing one process-wide pool.
func (g *Governor) AcquireChunkSlot(ctx context.Context, pageID int64) (func(), error) {
	return g.perFileChunks.semFor(pageID).Acquire(ctx)
}
