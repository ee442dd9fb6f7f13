package governor

import (
	"context"
	"testing"
	"time"
)

func TestSemaphoreBlocksBeyondLimit(t *testing.T) {
	sem := NewSemaphore(1)
	ctx := context.Background()
	release, err := sem.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx2, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sem.Acquire(ctx2); err == nil {
		t.Fatalf("second acquire should have blocked until timeout")
	}

	release()
	release3, err := sem.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release3()
}

func TestVideoSlotsAreIndependentPerSubscription(t *testing.T) {
	g := New(Limits{GlobalHTTP: 32, VideosPerSub: 1, PagesPerVideo: 2, ChunksPerFile: 4})

	releaseA, err := g.AcquireVideoSlot(context.Background(), 1)
	if err != nil {
		t.Fatalf("acquire sub 1: %v", err)
	}
	defer releaseA()

	ctx2, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.AcquireVideoSlot(ctx2, 1); err == nil {
		t.Fatalf("second slot for same subscription should have blocked")
	}

	releaseB, err := g.AcquireVideoSlot(context.Background(), 2)
	if err != nil {
		t.Fatalf("acquire sub 2 should not block on sub 1's limit: %v", err)
	}
	releaseB()
}

func TestChunkSlotsAreIndependentPerFile(t *testing.T) {
	g := New(Limits{GlobalHTTP: 32, VideosPerSub: 4, PagesPerVideo: 2, ChunksPerFile: 1})

	releaseA, err := g.AcquireChunkSlot(context.Background(), 100)
	if err != nil {
		t.Fatalf("acquire page 100: %v", err)
	}
	defer releaseA()

	releaseB, err := g.AcquireChunkSlot(context.Background(), 200)
	if err != nil {
		t.Fatalf("acquire page 200 should not block on page 100's limit: %v", err)
	}
	releaseB()
}
