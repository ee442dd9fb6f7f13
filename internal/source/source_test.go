package source

import (
	"context"
	"testing"
	"time"

	"github.com/arrenxxxxx/bili-sync/internal/biliapi"
	"github.com/arrenxxxxx/bili-sync/internal/biliapi/biliapitest"
	"github.com/arrenxxxxx/bili-sync/internal/model"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestFavoritesSourceStopsAtWatermark(t *testing.T) {
	fake := biliapitest.New()
	fake.Favorites[10] = []biliapi.VideoDescriptor{
		{BVID: "BV3", PublishedAt: mustTime(t, "2026-07-30T00:00:00Z")},
		{BVID: "BV2", PublishedAt: mustTime(t, "2026-07-25T00:00:00Z")},
		{BVID: "BV1", PublishedAt: mustTime(t, "2026-07-20T00:00:00Z")}, // at/before watermark
	}

	sub := model.Subscription{
		Kind:             model.KindFavorites,
		FavoriteFolderID: 10,
		LatestRowAt:      mustTime(t, "2026-07-20T00:00:00Z"),
	}

	src := New(fake, sub)
	res, err := src.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("got %d items, want 2: %+v", len(res.Items), res.Items)
	}
	if res.Newest != mustTime(t, "2026-07-30T00:00:00Z") {
		t.Fatalf("Newest = %v, want 2026-07-30", res.Newest)
	}
}

func TestCollectionSourceFiltersCrossPublisherLeak(t *testing.T) {
	fake := biliapitest.New()
	fake.Collections["5:20:series"] = []biliapi.VideoDescriptor{
		{BVID: "BV1", PublisherID: 5, PublishedAt: mustTime(t, "2026-07-30T00:00:00Z")},
		{BVID: "BV2", PublisherID: 999, PublishedAt: mustTime(t, "2026-07-29T00:00:00Z")}, // leaked from another publisher
	}

	sub := model.Subscription{
		Kind:           model.KindCollection,
		CollectionUpID: 5,
		CollectionID:   20,
		CollectionKind: model.CollectionSeries,
	}

	src := New(fake, sub)
	res, err := src.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].BVID != "BV1" {
		t.Fatalf("got = %+v, want only BV1", res.Items)
	}
	// should_filter skips but does not stop iteration; both items advance
	// the watermark candidate regardless of the skip.
	if res.Newest != mustTime(t, "2026-07-30T00:00:00Z") {
		t.Fatalf("Newest = %v", res.Newest)
	}
}

func TestSubmissionsSourceReturnsSinglePageFeed(t *testing.T) {
	fake := biliapitest.New()
	// Fake.page() ignores cursors and returns everything in one page with
	// HasMore=false, so this test only exercises walk's single-page path;
	// multi-page cursoring is not covered here.
	fake.Submissions["7:default"] = []biliapi.VideoDescriptor{
		{BVID: "BV9", PublisherID: 7, PublishedAt: mustTime(t, "2026-07-31T00:00:00Z")},
	}

	sub := model.Subscription{
		Kind:           model.KindSubmissions,
		SubmissionUpID: 7,
	}

	src := New(fake, sub)
	res, err := src.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(res.Items))
	}
}

func TestWatchLaterSourceReturnsAllWithZeroWatermark(t *testing.T) {
	fake := biliapitest.New()
	fake.WatchLater = []biliapi.VideoDescriptor{
		{BVID: "BV1", PublishedAt: mustTime(t, "2026-07-01T00:00:00Z")},
		{BVID: "BV2", PublishedAt: mustTime(t, "2026-06-01T00:00:00Z")},
	}

	sub := model.Subscription{Kind: model.KindWatchLater}
	src := New(fake, sub)
	res, err := src.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(res.Items))
	}
}

func TestDiscoverPropagatesClientError(t *testing.T) {
	fake := biliapitest.New()
	fake.Err = context.DeadlineExceeded

	sub := model.Subscription{Kind: model.KindFavorites, FavoriteFolderID: 1}
	_, err := New(fake, sub).Discover(context.Background())
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
