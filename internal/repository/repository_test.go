package repository

import (
	"context"
	"testing"
	"time"

	"github.com/arrenxxxxx/bili-sync/internal/model"
	"github.com/arrenxxxxx/bili-sync/internal/statusword"
)

func mustOpen(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func mustInsertFavorite(t *testing.T, r *Repository, title string) int64 {
	t.Helper()
	res, err := r.db.Exec(`INSERT INTO favorite (folder_id, title, root_path) VALUES (?, ?, ?)`, 1, title, "/tmp/"+title)
	if err != nil {
		t.Fatalf("insert favorite: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func TestUpsertVideosIdempotent(t *testing.T) {
	ctx := context.Background()
	r := mustOpen(t)
	subID := mustInsertFavorite(t, r, "fav1")

	batch := []model.Video{
		{BVID: "BV1", Title: "A", PublishedAt: time.Now()},
		{BVID: "BV2", Title: "B", PublishedAt: time.Now()},
	}
	ins1, err := r.UpsertVideos(ctx, model.KindFavorites, subID, batch)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(ins1) != 2 {
		t.Fatalf("first upsert inserted = %d, want 2", len(ins1))
	}

	ins2, err := r.UpsertVideos(ctx, model.KindFavorites, subID, batch)
	if err != nil {
		t.Fatalf("replay upsert: %v", err)
	}
	if len(ins2) != 0 {
		t.Fatalf("replay upsert inserted = %d, want 0 (I1 idempotence)", len(ins2))
	}
}

func TestSelectPendingOrderingAndFilter(t *testing.T) {
	ctx := context.Background()
	r := mustOpen(t)
	subID := mustInsertFavorite(t, r, "fav1")

	now := time.Now()
	batch := []model.Video{
		{BVID: "BV-OLD", Title: "old video", PublishedAt: now.Add(-time.Hour)},
		{BVID: "BV-NEW", Title: "new video", PublishedAt: now},
	}
	if _, err := r.UpsertVideos(ctx, model.KindFavorites, subID, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := r.SelectPending(ctx, subID, model.FilterRule{})
	if err != nil {
		t.Fatalf("select pending: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].BVID != "BV-NEW" || got[1].BVID != "BV-OLD" {
		t.Fatalf("ordering = %v, want newest-first", got)
	}

	filtered, err := r.SelectPending(ctx, subID, model.FilterRule{TitleRegex: "^new"})
	if err != nil {
		t.Fatalf("select pending filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].BVID != "BV-NEW" {
		t.Fatalf("filtered = %v, want only BV-NEW", filtered)
	}
}

func TestUpdateVideoStatusNeverOverwritesTerminal(t *testing.T) {
	ctx := context.Background()
	r := mustOpen(t)
	subID := mustInsertFavorite(t, r, "fav1")
	ins, _ := r.UpsertVideos(ctx, model.KindFavorites, subID, []model.Video{{BVID: "BV1", Title: "A", PublishedAt: time.Now()}})
	videoID := ins[0]

	if err := r.UpdateVideoStatus(ctx, videoID, model.FieldPoster, statusword.MaxRetry+1); err != nil {
		t.Fatalf("set terminal failed: %v", err)
	}
	if err := r.UpdateVideoStatus(ctx, videoID, model.FieldPoster, 2); err != nil {
		t.Fatalf("attempt retry overwrite: %v", err)
	}

	videos, err := r.SelectPending(ctx, subID, model.FilterRule{})
	if err != nil {
		t.Fatalf("select pending: %v", err)
	}
	if len(videos) != 1 {
		t.Fatalf("expected video still pending (other video fields at initial retry value), got %d", len(videos))
	}
	got := statusword.Get(videos[0].Status, model.FieldPoster)
	if got != statusword.MaxRetry+1 {
		t.Fatalf("terminal field overwritten: got %d, want %d", got, statusword.MaxRetry+1)
	}
}

func TestWatermarkMonotonic(t *testing.T) {
	ctx := context.Background()
	r := mustOpen(t)
	subID := mustInsertFavorite(t, r, "fav1")

	later := time.Unix(2000, 0)
	earlier := time.Unix(1000, 0)
	if err := r.AdvanceWatermark(ctx, model.KindFavorites, subID, later); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := r.AdvanceWatermark(ctx, model.KindFavorites, subID, earlier); err != nil {
		t.Fatalf("advance backwards: %v", err)
	}
	subs, err := r.ListEnabledSubscriptions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 || !subs[0].LatestRowAt.Equal(later.UTC()) {
		t.Fatalf("watermark regressed: got %v, want %v", subs[0].LatestRowAt, later)
	}
}

func TestResetStatusField(t *testing.T) {
	ctx := context.Background()
	r := mustOpen(t)
	subID := mustInsertFavorite(t, r, "fav1")
	ins, _ := r.UpsertVideos(ctx, model.KindFavorites, subID, []model.Video{{BVID: "BV1", Title: "A", PublishedAt: time.Now()}})
	videoID := ins[0]

	_ = r.UpdateVideoStatus(ctx, videoID, model.FieldPoster, statusword.MaxRetry+1)
	field := model.FieldPoster
	if err := r.ResetStatus(ctx, "video", videoID, &field); err != nil {
		t.Fatalf("reset: %v", err)
	}
	videos, _ := r.SelectPending(ctx, subID, model.FilterRule{})
	if len(videos) != 1 || statusword.Get(videos[0].Status, model.FieldPoster) != 0 {
		t.Fatalf("field not reset")
	}
}
