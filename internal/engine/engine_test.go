package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arrenxxxxx/bili-sync/internal/biliapi"
	"github.com/arrenxxxxx/bili-sync/internal/biliapi/biliapitest"
	"github.com/arrenxxxxx/bili-sync/internal/config"
	"github.com/arrenxxxxx/bili-sync/internal/downloader"
	"github.com/arrenxxxxx/bili-sync/internal/governor"
	"github.com/arrenxxxxx/bili-sync/internal/httpx"
	"github.com/arrenxxxxx/bili-sync/internal/layout"
	"github.com/arrenxxxxx/bili-sync/internal/metadata"
	"github.com/arrenxxxxx/bili-sync/internal/model"
	"github.com/arrenxxxxx/bili-sync/internal/statusword"
	"github.com/arrenxxxxx/bili-sync/internal/syncerr"
)

// fakeRepo is an in-memory double for the engine's narrow repository
// interface, enough to drive one Cycle end to end without sqlite.
type fakeRepo struct {
	subs   map[int64]model.Subscription
	videos map[int64]model.Video
	pages  map[int64][]model.Page
	nextID int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		subs:   make(map[int64]model.Subscription),
		videos: make(map[int64]model.Video),
		pages:  make(map[int64][]model.Page),
		nextID: 1,
	}
}

func (r *fakeRepo) ListEnabledSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	var out []model.Subscription
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeRepo) AdvanceWatermark(ctx context.Context, kind model.SubscriptionKind, id int64, newest time.Time) error {
	s := r.subs[id]
	if newest.After(s.LatestRowAt) {
		s.LatestRowAt = newest
		r.subs[id] = s
	}
	return nil
}

func (r *fakeRepo) UpsertVideos(ctx context.Context, kind model.SubscriptionKind, subscriptionID int64, batch []model.Video) ([]int64, error) {
	var inserted []int64
	for _, v := range batch {
		already := false
		for _, existing := range r.videos {
			if existing.BVID == v.BVID {
				already = true
				break
			}
		}
		if already {
			continue
		}
		v.ID = r.nextID
		r.nextID++
		v.SubscriptionID = subscriptionID
		v.Valid = true
		v.Status = statusword.Initial()
		r.videos[v.ID] = v
		inserted = append(inserted, v.ID)
	}
	return inserted, nil
}

func (r *fakeRepo) VideosNeedingEnrichment(ctx context.Context, subscriptionID int64) ([]model.Video, error) {
	var out []model.Video
	for _, v := range r.videos {
		if v.SubscriptionID == subscriptionID && v.Valid && len(r.pages[v.ID]) == 0 {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *fakeRepo) SelectPending(ctx context.Context, subscriptionID int64, filter model.FilterRule) ([]model.Video, error) {
	var out []model.Video
	for _, v := range r.videos {
		if v.SubscriptionID == subscriptionID && v.Valid {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *fakeRepo) MarkInvalid(ctx context.Context, videoID int64) error {
	v := r.videos[videoID]
	v.Valid = false
	r.videos[videoID] = v
	return nil
}

func (r *fakeRepo) UpdateVideoCategory(ctx context.Context, videoID int64, category model.VideoCategory) error {
	v := r.videos[videoID]
	v.Category = category
	r.videos[videoID] = v
	return nil
}

func (r *fakeRepo) UpdateVideoCover(ctx context.Context, videoID int64, coverURL string) error {
	v := r.videos[videoID]
	v.CoverURL = coverURL
	r.videos[videoID] = v
	return nil
}

func (r *fakeRepo) UpdateVideoPublisherAvatar(ctx context.Context, videoID int64, avatarURL string) error {
	v := r.videos[videoID]
	v.Publisher.AvatarURL = avatarURL
	r.videos[videoID] = v
	return nil
}

func (r *fakeRepo) UpsertPages(ctx context.Context, videoID int64, pages []model.Page) error {
	for i := range pages {
		pages[i].ID = r.nextID
		r.nextID++
		pages[i].VideoID = videoID
		pages[i].Status = statusword.Initial()
	}
	r.pages[videoID] = pages
	return nil
}

func (r *fakeRepo) UpdateVideoStatus(ctx context.Context, videoID int64, field int, newValue uint8) error {
	v := r.videos[videoID]
	v.Status = statusword.Set(v.Status, field, newValue)
	r.videos[videoID] = v
	return nil
}

func (r *fakeRepo) UpdatePageStatus(ctx context.Context, pageID int64, field int, newValue uint8) error {
	for vid, ps := range r.pages {
		for i := range ps {
			if ps[i].ID == pageID {
				r.pages[vid][i].Status = statusword.Set(r.pages[vid][i].Status, field, newValue)
			}
		}
	}
	return nil
}

func (r *fakeRepo) PagesForVideo(ctx context.Context, videoID int64) ([]model.Page, error) {
	return r.pages[videoID], nil
}

func TestCycleDiscoversEnrichesAndMaterializesOneVideo(t *testing.T) {
	body := []byte("media bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.Write(body)
	}))
	defer srv.Close()

	client := biliapitest.New()
	client.Favorites[7] = []biliapi.VideoDescriptor{
		{BVID: "BV1", AID: 1, Title: "Video One", PublisherID: 9, PublisherName: "creator", PublishedAt: time.Unix(1000, 0)},
	}
	client.Details["BV1"] = biliapi.VideoDetail{
		BVID:  "BV1",
		Title: "Video One",
		Pages: []biliapi.PageDescriptor{{CID: 100, Index: 1, Title: "Video One", Duration: time.Minute}},
	}
	client.Manifests["BV1:100"] = biliapi.StreamManifest{
		Mixed:       true,
		VideoTracks: []biliapi.TrackDescriptor{{URL: srv.URL, QualityRank: 80}},
	}

	repo := newFakeRepo()
	sub := model.Subscription{ID: 1, Kind: model.KindFavorites, Title: "fav", RootPath: t.TempDir(), FavoriteFolderID: 7, Enabled: true}
	repo.subs[1] = sub

	ctx := context.Background()
	cfgStore, err := config.NewStore(ctx, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	gov := governor.New(governor.Limits{GlobalHTTP: 8, VideosPerSub: 4, PagesPerVideo: 2, ChunksPerFile: 4})
	dl := downloader.New(srv.Client(), gov, nil, httpx.RetryPolicy{MaxRetries: 2, Max429Wait: time.Second, Backoff5xx: time.Millisecond})
	lay := layout.New(filepath.Join(t.TempDir(), "publishers"))

	eng := New(repo, client, cfgStore, gov, dl, lay, metadata.Stub{})

	if err := eng.Cycle(ctx, 1); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if len(repo.videos) != 1 {
		t.Fatalf("videos = %d, want 1", len(repo.videos))
	}
	var v model.Video
	for _, vv := range repo.videos {
		v = vv
	}
	if !v.Valid {
		t.Fatalf("video marked invalid, want valid")
	}
	if repo.subs[1].LatestRowAt.Before(time.Unix(1000, 0)) {
		t.Fatalf("watermark not advanced")
	}

	pages := repo.pages[v.ID]
	if len(pages) != 1 {
		t.Fatalf("pages = %d, want 1", len(pages))
	}
	mediaPath := lay.PageMedia(sub, v, pages[0])
	got, err := os.ReadFile(mediaPath)
	if err != nil {
		t.Fatalf("ReadFile media: %v", err)
	}
	if string(got) != "media bytes" {
		t.Fatalf("media content = %q", got)
	}
}

func TestCycleRiskControlTripPersistsCooldownAcrossCycles(t *testing.T) {
	client := biliapitest.New()
	client.Err = &syncerr.RiskControl{Code: -352}

	repo := newFakeRepo()
	sub := model.Subscription{ID: 1, Kind: model.KindFavorites, Title: "fav", RootPath: t.TempDir(), FavoriteFolderID: 7, Enabled: true}
	repo.subs[1] = sub

	ctx := context.Background()
	cfgStore, err := config.NewStore(ctx, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	snap := cfgStore.Current()
	snap.RiskControl.Cooldown = time.Minute
	if err := cfgStore.Replace(ctx, snap); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	gov := governor.New(governor.Limits{GlobalHTTP: 8, VideosPerSub: 4, PagesPerVideo: 2, ChunksPerFile: 4})
	dl := downloader.New(http.DefaultClient, gov, nil, httpx.RetryPolicy{MaxRetries: 2, Max429Wait: time.Second, Backoff5xx: time.Millisecond})
	lay := layout.New(filepath.Join(t.TempDir(), "publishers"))

	eng := New(repo, client, cfgStore, gov, dl, lay, metadata.Stub{})

	if err := eng.Cycle(ctx, 1); err == nil {
		t.Fatalf("Cycle: want a risk control error tripping the breaker, got nil")
	}

	until := eng.CooldownUntil(1)
	if until.IsZero() || !until.After(time.Now()) {
		t.Fatalf("CooldownUntil(1) = %v, want a deadline in the future", until)
	}

	// A second Cycle call for the same subscription must see the breaker
	// still open: the cooldown needs to survive past the cycle that
	// tripped it, not reset on the next Cycle call.
	if err := eng.Cycle(ctx, 1); err == nil {
		t.Fatalf("second Cycle: want the still-open breaker to reject it, got nil")
	}
	if got := eng.CooldownUntil(1); got != until {
		t.Fatalf("CooldownUntil(1) changed across the still-open second cycle: got %v, want unchanged %v", got, until)
	}
}
