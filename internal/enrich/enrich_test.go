package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/arrenxxxxx/bili-sync/internal/biliapi"
	"github.com/arrenxxxxx/bili-sync/internal/biliapi/biliapitest"
	"github.com/arrenxxxxx/bili-sync/internal/config"
	"github.com/arrenxxxxx/bili-sync/internal/model"
	"github.com/arrenxxxxx/bili-sync/internal/syncerr"
)

type fakeRepo struct {
	invalidated []int64
	categories  map[int64]model.VideoCategory
	covers      map[int64]string
	avatars     map[int64]string
	pages       map[int64][]model.Page
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		categories: make(map[int64]model.VideoCategory),
		covers:     make(map[int64]string),
		avatars:    make(map[int64]string),
		pages:      make(map[int64][]model.Page),
	}
}

func (r *fakeRepo) UpdateVideoCover(ctx context.Context, videoID int64, coverURL string) error {
	r.covers[videoID] = coverURL
	return nil
}

func (r *fakeRepo) UpdateVideoPublisherAvatar(ctx context.Context, videoID int64, avatarURL string) error {
	r.avatars[videoID] = avatarURL
	return nil
}

func (r *fakeRepo) MarkInvalid(ctx context.Context, videoID int64) error {
	r.invalidated = append(r.invalidated, videoID)
	return nil
}

func (r *fakeRepo) UpdateVideoCategory(ctx context.Context, videoID int64, category model.VideoCategory) error {
	r.categories[videoID] = category
	return nil
}

func (r *fakeRepo) UpsertPages(ctx context.Context, videoID int64, pages []model.Page) error {
	r.pages[videoID] = pages
	return nil
}

func defaultQuality() config.QualityPreference {
	return config.QualityPreference{
		QualityRank:  []int{120, 116, 112, 80, 64, 32, 16},
		CodecRank:    []string{"hevc", "av1", "avc"},
		HDRAllowed:   true,
		DolbyAllowed: true,
		HiResAllowed: true,
	}
}

func TestStageEnrichesAndSelectsBestTrack(t *testing.T) {
	fake := biliapitest.New()
	fake.Details["BV1"] = biliapi.VideoDetail{
		BVID:  "BV1",
		Title: "great video",
		Pages: []biliapi.PageDescriptor{{CID: 100, Index: 1, Duration: time.Minute}},
	}
	fake.Manifests["BV1:100"] = biliapi.StreamManifest{
		VideoTracks: []biliapi.TrackDescriptor{
			{URL: "v-low", QualityRank: 32, Codec: "avc"},
			{URL: "v-high", QualityRank: 116, Codec: "hevc"},
		},
		AudioTracks: []biliapi.TrackDescriptor{
			{URL: "a-only", QualityRank: 30216, Codec: "aac"},
		},
	}

	repo := newFakeRepo()
	e := New(fake, repo)
	videos := []model.Video{{ID: 1, BVID: "BV1"}}

	if err := e.Stage(context.Background(), videos, model.FilterRule{}, defaultQuality()); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if len(repo.invalidated) != 0 {
		t.Fatalf("unexpected invalidation: %+v", repo.invalidated)
	}
	pages := repo.pages[1]
	if len(pages) != 1 {
		t.Fatalf("got %d pages, want 1", len(pages))
	}
	if pages[0].Stream.VideoURL != "v-high" {
		t.Fatalf("VideoURL = %q, want v-high (higher quality_rank wins)", pages[0].Stream.VideoURL)
	}
	if !pages[0].Stream.MuxRequired {
		t.Fatalf("MuxRequired = false, want true for separate video/audio tracks")
	}
}

func TestStageInvalidatesOnRedirectTarget(t *testing.T) {
	fake := biliapitest.New()
	fake.Details["BV2"] = biliapi.VideoDetail{BVID: "BV2", RedirectTarget: "https://example.com/licensed"}

	repo := newFakeRepo()
	e := New(fake, repo)
	videos := []model.Video{{ID: 2, BVID: "BV2"}}

	if err := e.Stage(context.Background(), videos, model.FilterRule{}, defaultQuality()); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(repo.invalidated) != 1 || repo.invalidated[0] != 2 {
		t.Fatalf("invalidated = %+v, want [2]", repo.invalidated)
	}
}

func TestStageInvalidatesBelowMinDuration(t *testing.T) {
	fake := biliapitest.New()
	fake.Details["BV3"] = biliapi.VideoDetail{
		BVID:  "BV3",
		Title: "short clip",
		Pages: []biliapi.PageDescriptor{{CID: 1, Index: 1, Duration: 5 * time.Second}},
	}

	repo := newFakeRepo()
	e := New(fake, repo)
	videos := []model.Video{{ID: 3, BVID: "BV3"}}
	filter := model.FilterRule{MinDuration: time.Minute}

	if err := e.Stage(context.Background(), videos, filter, defaultQuality()); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(repo.invalidated) != 1 {
		t.Fatalf("invalidated = %+v, want one entry", repo.invalidated)
	}
}

func TestStageInvalidatesOnUpstreamNotFound(t *testing.T) {
	fake := biliapitest.New()
	// No fixture for "BV4" means biliapitest.Fake returns a zero VideoDetail
	// and nil error, which does not exercise UpstreamNotFound — set Err
	// directly to simulate the 404 classification instead.
	fake.Err = &syncerr.UpstreamNotFound{VideoID: 4}

	repo := newFakeRepo()
	e := New(fake, repo)
	videos := []model.Video{{ID: 4, BVID: "BV4"}}

	if err := e.Stage(context.Background(), videos, model.FilterRule{}, defaultQuality()); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(repo.invalidated) != 1 {
		t.Fatalf("invalidated = %+v, want one entry", repo.invalidated)
	}
}
