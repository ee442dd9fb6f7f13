// Package enrich implements the enrichment stage: per-video detail
// fetch, filter predicate application, and stream-track selection.
//
// Grounded on the teacher's internal/provider/probe.go (classify an
// upstream response into a small outcome enum before acting on it) and
// internal/catalog/vod_taxonomy.go (lexicographic preference scoring via
// a derived sort key), adapted from M3U/Xtream probing and VOD taxonomy
// classification to bilibili video metadata and this package's track
// preference tuple.
package enrich

import (
	"context"
	"errors"
	"log"
	"regexp"
	"time"

	"github.com/arrenxxxxx/bili-sync/internal/biliapi"
	"github.com/arrenxxxxx/bili-sync/internal/config"
	"github.com/arrenxxxxx/bili-sync/internal/metrics"
	"github.com/arrenxxxxx/bili-sync/internal/model"
	"github.com/arrenxxxxx/bili-sync/internal/syncerr"
)

var logger = log.New(log.Writer(), "enrich: ", log.LstdFlags)

// repository is the narrow slice of internal/repository this package
// depends on, declared locally so tests can supply an in-memory double
// without importing sqlite.
type repository interface {
	MarkInvalid(ctx context.Context, videoID int64) error
	UpdateVideoCategory(ctx context.Context, videoID int64, category model.VideoCategory) error
	UpdateVideoCover(ctx context.Context, videoID int64, coverURL string) error
	UpdateVideoPublisherAvatar(ctx context.Context, videoID int64, avatarURL string) error
	UpsertPages(ctx context.Context, videoID int64, pages []model.Page) error
}

// Enricher fetches and classifies one video at a time; Stage runs the
// full per-subscription sweep and is the call the engine invokes.
type Enricher struct {
	client biliapi.Client
	repo   repository
}

func New(client biliapi.Client, repo repository) *Enricher {
	return &Enricher{client: client, repo: repo}
}

// Outcome labels what happened to a video so the caller (and metrics) can
// distinguish "enriched" from "filtered" from "invalidated".
type Outcome string

const (
	OutcomeEnriched    Outcome = "enriched"
	OutcomeFiltered    Outcome = "filtered"
	OutcomeInvalidated Outcome = "invalidated"
)

// Stage runs enrichment for every video in videos, applying filter to
// each and marking videos that fail it invalid. A *syncerr.RiskControl from
// the client aborts the whole stage immediately (the caller routes it
// through the circuit breaker); any other per-video error is logged and
// that video is skipped, letting the next cycle retry it.
func (e *Enricher) Stage(ctx context.Context, videos []model.Video, filter model.FilterRule, quality config.QualityPreference) error {
	for _, v := range videos {
		outcome, err := e.one(ctx, v, filter, quality)
		if err != nil {
			var rc *syncerr.RiskControl
			if errors.As(err, &rc) {
				return err
			}
			logger.Printf("enrich: video %s: %v", v.BVID, err)
			continue
		}
		metrics.EnrichmentOutcomes.WithLabelValues(string(outcome)).Inc()
	}
	return nil
}

func (e *Enricher) one(ctx context.Context, v model.Video, filter model.FilterRule, quality config.QualityPreference) (Outcome, error) {
	detail, err := e.client.VideoDetail(ctx, v.BVID)
	if err != nil {
		var notFound *syncerr.UpstreamNotFound
		if errors.As(err, &notFound) {
			return e.invalidate(ctx, v.ID)
		}
		return "", err
	}

	if detail.RedirectTarget != "" {
		return e.invalidate(ctx, v.ID)
	}

	totalDuration := sumDuration(detail.Pages)
	if !passesFilter(detail.Title, totalDuration, filter) {
		if _, err := e.invalidate(ctx, v.ID); err != nil {
			return "", err
		}
		return OutcomeFiltered, nil
	}

	category := model.CategorySinglePage
	if len(detail.Pages) > 1 {
		category = model.CategoryMultiPage
	}
	if err := e.repo.UpdateVideoCategory(ctx, v.ID, category); err != nil {
		return "", err
	}
	if err := e.repo.UpdateVideoCover(ctx, v.ID, detail.CoverURL); err != nil {
		return "", err
	}
	if err := e.repo.UpdateVideoPublisherAvatar(ctx, v.ID, detail.PublisherAvatar); err != nil {
		return "", err
	}

	pages := make([]model.Page, 0, len(detail.Pages))
	for _, pd := range detail.Pages {
		manifest, err := e.client.StreamManifest(ctx, v.BVID, pd.CID)
		if err != nil {
			return "", err
		}
		stream, err := selectStream(manifest, quality)
		if err != nil {
			return "", err
		}
		pages = append(pages, model.Page{
			VideoID:      v.ID,
			CID:          pd.CID,
			Index:        pd.Index,
			Title:        pd.Title,
			Duration:     pd.Duration,
			ThumbnailURL: pd.ThumbnailURL,
			Stream:       stream,
		})
	}
	if err := e.repo.UpsertPages(ctx, v.ID, pages); err != nil {
		return "", err
	}
	return OutcomeEnriched, nil
}

func (e *Enricher) invalidate(ctx context.Context, videoID int64) (Outcome, error) {
	if err := e.repo.MarkInvalid(ctx, videoID); err != nil {
		return "", err
	}
	return OutcomeInvalidated, nil
}

func sumDuration(pages []biliapi.PageDescriptor) time.Duration {
	var total time.Duration
	for _, p := range pages {
		total += p.Duration
	}
	return total
}

func passesFilter(title string, duration time.Duration, filter model.FilterRule) bool {
	if filter.MinDuration > 0 && duration < filter.MinDuration {
		return false
	}
	if filter.TitleRegex != "" {
		re, err := regexp.Compile(filter.TitleRegex)
		if err != nil {
			// An unparsable user-supplied regex should not silently drop
			// every video; treat it as no constraint and let the operator
			// notice the 0-filtered surface elsewhere.
			return true
		}
		if !re.MatchString(title) {
			return false
		}
	}
	return true
}

var errNoEligibleTrack = errors.New("enrich: no eligible track in manifest")

// selectStream picks the video and audio tracks maximizing the
// lexicographic preference tuple (quality_rank, codec_rank, hdr_allowed,
// dolby_allowed, hi-res_allowed), derived from quality. A mixed manifest
// needs no mux; separate video/audio tracks set MuxRequired.
func selectStream(manifest biliapi.StreamManifest, quality config.QualityPreference) (model.StreamDescriptor, error) {
	if manifest.Mixed {
		best, ok := bestTrack(manifest.VideoTracks, quality)
		if !ok {
			return model.StreamDescriptor{}, errNoEligibleTrack
		}
		return model.StreamDescriptor{VideoURL: best.URL, MuxRequired: false}, nil
	}

	bestVideo, ok := bestTrack(manifest.VideoTracks, quality)
	if !ok {
		return model.StreamDescriptor{}, errNoEligibleTrack
	}
	bestAudio, ok := bestTrack(manifest.AudioTracks, quality)
	if !ok {
		return model.StreamDescriptor{}, errNoEligibleTrack
	}
	return model.StreamDescriptor{VideoURL: bestVideo.URL, AudioURL: bestAudio.URL, MuxRequired: true}, nil
}

// trackScore is the lexicographic tuple compared with sort.Slice-style
// greater-than logic: higher is always better in every position.
type trackScore struct {
	quality int
	codec   int
	hdr     int
	dolby   int
	hiRes   int
}

func (a trackScore) less(b trackScore) bool {
	if a.quality != b.quality {
		return a.quality < b.quality
	}
	if a.codec != b.codec {
		return a.codec < b.codec
	}
	if a.hdr != b.hdr {
		return a.hdr < b.hdr
	}
	if a.dolby != b.dolby {
		return a.dolby < b.dolby
	}
	return a.hiRes < b.hiRes
}

func bestTrack(tracks []biliapi.TrackDescriptor, quality config.QualityPreference) (biliapi.TrackDescriptor, bool) {
	var best biliapi.TrackDescriptor
	var bestScore trackScore
	found := false
	for _, t := range tracks {
		if t.HDR && !quality.HDRAllowed {
			continue
		}
		if t.Dolby && !quality.DolbyAllowed {
			continue
		}
		if t.HiRes && !quality.HiResAllowed {
			continue
		}
		s := scoreTrack(t, quality)
		if !found || bestScore.less(s) {
			best, bestScore, found = t, s, true
		}
	}
	return best, found
}

func scoreTrack(t biliapi.TrackDescriptor, quality config.QualityPreference) trackScore {
	return trackScore{
		quality: rankIndex(quality.QualityRank, t.QualityRank),
		codec:   codecRankIndex(quality.CodecRank, t.Codec),
		hdr:     boolScore(t.HDR),
		dolby:   boolScore(t.Dolby),
		hiRes:   boolScore(t.HiRes),
	}
}

// rankIndex converts config's best-first ranking into a score where
// higher is better; an unranked value scores below every ranked one.
func rankIndex(rank []int, value int) int {
	for i, r := range rank {
		if r == value {
			return len(rank) - i
		}
	}
	return 0
}

func codecRankIndex(rank []string, value string) int {
	for i, r := range rank {
		if r == value {
			return len(rank) - i
		}
	}
	return 0
}

func boolScore(b bool) int {
	if b {
		return 1
	}
	return 0
}
