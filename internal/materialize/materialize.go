// Package materialize implements the materialization stage: per-
// (entity, field) task planning gated by the status codec's should_run,
// concurrent per-video and per-page fan-out bounded by the concurrency
// governor, and CAS status writes through the repository.
//
// Grounded on the teacher's internal/materializer/cache.go: the
// in-flight-dedup-then-partial-then-rename shape generalizes here from
// one asset kind to five video-level and five page-level fields, with
// the in-flight map replaced by the governor's semaphores (a field is
// already serialized by being the sole writer of its own status bits, so
// no separate dedup map is needed) and the single partial-path rename
// replaced by internal/downloader's own resumable fetch.
package materialize

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/arrenxxxxx/bili-sync/internal/biliapi"
	"github.com/arrenxxxxx/bili-sync/internal/config"
	"github.com/arrenxxxxx/bili-sync/internal/downloader"
	"github.com/arrenxxxxx/bili-sync/internal/governor"
	"github.com/arrenxxxxx/bili-sync/internal/layout"
	"github.com/arrenxxxxx/bili-sync/internal/metadata"
	"github.com/arrenxxxxx/bili-sync/internal/metrics"
	"github.com/arrenxxxxx/bili-sync/internal/model"
	"github.com/arrenxxxxx/bili-sync/internal/mux"
	"github.com/arrenxxxxx/bili-sync/internal/statusword"
	"github.com/arrenxxxxx/bili-sync/internal/syncerr"
)

var logger = log.New(log.Writer(), "materialize: ", log.LstdFlags)

// repository is the narrow slice of internal/repository this package
// depends on.
type repository interface {
	UpdateVideoStatus(ctx context.Context, videoID int64, field int, newValue uint8) error
	UpdatePageStatus(ctx context.Context, pageID int64, field int, newValue uint8) error
	PagesForVideo(ctx context.Context, videoID int64) ([]model.Page, error)
}

// Materializer drives the per-video, per-page task plan.
type Materializer struct {
	client   biliapi.Client
	repo     repository
	gov      *governor.Governor
	dl       *downloader.Downloader
	layout   *layout.Resolver
	metadata metadata.Provider
	tuning   config.DownloadTuning
}

func New(client biliapi.Client, repo repository, gov *governor.Governor, dl *downloader.Downloader, lay *layout.Resolver, md metadata.Provider, tuning config.DownloadTuning) *Materializer {
	return &Materializer{client: client, repo: repo, gov: gov, dl: dl, layout: lay, metadata: md, tuning: tuning}
}

// Stage materializes every video passed in. Different videos overlap
// freely; AcquireVideoSlot bounds how many run at once for sub. A
// *syncerr.RiskControl observed anywhere cancels every other in-flight
// video's remaining tasks and is returned so the caller can trip the
// breaker and abort the cycle: tasks already running finish, nothing
// new starts.
func (m *Materializer) Stage(ctx context.Context, sub model.Subscription, videos []model.Video) error {
	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var riskErr error

	for _, v := range videos {
		v := v
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.gov.AcquireVideoSlot(stageCtx, sub.ID)
			if err != nil {
				return
			}
			defer release()
			if err := m.video(stageCtx, sub, v); err != nil {
				var rc *syncerr.RiskControl
				if errors.As(err, &rc) {
					mu.Lock()
					if riskErr == nil {
						riskErr = err
					}
					mu.Unlock()
					cancel()
					return
				}
				logger.Printf("video %s: %v", v.BVID, err)
			}
		}()
	}
	wg.Wait()
	return riskErr
}

func (m *Materializer) video(ctx context.Context, sub model.Subscription, v model.Video) error {
	if v.Category == model.CategoryMultiPage {
		if err := m.runVideoField(ctx, v, model.FieldPoster, func() error { return m.fetchPoster(ctx, sub, v) }); err != nil {
			return err
		}
		if err := m.runVideoField(ctx, v, model.FieldSeriesNFO, func() error { return m.writeSeriesNFO(sub, v) }); err != nil {
			return err
		}
	} else {
		// Not applicable to single-page videos; mark vacuously satisfied
		// so SelectPending doesn't keep surfacing them.
		if err := m.skipVideoField(ctx, v, model.FieldPoster); err != nil {
			return err
		}
		if err := m.skipVideoField(ctx, v, model.FieldSeriesNFO); err != nil {
			return err
		}
	}

	if err := m.runVideoField(ctx, v, model.FieldPublisherAvatar, func() error { return m.fetchPublisherAvatar(ctx, v) }); err != nil {
		return err
	}
	if err := m.runVideoField(ctx, v, model.FieldPublisherNFO, func() error { return m.writePublisherNFO(v) }); err != nil {
		return err
	}

	pages, err := m.repo.PagesForVideo(ctx, v.ID)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, p := range pages {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.gov.AcquirePageSlot(ctx, v.ID)
			if err != nil {
				return
			}
			defer release()
			if err := m.page(ctx, sub, v, p); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		var rc *syncerr.RiskControl
		if errors.As(firstErr, &rc) {
			return firstErr
		}
		logger.Printf("video %s pages: %v", v.BVID, firstErr)
	}

	return m.rollupPagesDownloaded(ctx, v)
}

func (m *Materializer) page(ctx context.Context, sub model.Subscription, v model.Video, p model.Page) error {
	tasks := []struct {
		field      int
		fn         func() error
		applicable bool
	}{
		{model.FieldThumbnail, func() error { return m.fetchThumbnail(ctx, sub, v, p) }, v.Category == model.CategoryMultiPage},
		{model.FieldMedia, func() error { return m.fetchMedia(ctx, sub, v, p) }, true},
		{model.FieldEpisodeNFO, func() error { return m.writeEpisodeNFO(sub, v, p) }, true},
		{model.FieldDanmaku, func() error { return m.fetchDanmaku(ctx, sub, v, p) }, true},
		{model.FieldSubtitles, func() error { return m.fetchSubtitles(ctx, sub, v, p) }, true},
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, task := range tasks {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if task.applicable {
				err = m.runPageField(ctx, p, task.field, task.fn)
			} else {
				err = m.skipPageField(ctx, p, task.field)
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// rollupPagesDownloaded recomputes the video-level pages_downloaded field
// from the freshly-read per-page status words: it becomes 0 iff every
// owned page's fields are all in terminal state.
func (m *Materializer) rollupPagesDownloaded(ctx context.Context, v model.Video) error {
	pages, err := m.repo.PagesForVideo(ctx, v.ID)
	if err != nil {
		return err
	}
	allDone := true
	for _, p := range pages {
		if !statusword.AllTerminal(p.Status) {
			allDone = false
			break
		}
	}

	var word uint32
	if allDone {
		word = statusword.Advance(v.Status, model.FieldPagesDownloaded, true)
	} else {
		// Pages still have legitimate per-attempt retries outstanding; pin
		// the field at a fixed in-progress value rather than routing
		// through Advance's saturating failure counter, or enough
		// consecutive cycles of ordinary retrying would eventually
		// classify this field as permanently failed even though nothing
		// has actually failed.
		word = statusword.Set(v.Status, model.FieldPagesDownloaded, 1)
	}
	next := statusword.Get(word, model.FieldPagesDownloaded)
	return m.repo.UpdateVideoStatus(ctx, v.ID, model.FieldPagesDownloaded, next)
}

func (m *Materializer) runVideoField(ctx context.Context, v model.Video, field int, fn func() error) error {
	if !statusword.ShouldRun(v.Status, field) {
		return nil
	}
	return m.settleVideoField(ctx, v, field, fn())
}

func (m *Materializer) skipVideoField(ctx context.Context, v model.Video, field int) error {
	if !statusword.ShouldRun(v.Status, field) {
		return nil
	}
	return m.settleVideoField(ctx, v, field, nil)
}

func (m *Materializer) settleVideoField(ctx context.Context, v model.Video, field int, taskErr error) error {
	outcome, skip, abort := classify(taskErr)
	if abort {
		return taskErr
	}
	if skip {
		return nil
	}
	next := statusword.Get(statusword.Advance(v.Status, field, outcome == "success"), field)
	metrics.MaterializationOutcomes.WithLabelValues(videoFieldName(field), outcome).Inc()
	if taskErr != nil {
		logger.Printf("video %d field %s: %v", v.ID, videoFieldName(field), taskErr)
	}
	return m.repo.UpdateVideoStatus(ctx, v.ID, field, next)
}

func (m *Materializer) runPageField(ctx context.Context, p model.Page, field int, fn func() error) error {
	if !statusword.ShouldRun(p.Status, field) {
		return nil
	}
	return m.settlePageField(ctx, p, field, fn())
}

func (m *Materializer) skipPageField(ctx context.Context, p model.Page, field int) error {
	if !statusword.ShouldRun(p.Status, field) {
		return nil
	}
	return m.settlePageField(ctx, p, field, nil)
}

func (m *Materializer) settlePageField(ctx context.Context, p model.Page, field int, taskErr error) error {
	outcome, skip, abort := classify(taskErr)
	if abort {
		return taskErr
	}
	if skip {
		return nil
	}
	next := statusword.Get(statusword.Advance(p.Status, field, outcome == "success"), field)
	metrics.MaterializationOutcomes.WithLabelValues(pageFieldName(field), outcome).Inc()
	if taskErr != nil {
		logger.Printf("page %d field %s: %v", p.ID, pageFieldName(field), taskErr)
	}
	return m.repo.UpdatePageStatus(ctx, p.ID, field, next)
}

// classify maps a task's error into (outcome label, skip-status-write,
// abort-the-stage). RiskControl aborts; Cancelled leaves status
// untouched; everything else advances the field counter.
func classify(err error) (outcome string, skip, abort bool) {
	if err == nil {
		return "success", false, false
	}
	var rc *syncerr.RiskControl
	if errors.As(err, &rc) {
		return "", false, true
	}
	var cancelled *syncerr.Cancelled
	if errors.As(err, &cancelled) || errors.Is(err, context.Canceled) {
		return "", true, false
	}
	return "retry", false, false
}

func videoFieldName(field int) string {
	switch field {
	case model.FieldPoster:
		return "poster"
	case model.FieldSeriesNFO:
		return "series_nfo"
	case model.FieldPublisherAvatar:
		return "publisher_avatar"
	case model.FieldPublisherNFO:
		return "publisher_nfo"
	case model.FieldPagesDownloaded:
		return "pages_downloaded"
	default:
		return "unknown"
	}
}

func pageFieldName(field int) string {
	switch field {
	case model.FieldThumbnail:
		return "thumbnail"
	case model.FieldMedia:
		return "media"
	case model.FieldEpisodeNFO:
		return "episode_nfo"
	case model.FieldDanmaku:
		return "danmaku"
	case model.FieldSubtitles:
		return "subtitles"
	default:
		return "unknown"
	}
}

// fetchAsset runs one chunked/whole-file download. key selects the
// governor's per-file chunk semaphore; video-level assets pass a negated
// video id so they can never collide with a page id's bucket.
func (m *Materializer) fetchAsset(ctx context.Context, url, dest string, key int64) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	_, err := m.dl.Fetch(ctx, downloader.Request{
		PrimaryURL: url,
		DestPath:   dest,
		ChunkSize:  m.tuning.ChunkSize,
		MaxRetries: m.tuning.MaxRetries,
		PageID:     key,
	})
	return err
}

func writeFile(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	in, err := os.Open(src)
	if err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	return nil
}

func (m *Materializer) fetchPoster(ctx context.Context, sub model.Subscription, v model.Video) error {
	if v.CoverURL == "" {
		return nil
	}
	dest := m.layout.Poster(sub, v)
	if err := m.fetchAsset(ctx, v.CoverURL, dest, -v.ID); err != nil {
		return err
	}
	return copyFile(dest, m.layout.Fanart(sub, v))
}

func (m *Materializer) writeSeriesNFO(sub model.Subscription, v model.Video) error {
	b, err := m.metadata.SeriesNFO(v)
	if err != nil {
		return err
	}
	return writeFile(m.layout.SeriesNFO(sub, v), b)
}

func (m *Materializer) fetchPublisherAvatar(ctx context.Context, v model.Video) error {
	if v.Publisher.AvatarURL == "" {
		return nil
	}
	return m.fetchAsset(ctx, v.Publisher.AvatarURL, m.layout.PublisherAvatar(v.Publisher), -v.ID)
}

func (m *Materializer) writePublisherNFO(v model.Video) error {
	b, err := m.metadata.PersonNFO(v.Publisher)
	if err != nil {
		return err
	}
	return writeFile(m.layout.PublisherNFO(v.Publisher), b)
}

func (m *Materializer) fetchThumbnail(ctx context.Context, sub model.Subscription, v model.Video, p model.Page) error {
	if p.ThumbnailURL == "" {
		return nil
	}
	return m.fetchAsset(ctx, p.ThumbnailURL, m.layout.PageThumbnail(sub, v, p), p.ID)
}

// fetchMedia downloads the page's media, muxing video+audio tracks when
// the stream descriptor requires it.
func (m *Materializer) fetchMedia(ctx context.Context, sub model.Subscription, v model.Video, p model.Page) error {
	dest := m.layout.PageMedia(sub, v, p)
	if !p.Stream.MuxRequired {
		return m.fetchAsset(ctx, p.Stream.VideoURL, dest, p.ID)
	}

	videoTmp := dest + ".video.tmp"
	audioTmp := dest + ".audio.tmp"
	defer os.Remove(videoTmp)
	defer os.Remove(audioTmp)

	if err := m.fetchAsset(ctx, p.Stream.VideoURL, videoTmp, p.ID); err != nil {
		return err
	}
	if err := m.fetchAsset(ctx, p.Stream.AudioURL, audioTmp, p.ID); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	return mux.Run(ctx, mux.Request{VideoPath: videoTmp, AudioPath: audioTmp, DestPath: dest, Timeout: m.tuning.ChunkDeadline})
}

func (m *Materializer) writeEpisodeNFO(sub model.Subscription, v model.Video, p model.Page) error {
	b, err := m.metadata.EpisodeNFO(v, p)
	if err != nil {
		return err
	}
	return writeFile(m.layout.PageNFO(sub, v, p), b)
}

func (m *Materializer) fetchDanmaku(ctx context.Context, sub model.Subscription, v model.Video, p model.Page) error {
	rc, err := m.client.Danmaku(ctx, p.CID)
	if err != nil {
		return err
	}
	defer rc.Close()

	dest := m.layout.PageDanmaku(sub, v, p)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	f, err := os.Create(dest)
	if err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	return nil
}

func (m *Materializer) fetchSubtitles(ctx context.Context, sub model.Subscription, v model.Video, p model.Page) error {
	tracks, err := m.client.Subtitles(ctx, v.BVID, p.CID)
	if err != nil {
		return err
	}
	for _, t := range tracks {
		if err := m.fetchAsset(ctx, t.URL, m.layout.PageSubtitle(sub, v, p, t.Lang), p.ID); err != nil {
			return err
		}
	}
	return nil
}
