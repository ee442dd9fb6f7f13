// Package biliapitest provides an in-memory biliapi.Client double for
// internal/source and internal/enrich tests, so those packages can be
// tested without a real network client.
package biliapitest

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/arrenxxxxx/bili-sync/internal/biliapi"
)

// Fake implements biliapi.Client entirely from in-memory fixtures set by
// the test. When Err is set, every method returns it. Otherwise each
// method reads its fixture field, and a missing entry yields a zero value;
// Danmaku always returns an empty stream.
type Fake struct {
	Favorites   map[int64][]biliapi.VideoDescriptor
	Collections map[string][]biliapi.VideoDescriptor // key: "{upID}:{collectionID}:{series|season}"
	Submissions map[string][]biliapi.VideoDescriptor // key: "{upID}:{default|increment}"
	WatchLater  []biliapi.VideoDescriptor

	Details        map[string]biliapi.VideoDetail
	Manifests      map[string]biliapi.StreamManifest   // key: "{bvid}:{cid}"
	SubtitleTracks map[string][]biliapi.SubtitleTrack // key: "{bvid}:{cid}"

	Err error
}

func New() *Fake {
	return &Fake{
		Favorites:   make(map[int64][]biliapi.VideoDescriptor),
		Collections: make(map[string][]biliapi.VideoDescriptor),
		Submissions: make(map[string][]biliapi.VideoDescriptor),
		Details:     make(map[string]biliapi.VideoDetail),
		Manifests:   make(map[string]biliapi.StreamManifest),
		SubtitleTracks: make(map[string][]biliapi.SubtitleTrack),
	}
}

func page(items []biliapi.VideoDescriptor) biliapi.Page[biliapi.VideoDescriptor] {
	return biliapi.Page[biliapi.VideoDescriptor]{Items: items}
}

func (f *Fake) ListFavorites(ctx context.Context, folderID int64, cursor biliapi.Cursor) (biliapi.Page[biliapi.VideoDescriptor], error) {
	if f.Err != nil {
		return biliapi.Page[biliapi.VideoDescriptor]{}, f.Err
	}
	return page(f.Favorites[folderID]), nil
}

func (f *Fake) ListCollection(ctx context.Context, upID, collectionID int64, isSeason bool, cursor biliapi.Cursor) (biliapi.Page[biliapi.VideoDescriptor], error) {
	if f.Err != nil {
		return biliapi.Page[biliapi.VideoDescriptor]{}, f.Err
	}
	kind := "series"
	if isSeason {
		kind = "season"
	}
	return page(f.Collections[collectionKey(upID, collectionID, kind)]), nil
}

func (f *Fake) ListSubmissions(ctx context.Context, upID int64, incrementOnly bool, cursor biliapi.Cursor) (biliapi.Page[biliapi.VideoDescriptor], error) {
	if f.Err != nil {
		return biliapi.Page[biliapi.VideoDescriptor]{}, f.Err
	}
	flavor := "default"
	if incrementOnly {
		flavor = "increment"
	}
	return page(f.Submissions[submissionKey(upID, flavor)]), nil
}

func (f *Fake) ListWatchLater(ctx context.Context, cursor biliapi.Cursor) (biliapi.Page[biliapi.VideoDescriptor], error) {
	if f.Err != nil {
		return biliapi.Page[biliapi.VideoDescriptor]{}, f.Err
	}
	return page(f.WatchLater), nil
}

func (f *Fake) VideoDetail(ctx context.Context, bvid string) (biliapi.VideoDetail, error) {
	if f.Err != nil {
		return biliapi.VideoDetail{}, f.Err
	}
	return f.Details[bvid], nil
}

func (f *Fake) StreamManifest(ctx context.Context, bvid string, cid int64) (biliapi.StreamManifest, error) {
	if f.Err != nil {
		return biliapi.StreamManifest{}, f.Err
	}
	return f.Manifests[manifestKey(bvid, cid)], nil
}

func (f *Fake) Danmaku(ctx context.Context, cid int64) (io.ReadCloser, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *Fake) Subtitles(ctx context.Context, bvid string, cid int64) ([]biliapi.SubtitleTrack, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.SubtitleTracks[manifestKey(bvid, cid)], nil
}

func collectionKey(upID, collectionID int64, kind string) string {
	return strconv.FormatInt(upID, 10) + ":" + strconv.FormatInt(collectionID, 10) + ":" + kind
}

func submissionKey(upID int64, flavor string) string {
	return strconv.FormatInt(upID, 10) + ":" + flavor
}

func manifestKey(bvid string, cid int64) string {
	return bvid + ":" + strconv.FormatInt(cid, 10)
}
