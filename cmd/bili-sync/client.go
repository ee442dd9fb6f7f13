package main

import (
	"context"
	"errors"
	"io"

	"github.com/arrenxxxxx/bili-sync/internal/biliapi"
)

// errClientNotImplemented is returned by every method of
// unimplementedClient. The concrete biliapi.Client — request signing, WBI
// key derivation, credential refresh — was never
// built; this placeholder exists only so the binary links and the engine's
// wiring is exercised up to the point of an actual upstream call. A real
// deployment supplies its own biliapi.Client implementation in its place.
var errClientNotImplemented = errors.New("bili-sync: no biliapi.Client implementation is wired; the concrete client is out of scope")

type unimplementedClient struct{}

func newUnimplementedClient() biliapi.Client { return unimplementedClient{} }

func (unimplementedClient) ListFavorites(ctx context.Context, folderID int64, cursor biliapi.Cursor) (biliapi.Page[biliapi.VideoDescriptor], error) {
	return biliapi.Page[biliapi.VideoDescriptor]{}, errClientNotImplemented
}

func (unimplementedClient) ListCollection(ctx context.Context, upID, collectionID int64, isSeason bool, cursor biliapi.Cursor) (biliapi.Page[biliapi.VideoDescriptor], error) {
	return biliapi.Page[biliapi.VideoDescriptor]{}, errClientNotImplemented
}

func (unimplementedClient) ListSubmissions(ctx context.Context, upID int64, incrementOnly bool, cursor biliapi.Cursor) (biliapi.Page[biliapi.VideoDescriptor], error) {
	return biliapi.Page[biliapi.VideoDescriptor]{}, errClientNotImplemented
}

func (unimplementedClient) ListWatchLater(ctx context.Context, cursor biliapi.Cursor) (biliapi.Page[biliapi.VideoDescriptor], error) {
	return biliapi.Page[biliapi.VideoDescriptor]{}, errClientNotImplemented
}

func (unimplementedClient) VideoDetail(ctx context.Context, bvid string) (biliapi.VideoDetail, error) {
	return biliapi.VideoDetail{}, errClientNotImplemented
}

func (unimplementedClient) StreamManifest(ctx context.Context, bvid string, cid int64) (biliapi.StreamManifest, error) {
	return biliapi.StreamManifest{}, errClientNotImplemented
}

func (unimplementedClient) Danmaku(ctx context.Context, cid int64) (io.ReadCloser, error) {
	return nil, errClientNotImplemented
}

func (unimplementedClient) Subtitles(ctx context.Context, bvid string, cid int64) ([]biliapi.SubtitleTrack, error) {
	return nil, errClientNotImplemented
}
