// Package biliapi declares the abstract upstream client surface: the
// engine consumes an abstract client whose implementation handles
// authentication, request signing, and credential refresh internally.
// Only the interface and its data transfer types live here; the concrete
// HTTP implementation (request signing, WBI key derivation, credential
// storage) is never built in this package — internal/source and
// internal/enrich depend only on the Client interface, so a test double
// can stand in for it without a real network.
package biliapi

import (
	"context"
	"io"
	"time"
)

// Cursor is an opaque pagination position. Source implementations pass
// back whatever Cursor a prior page returned; the zero Cursor means
// "start from the newest item."
type Cursor struct {
	Offset          int
	PublishedBefore time.Time
}

// Page is one fetched page of T plus whether a subsequent page exists.
type Page[T any] struct {
	Items   []T
	Next    Cursor
	HasMore bool
}

// VideoDescriptor is the lightweight listing-level record returned by
// every list endpoint, ordered newest-first.
type VideoDescriptor struct {
	BVID          string
	AID           int64
	Title         string
	PublisherID   int64
	PublisherName string
	PublishedAt   time.Time
}

// PageDescriptor is one part of a (possibly multi-page) video, as
// returned by the video-detail endpoint.
type PageDescriptor struct {
	CID          int64
	Index        int
	Title        string
	Duration     time.Duration
	ThumbnailURL string
}

// VideoDetail is the full per-video metadata fetched during enrichment:
// pages, tags, and an optional redirect marker for licensed /
// unavailable content.
type VideoDetail struct {
	BVID            string
	AID             int64
	Title           string
	PublisherID     int64
	PublisherName   string
	PublisherAvatar string
	CoverURL        string
	PublishedAt     time.Time
	Pages           []PageDescriptor
	Tags            []string
	// RedirectTarget is non-empty when the upstream marks this video as
	// a pointer to external/licensed content rather than playable media.
	RedirectTarget string
}

// TrackDescriptor is one candidate video or audio track from a stream
// manifest, carrying the attributes the enrichment stage's lexicographic
// preference tuple selects over.
type TrackDescriptor struct {
	URL         string
	Mirrors     []string
	QualityRank int
	Codec       string
	HDR         bool
	Dolby       bool
	HiRes       bool
}

// StreamManifest is the set of candidate tracks for one page. Mixed is
// true when a single track already carries both video and audio, in
// which case no external mux is required.
type StreamManifest struct {
	Mixed       bool
	VideoTracks []TrackDescriptor
	AudioTracks []TrackDescriptor
}

// SubtitleTrack is one sidecar subtitle stream available for a page.
type SubtitleTrack struct {
	Lang string
	URL  string
}

// Client is the abstract upstream surface every Subscription Source and
// the Enrichment Stage depend on. All methods may return the error kinds
// wrapped as the concrete types in internal/syncerr; in particular a
// risk-control response surfaces as *syncerr.RiskControl rather than a
// distinguished return value, so callers route every call through the
// same error-classification path.
type Client interface {
	ListFavorites(ctx context.Context, folderID int64, cursor Cursor) (Page[VideoDescriptor], error)
	ListCollection(ctx context.Context, upID, collectionID int64, isSeason bool, cursor Cursor) (Page[VideoDescriptor], error)
	ListSubmissions(ctx context.Context, upID int64, incrementOnly bool, cursor Cursor) (Page[VideoDescriptor], error)
	ListWatchLater(ctx context.Context, cursor Cursor) (Page[VideoDescriptor], error)

	VideoDetail(ctx context.Context, bvid string) (VideoDetail, error)
	StreamManifest(ctx context.Context, bvid string, cid int64) (StreamManifest, error)
	Danmaku(ctx context.Context, cid int64) (io.ReadCloser, error)
	Subtitles(ctx context.Context, bvid string, cid int64) ([]SubtitleTrack, error)
}
