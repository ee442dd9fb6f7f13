// Package source implements the subscription source: one variant per
// subscription kind, each producing a newest-first feed of remote video
// descriptors with watermark-based stop/skip semantics.
//
// Grounded on the teacher's internal/indexer/fetch.Fetcher (Config/Result
// shape, "one thing per provider mode" structuring) and
// internal/indexer/m3u.go's one-file-per-listing-kind layout, generalized
// from a provider-wide catalog fetch to a per-subscription incremental
// feed keyed by a stored watermark instead of ETags.
package source

import (
	"context"
	"time"

	"github.com/arrenxxxxx/bili-sync/internal/biliapi"
	"github.com/arrenxxxxx/bili-sync/internal/model"
)

// Descriptor is one item observed from a page_feed, carrying enough of the
// remote listing to decide should_take/should_filter without a detail
// fetch (the enrichment stage resolves the rest).
type Descriptor = biliapi.VideoDescriptor

// Source is the common interface every subscription kind variant
// implements.
type Source interface {
	// Discover pages through the remote listing newest-first, stopping at
	// the stored watermark, and returns the items to insert plus the
	// newest timestamp observed (for the caller to advance the
	// watermark). It never returns an item should_filter rejected.
	Discover(ctx context.Context) (Result, error)

	RootPath() string
	FilterRule() model.FilterRule
}

// Result is one Discover call's output.
type Result struct {
	Items  []Descriptor
	Newest time.Time // zero if no items were observed
	SawAny bool
}

// New builds the Source variant matching sub.Kind.
func New(client biliapi.Client, sub model.Subscription) Source {
	base := base{client: client, sub: sub}
	switch sub.Kind {
	case model.KindFavorites:
		return &favoritesSource{base: base}
	case model.KindCollection:
		return &collectionSource{base: base}
	case model.KindSubmissions:
		return &submissionsSource{base: base}
	case model.KindWatchLater:
		return &watchLaterSource{base: base}
	default:
		return &favoritesSource{base: base} // unreachable: Kind is a closed set validated at the repository layer
	}
}

type base struct {
	client biliapi.Client
	sub    model.Subscription
}

func (b base) RootPath() string            { return b.sub.RootPath }
func (b base) FilterRule() model.FilterRule { return b.sub.Filter }

// shouldTake reports whether descriptor is newer than the stored
// watermark; false stops iteration, since the feed is newest-first.
func (b base) shouldTake(d Descriptor) bool {
	return d.PublishedAt.After(b.sub.LatestRowAt)
}

// shouldFilter reports whether descriptor should be skipped but
// iteration continued: a different publisher than the one this
// subscription names (defense against upstream listing bugs that leak
// cross-publisher items).
func (b base) shouldFilter(d Descriptor, expectedPublisher int64) bool {
	// Title regex and min-duration are evaluated fully once duration is
	// known, post-enrichment — nothing here to check yet beyond the
	// cross-publisher guard.
	return expectedPublisher != 0 && d.PublisherID != expectedPublisher
}

// walk drives the newest-first, watermark-gated, cursor-paginated feed
// common to every variant. fetchPage is called with an increasing cursor
// until it returns HasMore=false or should_take stops the walk.
func walk(ctx context.Context, b base, expectedPublisher int64, fetchPage func(context.Context, biliapi.Cursor) (biliapi.Page[Descriptor], error)) (Result, error) {
	var res Result
	cursor := biliapi.Cursor{}
	for {
		page, err := fetchPage(ctx, cursor)
		if err != nil {
			return Result{}, err
		}
		for _, d := range page.Items {
			if !b.shouldTake(d) {
				return res, nil
			}
			res.SawAny = true
			if res.Newest.IsZero() || d.PublishedAt.After(res.Newest) {
				res.Newest = d.PublishedAt
			}
			if b.shouldFilter(d, expectedPublisher) {
				continue
			}
			res.Items = append(res.Items, d)
		}
		if !page.HasMore {
			return res, nil
		}
		cursor = page.Next
	}
}

type favoritesSource struct{ base }

func (s *favoritesSource) Discover(ctx context.Context) (Result, error) {
	return walk(ctx, s.base, 0, func(ctx context.Context, c biliapi.Cursor) (biliapi.Page[Descriptor], error) {
		return s.client.ListFavorites(ctx, s.sub.FavoriteFolderID, c)
	})
}

type collectionSource struct{ base }

func (s *collectionSource) Discover(ctx context.Context) (Result, error) {
	isSeason := s.sub.CollectionKind == model.CollectionSeason
	return walk(ctx, s.base, s.sub.CollectionUpID, func(ctx context.Context, c biliapi.Cursor) (biliapi.Page[Descriptor], error) {
		return s.client.ListCollection(ctx, s.sub.CollectionUpID, s.sub.CollectionID, isSeason, c)
	})
}

type submissionsSource struct{ base }

func (s *submissionsSource) Discover(ctx context.Context) (Result, error) {
	incrementOnly := s.sub.SubmissionFlavor == model.SubmissionIncrement
	return walk(ctx, s.base, s.sub.SubmissionUpID, func(ctx context.Context, c biliapi.Cursor) (biliapi.Page[Descriptor], error) {
		return s.client.ListSubmissions(ctx, s.sub.SubmissionUpID, incrementOnly, c)
	})
}

type watchLaterSource struct{ base }

func (s *watchLaterSource) Discover(ctx context.Context) (Result, error) {
	return walk(ctx, s.base, 0, func(ctx context.Context, c biliapi.Cursor) (biliapi.Page[Descriptor], error) {
		return s.client.ListWatchLater(ctx, c)
	})
}

// ToVideo converts a descriptor into the repository-bound model.Video row
// inserted by UpsertVideos; enrichment fills in Category and page data.
func ToVideo(sub model.Subscription, d Descriptor) model.Video {
	return model.Video{
		SubscriptionID: sub.ID,
		BVID:           d.BVID,
		AID:            d.AID,
		Title:          d.Title,
		Publisher: model.Publisher{
			ID:   d.PublisherID,
			Name: d.PublisherName,
		},
		PublishedAt: d.PublishedAt,
		Valid:       true,
		Category:    model.CategorySinglePage,
	}
}
