// Package model holds the core entity types shared by the repository and
// every pipeline stage: subscriptions, videos, pages, and their filter
// rules. Shapes follow the teacher's plain-struct convention (see
// internal/catalog.Movie/Series/Episode); only FilterRule carries JSON tags.
package model

import "time"

// SubscriptionKind discriminates the four subscription variants. The set
// is closed and enumerated at startup — a tagged variant, not an
// interface with a plugin registry.
type SubscriptionKind string

const (
	KindFavorites   SubscriptionKind = "favorites"
	KindCollection  SubscriptionKind = "collection"
	KindSubmissions SubscriptionKind = "submissions"
	KindWatchLater  SubscriptionKind = "watch_later"
)

// CollectionVariant distinguishes the two Collection sub-kinds.
type CollectionVariant string

const (
	CollectionSeries CollectionVariant = "series"
	CollectionSeason CollectionVariant = "season"
)

// SubmissionFlavor selects between the two submissions listing endpoints.
type SubmissionFlavor string

const (
	SubmissionDefault   SubmissionFlavor = "default"
	SubmissionIncrement SubmissionFlavor = "increment"
)

// FilterRule is the optional per-subscription filter (min duration, title
// regex). Empty fields mean "no constraint".
type FilterRule struct {
	MinDuration time.Duration `json:"min_duration,omitempty"`
	TitleRegex  string        `json:"title_regex,omitempty"`
}

// Subscription is the abstract subscription row. Exactly one of the four
// remote-identifier groups is meaningful, selected by Kind (V1's "exactly
// one of four nullable columns" invariant is enforced at the repository
// layer via four nullable foreign-key columns on video, not here).
type Subscription struct {
	ID       int64
	Kind     SubscriptionKind
	Title    string
	RootPath string
	Enabled  bool

	// Remote identifiers, meaningful per Kind.
	FavoriteFolderID int64             // Favorites
	CollectionUpID   int64             // Collection: creator/up-host id
	CollectionID     int64             // Collection: season/series id
	CollectionKind   CollectionVariant // Collection: Series | Season
	SubmissionUpID   int64             // Submissions: creator id
	SubmissionFlavor SubmissionFlavor  // Submissions: listing endpoint flavor

	LatestRowAt time.Time // watermark (W1: monotonically non-decreasing)
	Filter      FilterRule
}

// VideoCategory discriminates single-page vs. multi-page layout.
type VideoCategory int

const (
	CategorySinglePage VideoCategory = iota
	CategoryMultiPage
)

// Video-level status fields, in field-index order.
const (
	FieldPoster = iota
	FieldSeriesNFO
	FieldPublisherAvatar
	FieldPublisherNFO
	FieldPagesDownloaded
)

// Page-level status fields, in field-index order.
const (
	FieldThumbnail = iota
	FieldMedia
	FieldEpisodeNFO
	FieldDanmaku
	FieldSubtitles
)

// Publisher is the embedded creator identity on a Video.
type Publisher struct {
	ID        int64
	Name      string
	AvatarURL string
}

// Video is one row per remote video.
type Video struct {
	ID             int64
	SubscriptionID int64
	BVID           string // bv-style remote id
	AID            int64  // numeric remote id
	Title          string
	Publisher      Publisher
	CoverURL       string // poster/fanart source image, set once known at enrichment
	PublishedAt    time.Time
	Valid          bool
	Status         uint32 // packed status word, video-level fields
	Category       VideoCategory
}

// StreamDescriptor is the resolved video+audio track selection for a Page.
type StreamDescriptor struct {
	VideoURL    string
	AudioURL    string // empty when the manifest is "mixed" (no mux needed)
	MuxRequired bool
}

// Page is one segment within a Video. Single-page videos have exactly
// one Page with Index 1.
type Page struct {
	ID           int64
	VideoID      int64
	CID          int64 // remote per-part identifier, keys the danmaku/subtitle endpoints
	Index        int   // 1-based
	Title        string
	Duration     time.Duration
	ThumbnailURL string
	Stream       StreamDescriptor
	Status       uint32 // packed status word, page-level fields
}
