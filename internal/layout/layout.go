// Package layout computes destination paths for the home-media-server
// filesystem layout. Path templating is a naming concern fully determined
// by this package's own rules, so it's implemented directly rather than
// left to an injected interface the way the upstream HTTP client or NFO
// text generation are.
package layout

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/arrenxxxxx/bili-sync/internal/model"
)

// Resolver computes paths rooted at a subscription's RootPath plus one
// shared PublisherRoot for creator assets shared across subscriptions.
type Resolver struct {
	PublisherRoot string
}

func New(publisherRoot string) *Resolver {
	return &Resolver{PublisherRoot: publisherRoot}
}

var filenameReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "\x00", "_")

func sanitize(name string) string {
	name = filenameReplacer.Replace(name)
	if name == "" {
		return "untitled"
	}
	return name
}

// videoDir is the per-video container directory: for multi-page videos
// this is {root}/{title}; single-page videos have no container, their
// files sit directly under the subscription root.
func (r *Resolver) videoDir(sub model.Subscription, v model.Video) string {
	if v.Category == model.CategoryMultiPage {
		return filepath.Join(sub.RootPath, sanitize(v.Title))
	}
	return sub.RootPath
}

func (r *Resolver) seasonDir(sub model.Subscription, v model.Video) string {
	return filepath.Join(r.videoDir(sub, v), "Season 1")
}

// Poster is the show-level cover image, multi-page videos only.
func (r *Resolver) Poster(sub model.Subscription, v model.Video) string {
	return filepath.Join(r.videoDir(sub, v), "poster.jpg")
}

// Fanart is the show-level backdrop image, written alongside Poster from
// the same fetched cover image.
func (r *Resolver) Fanart(sub model.Subscription, v model.Video) string {
	return filepath.Join(r.videoDir(sub, v), "fanart.jpg")
}

// SeriesNFO is the show-level descriptor, multi-page videos only.
func (r *Resolver) SeriesNFO(sub model.Subscription, v model.Video) string {
	return filepath.Join(r.videoDir(sub, v), "tvshow.nfo")
}

// PublisherAvatar is shared across every subscription from the same
// publisher, rooted at PublisherRoot rather than any one subscription.
func (r *Resolver) PublisherAvatar(pub model.Publisher) string {
	return filepath.Join(r.PublisherRoot, fmt.Sprint(pub.ID), "folder.jpg")
}

// PublisherNFO is the publisher's shared descriptor.
func (r *Resolver) PublisherNFO(pub model.Publisher) string {
	return filepath.Join(r.PublisherRoot, fmt.Sprint(pub.ID), "person.nfo")
}

// episodeBase is the common filename stem a page's sidecar files share;
// only a shared directory per page is required, not a strict write
// order.
func (r *Resolver) episodeBase(sub model.Subscription, v model.Video, p model.Page) string {
	if v.Category == model.CategoryMultiPage {
		stem := fmt.Sprintf("%s - S01E%02d", sanitize(v.Title), p.Index)
		return filepath.Join(r.seasonDir(sub, v), stem)
	}
	return filepath.Join(r.videoDir(sub, v), sanitize(v.Title))
}

// PageMedia is the page's muxed/downloaded media file.
func (r *Resolver) PageMedia(sub model.Subscription, v model.Video, p model.Page) string {
	return r.episodeBase(sub, v, p) + ".mp4"
}

// PageNFO is the page's episode descriptor.
func (r *Resolver) PageNFO(sub model.Subscription, v model.Video, p model.Page) string {
	return r.episodeBase(sub, v, p) + ".nfo"
}

// PageThumbnail is the page's episode thumbnail, multi-page videos only
// (a single-page video has no separate thumbnail file).
func (r *Resolver) PageThumbnail(sub model.Subscription, v model.Video, p model.Page) string {
	return r.episodeBase(sub, v, p) + "-thumb.jpg"
}

// PageDanmaku is the page's overlay comment track, rendered as a
// subtitle-format sidecar.
func (r *Resolver) PageDanmaku(sub model.Subscription, v model.Video, p model.Page) string {
	return r.episodeBase(sub, v, p) + ".zh-CN.default.ass"
}

// PageSubtitle is one language track of the page's optional subtitle set.
func (r *Resolver) PageSubtitle(sub model.Subscription, v model.Video, p model.Page, lang string) string {
	return r.episodeBase(sub, v, p) + "." + sanitize(lang) + ".srt"
}
