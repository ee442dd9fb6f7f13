// Package repository implements typed CRUD over SQLite for
// Subscription/Video/Page, filtered queries, and compare-and-set status
// updates. Grounded on the teacher's internal/plex/dvr.go and lineup.go
// (database/sql + modernc.org/sqlite, inline CREATE TABLE IF NOT EXISTS,
// explicit transactions for multi-row atomicity) but the schema here is
// owned, not reverse-engineered from a third party's database.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arrenxxxxx/bili-sync/internal/model"
	"github.com/arrenxxxxx/bili-sync/internal/statusword"
)

// Repository is safe for concurrent callers. Most writes are single-row
// updates; UpsertVideos and UpsertPages each write several rows inside one
// transaction. AdvanceWatermark is a separate statement, so inserting a
// batch of videos and advancing the watermark are not atomic together.
type Repository struct {
	db     *sql.DB
	logger *log.Logger
}

// Open opens (creating if necessary) the sqlite file at path and applies the
// schema. path may be ":memory:" for tests.
func Open(path string, logger *log.Logger) (*Repository, error) {
	if logger == nil {
		logger = log.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer avoids SQLITE_BUSY under our own concurrency
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: apply schema: %w", err)
	}
	return &Repository{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (r *Repository) Close() error { return r.db.Close() }

// subscriptionTable returns the table name and owning FK column for a kind.
func subscriptionTable(kind model.SubscriptionKind) (table, fkColumn string, err error) {
	switch kind {
	case model.KindFavorites:
		return "favorite", "favorite_id", nil
	case model.KindCollection:
		return "collection", "collection_id", nil
	case model.KindSubmissions:
		return "submission", "submission_id", nil
	case model.KindWatchLater:
		return "watch_later", "watch_later_id", nil
	default:
		return "", "", fmt.Errorf("repository: unknown subscription kind %q", kind)
	}
}

// ListEnabledSubscriptions returns every enabled subscription across all
// four tables, used by the Task Manager to build its schedule set.
func (r *Repository) ListEnabledSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	var out []model.Subscription
	for _, kind := range []model.SubscriptionKind{
		model.KindFavorites, model.KindCollection, model.KindSubmissions, model.KindWatchLater,
	} {
		subs, err := r.listSubscriptions(ctx, kind, true)
		if err != nil {
			return nil, err
		}
		out = append(out, subs...)
	}
	return out, nil
}

func (r *Repository) listSubscriptions(ctx context.Context, kind model.SubscriptionKind, enabledOnly bool) ([]model.Subscription, error) {
	table, _, err := subscriptionTable(kind)
	if err != nil {
		return nil, err
	}
	var (
		rows *sql.Rows
		qerr error
	)
	switch kind {
	case model.KindFavorites:
		q := "SELECT id, folder_id, title, root_path, enabled, latest_row_at, filter_min_duration_ns, filter_title_regex FROM favorite"
		if enabledOnly {
			q += " WHERE enabled = 1"
		}
		rows, qerr = r.db.QueryContext(ctx, q)
	case model.KindCollection:
		q := "SELECT id, up_id, collection_id, kind, title, root_path, enabled, latest_row_at, filter_min_duration_ns, filter_title_regex FROM collection"
		if enabledOnly {
			q += " WHERE enabled = 1"
		}
		rows, qerr = r.db.QueryContext(ctx, q)
	case model.KindSubmissions:
		q := "SELECT id, up_id, flavor, title, root_path, enabled, latest_row_at, filter_min_duration_ns, filter_title_regex FROM submission"
		if enabledOnly {
			q += " WHERE enabled = 1"
		}
		rows, qerr = r.db.QueryContext(ctx, q)
	case model.KindWatchLater:
		q := "SELECT id, title, root_path, enabled, latest_row_at, filter_min_duration_ns, filter_title_regex FROM watch_later"
		if enabledOnly {
			q += " WHERE enabled = 1"
		}
		rows, qerr = r.db.QueryContext(ctx, q)
	}
	if qerr != nil {
		return nil, fmt.Errorf("repository: list %s: %w", table, qerr)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		s := model.Subscription{Kind: kind}
		var latestNs, minDurNs int64
		switch kind {
		case model.KindFavorites:
			if err := rows.Scan(&s.ID, &s.FavoriteFolderID, &s.Title, &s.RootPath, &s.Enabled, &latestNs, &minDurNs, &s.Filter.TitleRegex); err != nil {
				return nil, err
			}
		case model.KindCollection:
			var kindStr string
			if err := rows.Scan(&s.ID, &s.CollectionUpID, &s.CollectionID, &kindStr, &s.Title, &s.RootPath, &s.Enabled, &latestNs, &minDurNs, &s.Filter.TitleRegex); err != nil {
				return nil, err
			}
			s.CollectionKind = model.CollectionVariant(kindStr)
		case model.KindSubmissions:
			var flavorStr string
			if err := rows.Scan(&s.ID, &s.SubmissionUpID, &flavorStr, &s.Title, &s.RootPath, &s.Enabled, &latestNs, &minDurNs, &s.Filter.TitleRegex); err != nil {
				return nil, err
			}
			s.SubmissionFlavor = model.SubmissionFlavor(flavorStr)
		case model.KindWatchLater:
			if err := rows.Scan(&s.ID, &s.Title, &s.RootPath, &s.Enabled, &latestNs, &minDurNs, &s.Filter.TitleRegex); err != nil {
				return nil, err
			}
		}
		s.LatestRowAt = time.Unix(0, latestNs).UTC()
		s.Filter.MinDuration = time.Duration(minDurNs)
		out = append(out, s)
	}
	return out, rows.Err()
}

// AdvanceWatermark updates a subscription's latest_row_at, enforcing W1
// (monotonicity) by only applying the update when newer.
func (r *Repository) AdvanceWatermark(ctx context.Context, kind model.SubscriptionKind, id int64, newest time.Time) error {
	table, _, err := subscriptionTable(kind)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET latest_row_at = ? WHERE id = ? AND latest_row_at < ?`, table),
		newest.UnixNano(), id, newest.UnixNano())
	if err != nil {
		return fmt.Errorf("repository: advance watermark %s#%d: %w", table, id, err)
	}
	return nil
}

// UpsertVideos inserts videos from batch not already present (keyed by
// remote id + subscription), and returns the ids newly inserted. Idempotent
// under replay (I1): re-inserting an already-present bvid is a no-op.
func (r *Repository) UpsertVideos(ctx context.Context, kind model.SubscriptionKind, subscriptionID int64, batch []model.Video) (inserted []int64, err error) {
	_, fkColumn, err := subscriptionTable(kind)
	if err != nil {
		return nil, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("repository: upsert videos: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO video (%s, bvid, aid, title, publisher_id, publisher_name, publisher_avatar_url, published_at, valid, status, category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT DO NOTHING
	`, fkColumn))
	if err != nil {
		return nil, fmt.Errorf("repository: upsert videos: prepare: %w", err)
	}
	defer stmt.Close()

	for _, v := range batch {
		res, err := stmt.ExecContext(ctx, subscriptionID, v.BVID, v.AID, v.Title,
			v.Publisher.ID, v.Publisher.Name, v.Publisher.AvatarURL, v.PublishedAt.UnixNano(), statusword.Initial(), int(v.Category))
		if err != nil {
			return nil, fmt.Errorf("repository: upsert video %s: %w", v.BVID, err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			id, _ := res.LastInsertId()
			inserted = append(inserted, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("repository: upsert videos: commit: %w", err)
	}
	r.logger.Printf("repository: upsert_videos subscription=%d candidates=%d inserted=%d", subscriptionID, len(batch), len(inserted))
	return inserted, nil
}

// SelectPending returns videos eligible for enrichment/materialization:
// valid, with at least one not-yet-terminal status field at the video or
// page level, matching filterRule, ordered newest-first with a
// deterministic tie-break.
func (r *Repository) SelectPending(ctx context.Context, subscriptionID int64, filter model.FilterRule) ([]model.Video, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT v.id, v.favorite_id, v.collection_id, v.submission_id, v.watch_later_id,
		       v.bvid, v.aid, v.title, v.publisher_id, v.publisher_name, v.publisher_avatar_url,
		       v.cover_url, v.published_at, v.valid, v.status, v.category
		FROM video v
		WHERE v.valid = 1
		  AND (v.favorite_id = ? OR v.collection_id = ? OR v.submission_id = ? OR v.watch_later_id = ?)
		ORDER BY v.published_at DESC, v.bvid ASC
	`, subscriptionID, subscriptionID, subscriptionID, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("repository: select pending: %w", err)
	}
	defer rows.Close()

	var titleRe *regexp.Regexp
	if filter.TitleRegex != "" {
		titleRe, err = regexp.Compile(filter.TitleRegex)
		if err != nil {
			return nil, fmt.Errorf("repository: select pending: bad filter title regex: %w", err)
		}
	}

	var out []model.Video
	for rows.Next() {
		var v model.Video
		var favID, colID, subID, wlID sql.NullInt64
		var publishedNs int64
		var category int
		if err := rows.Scan(&v.ID, &favID, &colID, &subID, &wlID, &v.BVID, &v.AID, &v.Title,
			&v.Publisher.ID, &v.Publisher.Name, &v.Publisher.AvatarURL, &v.CoverURL, &publishedNs, &v.Valid, &v.Status, &category); err != nil {
			return nil, err
		}
		v.SubscriptionID = subscriptionID
		v.PublishedAt = time.Unix(0, publishedNs).UTC()
		v.Category = model.VideoCategory(category)

		if titleRe != nil && !titleRe.MatchString(v.Title) {
			continue
		}
		if filter.MinDuration > 0 {
			// Duration lives on pages; the filter is applied fully once pages
			// are enriched. Pre-enrichment candidates pass through here and
			// are re-checked by the enrichment stage.
		}

		hasWork := false
		for f := 0; f < model.FieldPagesDownloaded+1; f++ {
			if statusword.ShouldRun(v.Status, f) {
				hasWork = true
				break
			}
		}
		if !hasWork {
			pages, err := r.pagesNeedingWork(ctx, v.ID)
			if err != nil {
				return nil, err
			}
			hasWork = pages
		}
		if hasWork {
			out = append(out, v)
		}
	}
	return out, rows.Err()
}

func (r *Repository) pagesNeedingWork(ctx context.Context, videoID int64) (bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status FROM page WHERE video_id = ?`, videoID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var status uint32
		if err := rows.Scan(&status); err != nil {
			return false, err
		}
		for f := 0; f < model.FieldSubtitles+1; f++ {
			if statusword.ShouldRun(status, f) {
				return true, nil
			}
		}
	}
	return false, rows.Err()
}

// UpdateVideoStatus performs a compare-and-set over the packed status word:
// it never overwrites a terminal field with a non-terminal value.
func (r *Repository) UpdateVideoStatus(ctx context.Context, videoID int64, field int, newValue uint8) error {
	return r.casStatus(ctx, "video", videoID, field, newValue)
}

// UpdatePageStatus is the page-level counterpart of UpdateVideoStatus.
func (r *Repository) UpdatePageStatus(ctx context.Context, pageID int64, field int, newValue uint8) error {
	return r.casStatus(ctx, "page", pageID, field, newValue)
}

func (r *Repository) casStatus(ctx context.Context, table string, id int64, field int, newValue uint8) error {
	for {
		var cur uint32
		if err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = ?`, table), id).Scan(&cur); err != nil {
			return fmt.Errorf("repository: cas status %s#%d: %w", table, id, err)
		}
		oldClass := statusword.Classify(statusword.Get(cur, field))
		if oldClass == statusword.ClassOK || oldClass == statusword.ClassFailed {
			if statusword.Classify(newValue) == statusword.ClassRetry {
				// never overwrite a terminal field with a non-terminal one
				return nil
			}
		}
		next := statusword.Set(cur, field, newValue)
		res, err := r.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ? AND status = ?`, table), next, id, cur)
		if err != nil {
			return fmt.Errorf("repository: cas status %s#%d: %w", table, id, err)
		}
		n, _ := res.RowsAffected()
		if n == 1 {
			return nil
		}
		// lost the race against a concurrent writer; retry with the fresh value
	}
}

// ResetStatus zeros, on a user action, either every field (field == nil)
// or the single field index *field of the row id in table ("video" or
// "page").
func (r *Repository) ResetStatus(ctx context.Context, table string, id int64, field *int) error {
	if table != "video" && table != "page" {
		return fmt.Errorf("repository: reset status: unknown table %q", table)
	}
	if field == nil {
		_, err := r.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = 0 WHERE id = ?`, table), id)
		return err
	}
	var cur uint32
	if err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = ?`, table), id).Scan(&cur); err != nil {
		return err
	}
	next := statusword.ResetField(cur, *field)
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ?`, table), next, id)
	return err
}

// MarkInvalid sets valid=false on a video (UpstreamNotFound / UpstreamRedirect).
func (r *Repository) MarkInvalid(ctx context.Context, videoID int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE video SET valid = 0 WHERE id = ?`, videoID)
	return err
}

// UpsertPages inserts or updates a video's enriched pages by index,
// preserving existing status words for pages whose index already exists
// (so enrichment re-runs don't reset progress). Stored pages whose index
// is absent from pages are left in place.
func (r *Repository) UpsertPages(ctx context.Context, videoID int64, pages []model.Page) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range pages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO page (video_id, cid, idx, title, duration_ns, thumbnail_url, video_url, audio_url, mux_required, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(video_id, idx) DO UPDATE SET
				cid = excluded.cid,
				title = excluded.title,
				duration_ns = excluded.duration_ns,
				thumbnail_url = excluded.thumbnail_url,
				video_url = excluded.video_url,
				audio_url = excluded.audio_url,
				mux_required = excluded.mux_required
		`, videoID, p.CID, p.Index, p.Title, int64(p.Duration), p.ThumbnailURL, p.Stream.VideoURL, p.Stream.AudioURL, p.Stream.MuxRequired, statusword.Initial())
		if err != nil {
			return fmt.Errorf("repository: upsert page %d/%d: %w", videoID, p.Index, err)
		}
	}
	return tx.Commit()
}

// PagesForVideo returns all pages owned by a video, ordered by index.
func (r *Repository) PagesForVideo(ctx context.Context, videoID int64) ([]model.Page, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, video_id, cid, idx, title, duration_ns, thumbnail_url, video_url, audio_url, mux_required, status
		FROM page WHERE video_id = ? ORDER BY idx ASC
	`, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Page
	for rows.Next() {
		var p model.Page
		var durNs int64
		var muxReq int
		if err := rows.Scan(&p.ID, &p.VideoID, &p.CID, &p.Index, &p.Title, &durNs, &p.ThumbnailURL, &p.Stream.VideoURL, &p.Stream.AudioURL, &muxReq, &p.Status); err != nil {
			return nil, err
		}
		p.Duration = time.Duration(durNs)
		p.Stream.MuxRequired = muxReq != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// VideosNeedingEnrichment returns valid videos with no pages yet
// recorded.
func (r *Repository) VideosNeedingEnrichment(ctx context.Context, subscriptionID int64) ([]model.Video, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT v.id, v.bvid, v.aid, v.title, v.publisher_id, v.publisher_name, v.publisher_avatar_url,
		       v.cover_url, v.published_at, v.valid, v.status, v.category
		FROM video v
		WHERE v.valid = 1
		  AND (v.favorite_id = ? OR v.collection_id = ? OR v.submission_id = ? OR v.watch_later_id = ?)
		  AND NOT EXISTS (SELECT 1 FROM page p WHERE p.video_id = v.id)
		ORDER BY v.published_at DESC, v.bvid ASC
	`, subscriptionID, subscriptionID, subscriptionID, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Video
	for rows.Next() {
		var v model.Video
		var publishedNs int64
		var category int
		if err := rows.Scan(&v.ID, &v.BVID, &v.AID, &v.Title, &v.Publisher.ID, &v.Publisher.Name,
			&v.Publisher.AvatarURL, &v.CoverURL, &publishedNs, &v.Valid, &v.Status, &category); err != nil {
			return nil, err
		}
		v.SubscriptionID = subscriptionID
		v.PublishedAt = time.Unix(0, publishedNs).UTC()
		v.Category = model.VideoCategory(category)
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateVideoCategory sets the single/multi-page category once known.
func (r *Repository) UpdateVideoCategory(ctx context.Context, videoID int64, category model.VideoCategory) error {
	_, err := r.db.ExecContext(ctx, `UPDATE video SET category = ? WHERE id = ?`, int(category), videoID)
	return err
}

// UpdateVideoCover records the poster/fanart source image once enrichment
// resolves it from the video-detail endpoint.
func (r *Repository) UpdateVideoCover(ctx context.Context, videoID int64, coverURL string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE video SET cover_url = ? WHERE id = ?`, coverURL, videoID)
	return err
}

// UpdateVideoPublisherAvatar records the publisher's avatar image once
// enrichment resolves it; the listing endpoints that insert a video never
// carry an avatar URL, only the per-video detail endpoint does.
func (r *Repository) UpdateVideoPublisherAvatar(ctx context.Context, videoID int64, avatarURL string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE video SET publisher_avatar_url = ? WHERE id = ?`, avatarURL, videoID)
	return err
}

// ConfigGet/ConfigSet back the versioned config store's persisted table.
func (r *Repository) ConfigGet(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Repository) ConfigSet(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// ConfigAll returns the entire config table as a map. config.NewStore
// does not call it; it loads its snapshot through ConfigGet.
func (r *Repository) ConfigAll(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
