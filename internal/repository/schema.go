package repository

// Schema: one sqlite file, tables favorite/collection/submission/
// watch_later/video/page/config. video carries four nullable foreign keys,
// exactly one non-null per row (V1); enforced by the CHECK constraint on
// video, with UpsertVideos filling exactly one of the four columns,
// mirroring the teacher's PRAGMA-driven
// table discovery style (internal/plex/lineup.go) but with a schema we own
// outright rather than one we have to reverse-engineer.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS favorite (
	id INTEGER PRIMARY KEY,
	folder_id INTEGER NOT NULL UNIQUE,
	title TEXT NOT NULL,
	root_path TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	latest_row_at INTEGER NOT NULL DEFAULT 0,
	filter_min_duration_ns INTEGER NOT NULL DEFAULT 0,
	filter_title_regex TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS collection (
	id INTEGER PRIMARY KEY,
	up_id INTEGER NOT NULL,
	collection_id INTEGER NOT NULL,
	kind TEXT NOT NULL, -- 'series' | 'season'
	title TEXT NOT NULL,
	root_path TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	latest_row_at INTEGER NOT NULL DEFAULT 0,
	filter_min_duration_ns INTEGER NOT NULL DEFAULT 0,
	filter_title_regex TEXT NOT NULL DEFAULT '',
	UNIQUE(up_id, collection_id, kind)
);

CREATE TABLE IF NOT EXISTS submission (
	id INTEGER PRIMARY KEY,
	up_id INTEGER NOT NULL UNIQUE,
	flavor TEXT NOT NULL, -- 'default' | 'increment'
	title TEXT NOT NULL,
	root_path TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	latest_row_at INTEGER NOT NULL DEFAULT 0,
	filter_min_duration_ns INTEGER NOT NULL DEFAULT 0,
	filter_title_regex TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS watch_later (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	title TEXT NOT NULL,
	root_path TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	latest_row_at INTEGER NOT NULL DEFAULT 0,
	filter_min_duration_ns INTEGER NOT NULL DEFAULT 0,
	filter_title_regex TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS video (
	id INTEGER PRIMARY KEY,
	favorite_id INTEGER REFERENCES favorite(id),
	collection_id INTEGER REFERENCES collection(id),
	submission_id INTEGER REFERENCES submission(id),
	watch_later_id INTEGER REFERENCES watch_later(id),
	bvid TEXT NOT NULL,
	aid INTEGER NOT NULL,
	title TEXT NOT NULL,
	publisher_id INTEGER NOT NULL,
	publisher_name TEXT NOT NULL,
	publisher_avatar_url TEXT NOT NULL DEFAULT '',
	cover_url TEXT NOT NULL DEFAULT '',
	published_at INTEGER NOT NULL,
	valid INTEGER NOT NULL DEFAULT 1,
	status INTEGER NOT NULL DEFAULT 0,
	category INTEGER NOT NULL DEFAULT 0,
	CHECK (
		(favorite_id IS NOT NULL) +
		(collection_id IS NOT NULL) +
		(submission_id IS NOT NULL) +
		(watch_later_id IS NOT NULL) = 1
	)
);
CREATE UNIQUE INDEX IF NOT EXISTS video_favorite_bvid ON video(favorite_id, bvid) WHERE favorite_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS video_collection_bvid ON video(collection_id, bvid) WHERE collection_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS video_submission_bvid ON video(submission_id, bvid) WHERE submission_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS video_watch_later_bvid ON video(watch_later_id, bvid) WHERE watch_later_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS video_published_at ON video(published_at DESC, bvid ASC);

CREATE TABLE IF NOT EXISTS page (
	id INTEGER PRIMARY KEY,
	video_id INTEGER NOT NULL REFERENCES video(id),
	cid INTEGER NOT NULL DEFAULT 0,
	idx INTEGER NOT NULL,
	title TEXT NOT NULL,
	duration_ns INTEGER NOT NULL DEFAULT 0,
	thumbnail_url TEXT NOT NULL DEFAULT '',
	video_url TEXT NOT NULL DEFAULT '',
	audio_url TEXT NOT NULL DEFAULT '',
	mux_required INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0,
	UNIQUE(video_id, idx)
);

CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
