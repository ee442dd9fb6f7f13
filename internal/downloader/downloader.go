// Package downloader implements a chunked downloader: probe a URL (with
// an ordered mirror list) for length and range support, partition into
// fixed-size chunks, fetch them with bounded concurrency, retry a failed
// chunk before rotating mirrors, and atomically publish the result from
// a `.part` file.
//
// Grounded on the teacher's internal/materializer/download.go (HEAD
// probe, Range-support detection, single-GET fallback) generalized from
// sequential whole-file ranging to bounded-concurrent chunk fan-out, and
// on other_examples' hfdownloader (resume-by-sidecar-metadata idiom) for
// the `.part.json` bookkeeping that lets an interrupted `.part` file be
// resumed instead of restarted.
package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/arrenxxxxx/bili-sync/internal/governor"
	"github.com/arrenxxxxx/bili-sync/internal/httpx"
	"github.com/arrenxxxxx/bili-sync/internal/safeurl"
	"github.com/arrenxxxxx/bili-sync/internal/syncerr"
)

// Request describes one file transfer.
type Request struct {
	PrimaryURL    string
	MirrorURLs    []string
	DestPath      string
	Headers       map[string]string // e.g. Referer, required by the upstream CDN
	ContentLength int64             // hint; 0 means unknown
	ChunkSize     int64
	MaxRetries    int
	PageID        int64 // governor chunk-tier key
}

// Downloader fetches files per Request, pacing chunk requests through a
// Governor's per-file-chunk tier and a shared HTTP client.
type Downloader struct {
	client  *http.Client
	gov     *governor.Governor
	limiter *rate.Limiter
	policy  httpx.RetryPolicy
}

// New constructs a Downloader. limiter paces chunk requests process-wide
// (in addition to the governor's slot count) to smooth bursts against the
// CDN; pass nil to rely on the governor tier alone.
func New(client *http.Client, gov *governor.Governor, limiter *rate.Limiter, policy httpx.RetryPolicy) *Downloader {
	return &Downloader{client: client, gov: gov, limiter: limiter, policy: policy}
}

// partMeta is the `.part.json` sidecar recording which chunks of a
// `.part` file have already landed, so a process restart mid-download can
// resume instead of re-fetching everything. Keyed on Total+ChunkSize
// rather than the URL that produced it: rotating to the next mirror
// serves the same bytes from a different URL, and the sidecar must still
// validate so already-Done chunks aren't re-fetched there.
type partMeta struct {
	Total     int64   `json:"total"`
	ChunkSize int64   `json:"chunk_size"`
	Done      []int64 `json:"done"` // chunk start offsets already written
}

// Fetch downloads req to req.DestPath, returning the final byte count.
func (d *Downloader) Fetch(ctx context.Context, req Request) (int64, error) {
	if !safeurl.IsHTTPOrHTTPS(req.PrimaryURL) {
		return 0, &syncerr.FilesystemFailed{Cause: fmt.Errorf("downloader: non-http(s) scheme rejected: %s", req.PrimaryURL)}
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = 4 << 20
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = 5
	}
	if err := os.MkdirAll(filepath.Dir(req.DestPath), 0o755); err != nil {
		return 0, &syncerr.FilesystemFailed{Cause: err}
	}

	mirrors := append([]string{req.PrimaryURL}, req.MirrorURLs...)

	var lastErr error
	for _, url := range mirrors {
		n, err := d.fetchFromMirror(ctx, req, url)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if isTerminal(err) {
			return 0, err
		}
	}
	return 0, lastErr
}

// isTerminal reports whether err should abort the whole fetch instead of
// rotating to the next mirror: local filesystem problems, a risk-control
// trip, and explicit cancellation apply to every mirror equally.
func isTerminal(err error) bool {
	var fsErr *syncerr.FilesystemFailed
	var rc *syncerr.RiskControl
	var cancelled *syncerr.Cancelled
	return errors.As(err, &fsErr) || errors.As(err, &rc) || errors.As(err, &cancelled)
}

func (d *Downloader) fetchFromMirror(ctx context.Context, req Request, url string) (int64, error) {
	total, supportsRanges, err := d.probe(ctx, url, req.Headers)
	if err != nil {
		return 0, err
	}
	if req.ContentLength > 0 && total > 0 && req.ContentLength != total {
		return 0, &syncerr.IntegrityMismatch{Want: req.ContentLength, Got: total}
	}

	partPath := req.DestPath + ".part"
	metaPath := partPath + ".json"

	if !supportsRanges || total <= 0 {
		n, err := d.fetchWhole(ctx, url, req.Headers, partPath)
		if err != nil {
			return 0, err
		}
		if err := publish(partPath, req.DestPath); err != nil {
			return 0, err
		}
		os.Remove(metaPath)
		return n, nil
	}

	meta := loadOrInitMeta(metaPath, total, req.ChunkSize)
	if err := preallocate(partPath, total); err != nil {
		return 0, &syncerr.FilesystemFailed{Cause: err}
	}

	offsets := chunkOffsets(total, req.ChunkSize)
	pending := make([]int64, 0, len(offsets))
	done := toSet(meta.Done)
	for _, off := range offsets {
		if _, ok := done[off]; !ok {
			pending = append(pending, off)
		}
	}

	if err := d.runChunks(ctx, req, url, partPath, total, pending, meta, metaPath); err != nil {
		return 0, err
	}

	if err := publish(partPath, req.DestPath); err != nil {
		return 0, err
	}
	os.Remove(metaPath)
	return total, nil
}

func (d *Downloader) runChunks(ctx context.Context, req Request, url, partPath string, total int64, pending []int64, meta *partMeta, metaPath string) error {
	errCh := make(chan error, len(pending))
	var metaMu chanMutex
	metaMu.init()

	for _, off := range pending {
		off := off
		end := off + req.ChunkSize - 1
		if end >= total {
			end = total - 1
		}
		go func() {
			err := d.fetchChunk(ctx, req, url, partPath, off, end)
			if err == nil {
				metaMu.lock()
				meta.Done = append(meta.Done, off)
				saveMeta(metaPath, meta)
				metaMu.unlock()
			}
			errCh <- err
		}()
	}

	var firstErr error
	for range pending {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// chanMutex is a minimal channel-based mutex, matching the teacher's
// house style of small hand-rolled concurrency primitives rather than
// reaching for sync.Mutex for a one-off.
type chanMutex struct{ ch chan struct{} }

func (m *chanMutex) init()   { m.ch = make(chan struct{}, 1) }
func (m *chanMutex) lock()   { m.ch <- struct{}{} }
func (m *chanMutex) unlock() { <-m.ch }

func (d *Downloader) fetchChunk(ctx context.Context, req Request, url, partPath string, start, end int64) error {
	releaseGlobal, err := d.gov.AcquireGlobal(ctx)
	if err != nil {
		return &syncerr.Cancelled{Reason: "global slot wait cancelled"}
	}
	defer releaseGlobal()

	release, err := d.gov.AcquireChunkSlot(ctx, req.PageID)
	if err != nil {
		return &syncerr.Cancelled{Reason: "chunk slot wait cancelled"}
	}
	defer release()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &syncerr.NetworkPermanent{Cause: err}
	}
	applyHeaders(httpReq, req.Headers)
	httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := httpx.Do(ctx, d.client, httpReq, d.limiter, withMaxRetries(d.policy, req.MaxRetries))
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	defer resp.Body.Close()

	f, err := os.OpenFile(partPath, os.O_WRONLY, 0o644)
	if err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	return nil
}

func (d *Downloader) fetchWhole(ctx context.Context, url string, headers map[string]string, partPath string) (int64, error) {
	release, err := d.gov.AcquireGlobal(ctx)
	if err != nil {
		return 0, &syncerr.Cancelled{Reason: "global slot wait cancelled"}
	}
	defer release()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &syncerr.NetworkPermanent{Cause: err}
	}
	applyHeaders(httpReq, headers)

	resp, err := httpx.Do(ctx, d.client, httpReq, d.limiter, d.policy)
	if err != nil {
		return 0, err
	}
	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	f, err := os.Create(partPath)
	if err != nil {
		return 0, &syncerr.FilesystemFailed{Cause: err}
	}
	defer f.Close()
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return n, &syncerr.FilesystemFailed{Cause: err}
	}
	return n, nil
}

// probe resolves content length and Range support via a ranged GET of
// bytes=0-0 rather than a HEAD request, since some CDNs in this domain
// reject HEAD outright.
func (d *Downloader) probe(ctx context.Context, url string, headers map[string]string) (total int64, supportsRanges bool, err error) {
	release, aerr := d.gov.AcquireGlobal(ctx)
	if aerr != nil {
		return 0, false, &syncerr.Cancelled{Reason: "global slot wait cancelled"}
	}
	defer release()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, &syncerr.NetworkPermanent{Cause: err}
	}
	applyHeaders(httpReq, headers)
	httpReq.Header.Set("Range", "bytes=0-0")

	resp, err := httpx.Do(ctx, d.client, httpReq, d.limiter, d.policy)
	if err != nil {
		var rangeErr *syncerr.RangeUnsupported
		if errors.As(err, &rangeErr) {
			// Ranges unsupported falls back to a single
			// streaming GET; the caller resolves the real length there.
			return 0, false, nil
		}
		return 0, false, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, false, &syncerr.NetworkPermanent{Cause: fmt.Errorf("unexpected probe status %d", resp.StatusCode)}
	}

	supportsRanges = resp.StatusCode == http.StatusPartialContent
	total = parseContentRangeTotal(resp.Header.Get("Content-Range"))
	if total <= 0 {
		total = resp.ContentLength
	}
	return total, supportsRanges, nil
}

// checkStatus rejects any status Do() didn't already turn into an error
// itself. Do returns exhausted 5xx/429 responses as-is rather than an
// error (so a caller that wants the raw response still can), so the
// downloader enforces its own success set here.
func checkStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent, http.StatusNotModified:
		return nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return &syncerr.NetworkPermanent{Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func withMaxRetries(p httpx.RetryPolicy, max int) httpx.RetryPolicy {
	p.MaxRetries = max
	return p
}

func chunkOffsets(total, chunkSize int64) []int64 {
	var offsets []int64
	for off := int64(0); off < total; off += chunkSize {
		offsets = append(offsets, off)
	}
	return offsets
}

func toSet(offsets []int64) map[int64]struct{} {
	m := make(map[int64]struct{}, len(offsets))
	for _, o := range offsets {
		m[o] = struct{}{}
	}
	return m
}

func preallocate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

func publish(partPath, destPath string) error {
	f, err := os.Open(partPath)
	if err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &syncerr.FilesystemFailed{Cause: err}
	}
	f.Close()
	if err := os.Rename(partPath, destPath); err != nil {
		return &syncerr.FilesystemFailed{Cause: err}
	}
	return nil
}

func loadOrInitMeta(path string, total, chunkSize int64) *partMeta {
	if b, err := os.ReadFile(path); err == nil {
		var m partMeta
		if json.Unmarshal(b, &m) == nil && m.Total == total && m.ChunkSize == chunkSize {
			return &m
		}
	}
	return &partMeta{Total: total, ChunkSize: chunkSize}
}

func saveMeta(path string, m *partMeta) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, b, 0o644)
}

func parseContentRangeTotal(header string) int64 {
	if header == "" {
		return 0
	}
	var start, end, total int64
	if _, err := fmt.Sscanf(header, "bytes %d-%d/%d", &start, &end, &total); err != nil {
		return 0
	}
	return total
}
