// Package network implements the formula API client, the tap-formula
// fetcher, and the parallel bottle download engine: chunked and racing
// HTTP transfers, registry bearer-token authentication, per-digest
// deduplication, and global concurrency capping.
package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/maxmcd/zb/internal/log"
	"github.com/maxmcd/zb/storage"
	"github.com/maxmcd/zb/zberr"
)

const (
	// globalConcurrency caps total in-flight HTTP requests across every
	// download the process is performing.
	globalConcurrency = 20
	// perFileConcurrency caps concurrent chunks within a single chunked
	// download.
	perFileConcurrency = 6
	// chunkedThreshold is the minimum Content-Length, in bytes, above
	// which a chunked download is attempted instead of a racing one.
	chunkedThreshold = 10 << 20
	minChunkSize     = 5 << 20
	maxChunkSize     = 20 << 20
	targetChunks     = 6
	maxChunkRetries  = 3
	raceConnections  = 3
	raceStagger      = 200 * time.Millisecond
)

// DownloadRequest describes one blob to fetch.
type DownloadRequest struct {
	Name   string // formula name, carried through for logging/result identification
	URL    string
	SHA256 string
}

// DownloadResult is emitted on the streaming channel as each download
// completes, in arrival order (not necessarily input order).
type DownloadResult struct {
	Name      string
	SHA256    string
	BlobPath  string
	Index     int
	Err       error
}

// Downloader performs a single (url, sha256) download against the blob
// cache, handling HEAD probing, chunk-vs-race dispatch, and registry
// auth. ParallelDownloader wraps it with the dedup/fan-out/streaming
// behavior the orchestrator needs for many blobs at once.
type Downloader struct {
	httpClient *http.Client
	blobs      *storage.BlobCache
	sem        *semaphore.Weighted
	tokens     *tokenCache
	logger     log.Logger
	mirrors    []string
}

// DownloaderOption configures optional Downloader behavior.
type DownloaderOption func(*Downloader)

// WithMirrors adds fallback URLs that downloadRacing also races against
// alongside a request's primary URL, for formulas configured with
// ZB_BOTTLE_MIRRORS.
func WithMirrors(mirrors []string) DownloaderOption {
	return func(d *Downloader) { d.mirrors = mirrors }
}

// NewDownloader builds a Downloader backed by blobs, using client for all
// HTTP requests (expected to be hardened via internal/httputil).
func NewDownloader(client *http.Client, blobs *storage.BlobCache, logger log.Logger, opts ...DownloaderOption) *Downloader {
	if logger == nil {
		logger = log.Noop()
	}
	d := &Downloader{
		httpClient: client,
		blobs:      blobs,
		sem:        semaphore.NewWeighted(globalConcurrency),
		tokens:     newTokenCache(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Download fetches req into the blob cache, returning its final path. If
// the blob is already cached, it returns immediately without touching the
// network.
func (d *Downloader) Download(ctx context.Context, req DownloadRequest) (string, error) {
	if d.blobs.HasBlob(req.SHA256) {
		return d.blobs.BlobPath(req.SHA256), nil
	}

	size, acceptsRanges, err := d.probe(ctx, req.URL)
	if err != nil {
		return "", err
	}

	if size >= chunkedThreshold && acceptsRanges {
		if err := d.downloadChunked(ctx, req, size); err == nil {
			return d.blobs.BlobPath(req.SHA256), nil
		} else {
			d.logger.Warn("chunked download failed, falling back to racing", "name", req.Name, "err", err)
		}
	}
	if err := d.downloadRacing(ctx, req); err != nil {
		return "", err
	}
	return d.blobs.BlobPath(req.SHA256), nil
}

func (d *Downloader) probe(ctx context.Context, url string) (size int64, acceptsRanges bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false, fmt.Errorf("building HEAD request: %w", err)
	}
	_ = d.authorizeRequest(ctx, req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, false, zberr.Network(fmt.Errorf("HEAD %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if rerr := d.refreshToken(ctx, req, resp.Header.Get("WWW-Authenticate")); rerr != nil {
			return 0, false, rerr
		}
		resp2, err := d.httpClient.Do(req)
		if err != nil {
			return 0, false, zberr.Network(fmt.Errorf("HEAD %s after token refresh: %w", url, err))
		}
		defer resp2.Body.Close()
		resp = resp2
	}
	return resp.ContentLength, resp.Header.Get("Accept-Ranges") == "bytes", nil
}

// downloadRacing starts up to raceConnections overlapping GET requests,
// staggered by raceStagger, plus any configured mirrors. A one-permit
// semaphore ensures only the first racer to produce a correct-sha blob
// actually commits it; the rest are cancelled once a winner is known.
func (d *Downloader) downloadRacing(ctx context.Context, req DownloadRequest) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeSem := semaphore.NewWeighted(1)
	urls := make([]string, 0, raceConnections+len(d.mirrors))
	for len(urls) < raceConnections {
		urls = append(urls, req.URL)
	}
	urls = append(urls, d.mirrors...)

	eg, ctx := errgroup.WithContext(ctx)
	var once sync.Once
	var winErrMu sync.Mutex
	var winErr error

	for i, url := range urls {
		i, url := i, url
		eg.Go(func() error {
			select {
			case <-time.After(time.Duration(i) * raceStagger):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := d.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer d.sem.Release(1)

			err := d.attemptSingleStream(ctx, url, req.SHA256, writeSem)
			if err != nil {
				// A losing racer's failure doesn't fail the group, but its
				// error is kept in case every racer loses.
				winErrMu.Lock()
				if winErr == nil {
					winErr = err
				}
				winErrMu.Unlock()
				return nil
			}
			once.Do(func() { cancel() })
			return nil
		})
	}
	_ = eg.Wait()

	if d.blobs.HasBlob(req.SHA256) {
		return nil
	}
	if winErr != nil {
		return winErr
	}
	return zberr.Network(fmt.Errorf("all racing downloads failed for %s", req.URL))
}

func (d *Downloader) attemptSingleStream(ctx context.Context, url, sha256Hex string, writeSem *semaphore.Weighted) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	_ = d.authorizeRequest(ctx, req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		if rerr := d.refreshToken(ctx, req, resp.Header.Get("WWW-Authenticate")); rerr != nil {
			return rerr
		}
		resp2, err := d.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp2.Body.Close()
		resp = resp2
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	if err := writeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer writeSem.Release(1)

	if d.blobs.HasBlob(sha256Hex) {
		return nil
	}
	w, err := d.blobs.StartWrite(sha256Hex)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

// downloadChunked partitions the download into chunk ranges, fetches them
// concurrently (bounded by the global semaphore), and reassembles them in
// order into the blob cache via a single writer.
func (d *Downloader) downloadChunked(ctx context.Context, req DownloadRequest, size int64) error {
	chunkSize := size / targetChunks
	if chunkSize < minChunkSize {
		chunkSize = minChunkSize
	}
	if chunkSize > maxChunkSize {
		chunkSize = maxChunkSize
	}

	type chunkRange struct {
		index      int
		start, end int64
	}
	var ranges []chunkRange
	for start, i := int64(0), 0; start < size; start, i = start+chunkSize, i+1 {
		end := start + chunkSize - 1
		if end >= size {
			end = size - 1
		}
		ranges = append(ranges, chunkRange{index: i, start: start, end: end})
	}

	// One-byte probe to confirm the server actually honors ranges for
	// this URL; if not, the caller falls back to a racing download.
	if !d.rangeProbeOK(ctx, req.URL) {
		return fmt.Errorf("range probe failed for %s", req.URL)
	}

	results := make([][]byte, len(ranges))
	fileSem := semaphore.NewWeighted(perFileConcurrency)
	eg, ctx := errgroup.WithContext(ctx)

	for _, r := range ranges {
		r := r
		eg.Go(func() error {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer d.sem.Release(1)
			if err := fileSem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer fileSem.Release(1)

			var lastErr error
			for attempt := 0; attempt < maxChunkRetries; attempt++ {
				data, err := d.fetchChunk(ctx, req.URL, r.start, r.end)
				if err == nil {
					results[r.index] = data
					return nil
				}
				lastErr = err
				select {
				case <-time.After(100 * time.Millisecond * (1 << attempt)):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return fmt.Errorf("chunk %d failed after %d attempts: %w", r.index, maxChunkRetries, lastErr)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	w, err := d.blobs.StartWrite(req.SHA256)
	if err != nil {
		return err
	}
	for _, chunk := range results {
		if _, err := w.Write(chunk); err != nil {
			w.Abort()
			return err
		}
	}
	return w.Commit()
}

func (d *Downloader) rangeProbeOK(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Range", "bytes=0-0")
	_ = d.authorizeRequest(ctx, req)
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return false
	}
	return strings.Contains(resp.Header.Get("Content-Range"), "0-0")
}

func (d *Downloader) fetchChunk(ctx context.Context, url string, start, end int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	_ = d.authorizeRequest(ctx, req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		if rerr := d.refreshToken(ctx, req, resp.Header.Get("WWW-Authenticate")); rerr != nil {
			return nil, rerr
		}
		resp2, err := d.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp2.Body.Close()
		resp = resp2
	}
	if resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("expected 206, got %d", resp.StatusCode)
	}
	want := fmt.Sprintf("%d-%d", start, end)
	if got := resp.Header.Get("Content-Range"); !strings.Contains(got, want) {
		return nil, fmt.Errorf("invalid content-range: expected bytes %s, got %q", want, got)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParallelDownloader fans out many blob downloads at once, deduplicating
// concurrent requests for the same sha256 and streaming completed results
// back on a channel in arrival order so the caller can overlap extraction
// with later downloads still in flight.
type ParallelDownloader struct {
	d *Downloader

	mu       sync.Mutex
	inFlight map[string]*inFlightDownload
}

// inFlightDownload is a broadcast point for a single sha256's download:
// the first caller performs the fetch and closes done once path/err are
// set; every other caller for the same sha256 blocks on done and reads
// the same result.
type inFlightDownload struct {
	done chan struct{}
	path string
	err  error
}

// NewParallelDownloader wraps d for fan-out use.
func NewParallelDownloader(d *Downloader) *ParallelDownloader {
	return &ParallelDownloader{d: d, inFlight: map[string]*inFlightDownload{}}
}

// Download performs a single, non-deduplicated fetch of req, bypassing the
// in-flight table. Used by callers retrying a single item outside the
// normal fan-out (e.g. after purging a corrupt blob and re-fetching it).
func (p *ParallelDownloader) Download(ctx context.Context, req DownloadRequest) (string, error) {
	return p.d.Download(ctx, req)
}

// DownloadStreaming launches one goroutine per request and returns a
// channel that yields a DownloadResult per completed request, in
// whatever order they finish. The channel is closed once every request
// has reported.
func (p *ParallelDownloader) DownloadStreaming(ctx context.Context, reqs []DownloadRequest) <-chan DownloadResult {
	out := make(chan DownloadResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		i, req := i, req
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, err := p.downloadDeduped(ctx, req)
			out <- DownloadResult{Name: req.Name, SHA256: req.SHA256, BlobPath: path, Index: i, Err: err}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// downloadDeduped ensures that concurrent requests for the same sha256
// across different formulas (a shared transitive dependency, say) result
// in exactly one network download; late arrivals subscribe to the
// in-flight result via a closed-over channel.
func (p *ParallelDownloader) downloadDeduped(ctx context.Context, req DownloadRequest) (string, error) {
	p.mu.Lock()
	if in, ok := p.inFlight[req.SHA256]; ok {
		p.mu.Unlock()
		<-in.done
		return in.path, in.err
	}
	in := &inFlightDownload{done: make(chan struct{})}
	p.inFlight[req.SHA256] = in
	p.mu.Unlock()

	in.path, in.err = p.d.Download(ctx, req)

	p.mu.Lock()
	delete(p.inFlight, req.SHA256)
	p.mu.Unlock()

	close(in.done)
	return in.path, in.err
}

// sortResultsByIndex restores input order from a drained streaming
// channel, for callers (like tests) that want deterministic assertions
// despite the nondeterministic arrival order.
func sortResultsByIndex(results []DownloadResult) []DownloadResult {
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results
}
