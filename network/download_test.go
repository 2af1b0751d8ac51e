package network_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxmcd/zb/internal/log"
	"github.com/maxmcd/zb/network"
	"github.com/maxmcd/zb/storage"
)

func TestDownloadSmallFileSkipsIfCached(t *testing.T) {
	body := []byte("bottle bytes")
	sum := sha256.Sum256(body)
	hexSum := hex.EncodeToString(sum[:])

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Length", "12")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	blobs, err := storage.NewBlobCache(dir)
	require.NoError(t, err)
	d := network.NewDownloader(srv.Client(), blobs, log.Noop())

	path, err := d.Download(context.Background(), network.DownloadRequest{Name: "x", URL: srv.URL, SHA256: hexSum})
	require.NoError(t, err)
	assert.True(t, blobs.HasBlob(hexSum), "expected blob to be cached after download")
	callsAfterFirst := calls

	// A second download of the same sha should hit the fast path and
	// never touch the network again.
	path2, err := d.Download(context.Background(), network.DownloadRequest{Name: "x", URL: srv.URL, SHA256: hexSum})
	require.NoError(t, err)
	assert.Equal(t, path, path2, "expected same path")
	assert.Equal(t, callsAfterFirst, calls, "expected no requests for a cached blob")
}

func TestParallelDownloaderStreamsResults(t *testing.T) {
	bodies := map[string][]byte{
		"/a": []byte("aaaa"),
		"/b": []byte("bbbb"),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := bodies[r.URL.Path]
		w.Header().Set("Content-Length", "4")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	blobs, err := storage.NewBlobCache(dir)
	require.NoError(t, err)
	d := network.NewDownloader(srv.Client(), blobs, log.Noop())
	pd := network.NewParallelDownloader(d)

	sumA := sha256.Sum256(bodies["/a"])
	sumB := sha256.Sum256(bodies["/b"])
	reqs := []network.DownloadRequest{
		{Name: "a", URL: srv.URL + "/a", SHA256: hex.EncodeToString(sumA[:])},
		{Name: "b", URL: srv.URL + "/b", SHA256: hex.EncodeToString(sumB[:])},
	}

	results := map[string]network.DownloadResult{}
	for res := range pd.DownloadStreaming(context.Background(), reqs) {
		require.NoError(t, res.Err, "download %s", res.Name)
		results[res.Name] = res
	}
	assert.Len(t, results, 2)
}

// rangeServer serves body over HTTP, honoring Range requests with a real
// 206/Content-Range response and advertising Accept-Ranges on HEAD, so a
// Downloader picks the chunked path for it once body crosses
// chunkedThreshold.
func rangeServer(body []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			return
		}
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			_, _ = w.Write(body)
			return
		}
		var start, end int64
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		if end >= int64(len(body)) {
			end = int64(len(body)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[start : end+1])
	}))
}

func TestDownloadChunkedPathForLargeRangeSupportingFiles(t *testing.T) {
	const size = 11 << 20 // above chunkedThreshold (10MiB)
	body := make([]byte, size)
	for i := range body {
		body[i] = byte(i)
	}
	sum := sha256.Sum256(body)
	hexSum := hex.EncodeToString(sum[:])

	srv := rangeServer(body)
	defer srv.Close()

	dir := t.TempDir()
	blobs, err := storage.NewBlobCache(dir)
	require.NoError(t, err)
	d := network.NewDownloader(srv.Client(), blobs, log.Noop())

	path, err := d.Download(context.Background(), network.DownloadRequest{Name: "big", URL: srv.URL, SHA256: hexSum})
	require.NoError(t, err)
	assert.True(t, blobs.HasBlob(hexSum))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got, "reassembled chunks should match the original content exactly")
}

func TestDownloadFallsBackToRacingWhenRangeUnsupported(t *testing.T) {
	const size = 11 << 20 // above chunkedThreshold, but Range is ignored below
	body := make([]byte, size)
	for i := range body {
		body[i] = byte(i)
	}
	sum := sha256.Sum256(body)
	hexSum := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// Advertises range support but never actually honors it below,
			// forcing the chunked attempt's range probe to fail.
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	blobs, err := storage.NewBlobCache(dir)
	require.NoError(t, err)
	d := network.NewDownloader(srv.Client(), blobs, log.Noop())

	path, err := d.Download(context.Background(), network.DownloadRequest{Name: "big", URL: srv.URL, SHA256: hexSum})
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}
