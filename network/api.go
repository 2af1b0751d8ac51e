package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/maxmcd/zb/formula"
	"github.com/maxmcd/zb/storage"
	"github.com/maxmcd/zb/zberr"
)

// DefaultAPIRoot is the formulae.brew.sh API root used when none is
// configured.
const DefaultAPIRoot = "https://formulae.brew.sh/api/"

// Client fetches formula metadata, either from the core formulae API or,
// for tap references, by probing raw source files and parsing them.
type Client struct {
	httpClient *http.Client
	apiRoot    string
	cache      *storage.Database
}

// NewClient builds a Client. cache may be nil, in which case API
// responses are not conditionally cached across runs.
func NewClient(httpClient *http.Client, apiRoot string, cache *storage.Database) *Client {
	if apiRoot == "" {
		apiRoot = DefaultAPIRoot
	}
	return &Client{httpClient: httpClient, apiRoot: apiRoot, cache: cache}
}

// FetchFormula retrieves a core-tap formula by bare name, using the
// sqlite-backed conditional-GET cache when available.
func (c *Client) FetchFormula(ctx context.Context, name string) (formula.Formula, error) {
	url := c.apiRoot + "formula/" + name + ".json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return formula.Formula{}, fmt.Errorf("building request for %s: %w", url, err)
	}

	var cached storage.CacheEntry
	var hadCache bool
	if c.cache != nil {
		cached, hadCache, err = c.cache.GetCacheEntry(ctx, url)
		if err != nil {
			return formula.Formula{}, err
		}
		if hadCache {
			if cached.ETag != "" {
				req.Header.Set("If-None-Match", cached.ETag)
			}
			if cached.LastModified != "" {
				req.Header.Set("If-Modified-Since", cached.LastModified)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return formula.Formula{}, zberr.Network(fmt.Errorf("fetching %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && hadCache {
		var f formula.Formula
		if err := json.Unmarshal([]byte(cached.Body), &f); err != nil {
			return formula.Formula{}, fmt.Errorf("parsing cached formula %s: %w", name, err)
		}
		return f, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return formula.Formula{}, zberr.FormulaNotFound(name)
	}
	if resp.StatusCode != http.StatusOK {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, resp.Body)
		return formula.Formula{}, zberr.Network(fmt.Errorf("unexpected status %d fetching %s: %s", resp.StatusCode, url, buf.String()))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return formula.Formula{}, fmt.Errorf("reading response body for %s: %w", url, err)
	}
	var f formula.Formula
	if err := json.Unmarshal(body, &f); err != nil {
		return formula.Formula{}, fmt.Errorf("parsing formula %s: %w", name, err)
	}

	if c.cache != nil {
		entry := storage.CacheEntry{ETag: resp.Header.Get("ETag"), LastModified: resp.Header.Get("Last-Modified"), Body: string(body)}
		if err := c.cache.PutCacheEntry(ctx, url, entry); err != nil {
			return formula.Formula{}, err
		}
	}
	return f, nil
}

// tapSourceShape builds one of the raw-source URL shapes probed for a tap
// formula, given (owner, repo, branch, name).
type tapSourceShape func(owner, repo, branch, name string) string

var tapSourceShapes = []tapSourceShape{
	func(owner, repo, branch, name string) string {
		return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/Formula/%s.rb", owner, repo, branch, name)
	},
	func(owner, repo, branch, name string) string {
		return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/Formula/%s/%s.rb", owner, repo, branch, name, name)
	},
	func(owner, repo, branch, name string) string {
		return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s.rb", owner, repo, branch, name)
	},
}

var tapBranches = []string{"HEAD", "main", "master"}

// FetchTapFormula resolves a three-segment tap reference
// ("owner/repo/formula") by probing the known raw-source URL shapes
// across a small set of branches and parsing whichever one resolves.
func (c *Client) FetchTapFormula(ctx context.Context, ref string) (formula.Formula, error) {
	parts := strings.Split(ref, "/")
	if len(parts) != 3 {
		return formula.Formula{}, zberr.UnsupportedTap(ref)
	}
	owner, repo, name := parts[0], parts[1], parts[2]

	for _, branch := range tapBranches {
		for _, shape := range tapSourceShapes {
			url := shape(owner, repo, branch, name)
			src, ok, err := c.tryFetchText(ctx, url)
			if err != nil {
				return formula.Formula{}, err
			}
			if ok {
				return formula.ParseTapSource(ref, src)
			}
		}
	}
	return formula.Formula{}, zberr.UnsupportedTap(ref)
}

func (c *Client) tryFetchText(ctx context.Context, url string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, fmt.Errorf("building request for %s: %w", url, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, zberr.Network(fmt.Errorf("fetching %s: %w", url, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("reading response body for %s: %w", url, err)
	}
	return string(body), true, nil
}
