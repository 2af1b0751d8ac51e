package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/maxmcd/zb/zberr"
)

// tokenTTL is how long a fetched bearer token is reused before a fresh
// challenge/response round trip is required.
const tokenTTL = 240 * time.Second

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// tokenCache caches registry bearer tokens by auth scope so that later
// downloads of blobs under the same repository reuse a fetched token
// instead of repeating the challenge/response round trip.
type tokenCache struct {
	mu     sync.Mutex
	tokens map[string]cachedToken
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: map[string]cachedToken{}}
}

func (c *tokenCache) get(scope string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[scope]
	if !ok || time.Now().After(t.expiresAt) {
		return "", false
	}
	return t.token, true
}

func (c *tokenCache) put(scope, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[scope] = cachedToken{token: token, expiresAt: time.Now().Add(tokenTTL)}
}

// wwwAuthenticate is the parsed form of a 401's WWW-Authenticate header:
// Bearer realm="https://ghcr.io/token",service="ghcr.io",scope="repository:owner/repo:pull"
type wwwAuthenticate struct {
	Realm   string
	Service string
	Scope   string
}

var challengeParamRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

func parseWWWAuthenticate(header string) (wwwAuthenticate, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return wwwAuthenticate{}, fmt.Errorf("unsupported WWW-Authenticate scheme: %s", header)
	}
	var wa wwwAuthenticate
	for _, m := range challengeParamRe.FindAllStringSubmatch(header, -1) {
		switch m[1] {
		case "realm":
			wa.Realm = m[2]
		case "service":
			wa.Service = m[2]
		case "scope":
			wa.Scope = m[2]
		}
	}
	if wa.Realm == "" {
		return wwwAuthenticate{}, fmt.Errorf("WWW-Authenticate missing realm: %s", header)
	}
	return wa, nil
}

// extractScopeForURL derives the pull scope for a GHCR (or compatible OCI
// registry) blob URL of the form
// "https://ghcr.io/v2/<owner>/<repo>/<formula>/blobs/sha256:...", yielding
// "repository:<owner>/<repo>/<formula>:pull". Tapped packages follow the
// same shape with an extra path segment.
func extractScopeForURL(rawURL string) (string, error) {
	idx := strings.Index(rawURL, "/v2/")
	if idx < 0 {
		return "", fmt.Errorf("not a v2 registry URL: %s", rawURL)
	}
	rest := rawURL[idx+len("/v2/"):]
	blobsIdx := strings.Index(rest, "/blobs/")
	if blobsIdx < 0 {
		return "", fmt.Errorf("not a blob URL: %s", rawURL)
	}
	repo := rest[:blobsIdx]
	return fmt.Sprintf("repository:%s:pull", repo), nil
}

// fetchBearerToken performs the anonymous token exchange described by wa
// and returns the bearer token string.
func fetchBearerToken(ctx context.Context, client *http.Client, wa wwwAuthenticate) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wa.Realm, nil)
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	q := req.URL.Query()
	if wa.Service != "" {
		q.Set("service", wa.Service)
	}
	if wa.Scope != "" {
		q.Set("scope", wa.Scope)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := client.Do(req)
	if err != nil {
		return "", zberr.Network(fmt.Errorf("requesting registry token: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", zberr.RegistryAuth(wa.Scope, fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", zberr.RegistryAuth(wa.Scope, fmt.Errorf("decoding token response: %w", err))
	}
	if body.Token != "" {
		return body.Token, nil
	}
	if body.AccessToken != "" {
		return body.AccessToken, nil
	}
	return "", zberr.RegistryAuth(wa.Scope, fmt.Errorf("token response had no token field"))
}

// authorizeRequest attaches a cached bearer token, if one is present, to
// req for registry URLs, identified by scope extraction succeeding. It
// never fetches a token itself; refreshToken does that after a 401.
func (d *Downloader) authorizeRequest(ctx context.Context, req *http.Request) error {
	scope, err := extractScopeForURL(req.URL.String())
	if err != nil {
		return nil // not a registry URL; send unauthenticated
	}
	if token, ok := d.tokens.get(scope); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// refreshToken performs the challenge/response flow for req's scope and
// caches the resulting token, used after a 401 response.
func (d *Downloader) refreshToken(ctx context.Context, req *http.Request, authHeader string) error {
	scope, err := extractScopeForURL(req.URL.String())
	if err != nil {
		return err
	}
	wa, err := parseWWWAuthenticate(authHeader)
	if err != nil {
		return zberr.RegistryAuth(scope, err)
	}
	if wa.Scope == "" {
		wa.Scope = scope
	}
	token, err := fetchBearerToken(ctx, d.httpClient, wa)
	if err != nil {
		return err
	}
	d.tokens.put(scope, token)
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
