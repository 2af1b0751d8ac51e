package network_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxmcd/zb/network"
	"github.com/maxmcd/zb/storage"
	"github.com/maxmcd/zb/zberr"
)

func TestFetchFormula(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`{"name":"ffmpeg","versions":{"stable":"7.1"}}`))
	}))
	defer srv.Close()

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	c := network.NewClient(srv.Client(), srv.URL+"/", db)
	f, err := c.FetchFormula(context.Background(), "ffmpeg")
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg", f.Name)
	assert.Equal(t, "7.1", f.Versions.Stable)
}

func TestFetchFormulaNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := network.NewClient(srv.Client(), srv.URL+"/", nil)
	_, err := c.FetchFormula(context.Background(), "nonexistent")
	_, ok := zberr.As(err, zberr.KindFormulaNotFound)
	assert.True(t, ok, "expected KindFormulaNotFound, got %v", err)
}

func TestFetchFormulaUsesConditionalCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`{"name":"wget","versions":{"stable":"1.0"}}`))
	}))
	defer srv.Close()

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	c := network.NewClient(srv.Client(), srv.URL+"/", db)
	_, err = c.FetchFormula(context.Background(), "wget")
	require.NoError(t, err)
	f, err := c.FetchFormula(context.Background(), "wget")
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "expected 2 requests (one per fetch)")
	assert.Equal(t, "1.0", f.Versions.Stable, "expected cached body to be reused on 304")
}

func TestFetchTapFormulaUnsupportedRef(t *testing.T) {
	c := network.NewClient(http.DefaultClient, "", nil)
	_, err := c.FetchTapFormula(context.Background(), "not-a-tap-ref")
	_, ok := zberr.As(err, zberr.KindUnsupportedTap)
	assert.True(t, ok, "expected KindUnsupportedTap, got %v", err)
}
