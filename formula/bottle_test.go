package formula_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxmcd/zb/formula"
	"github.com/maxmcd/zb/zberr"
)

func bottleFormula(tags ...string) formula.Formula {
	files := map[string]formula.BottleFile{}
	for _, tag := range tags {
		files[tag] = formula.BottleFile{URL: "https://example.test/" + tag, SHA256: "abc"}
	}
	return formula.Formula{Name: "ffmpeg", Bottle: formula.Bottle{Stable: formula.BottleStable{Files: files}}}
}

func TestSelectBottlePrefersExactTag(t *testing.T) {
	f := bottleFormula("arm64_sonoma", "arm64_sequoia", "all")
	sb, err := formula.SelectBottle(f, "darwin", "arm64")
	require.NoError(t, err)
	assert.Equal(t, "arm64_sequoia", sb.Tag, "most specific tag should win")
}

func TestSelectBottleFallsBackToAll(t *testing.T) {
	f := bottleFormula("all")
	sb, err := formula.SelectBottle(f, "linux", "amd64")
	require.NoError(t, err)
	assert.Equal(t, "all", sb.Tag)
}

func TestSelectBottleLooseFallback(t *testing.T) {
	f := bottleFormula("some_future_linux_tag_not_in_our_list")
	sb, err := formula.SelectBottle(f, "linux", "amd64")
	require.NoError(t, err)
	assert.Equal(t, "some_future_linux_tag_not_in_our_list", sb.Tag)
}

func TestSelectBottleNoMatch(t *testing.T) {
	f := bottleFormula("x86_64_linux")
	_, err := formula.SelectBottle(f, "darwin", "arm64")
	_, ok := zberr.As(err, zberr.KindNoMatchingBottle)
	assert.True(t, ok, "expected KindNoMatchingBottle, got %v", err)
}

func TestSelectBottleNoFiles(t *testing.T) {
	f := formula.Formula{Name: "empty"}
	_, err := formula.SelectBottle(f, "linux", "amd64")
	_, ok := zberr.As(err, zberr.KindNoMatchingBottle)
	assert.True(t, ok, "expected KindNoMatchingBottle, got %v", err)
}
