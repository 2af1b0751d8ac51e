package formula_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxmcd/zb/formula"
)

const sampleFormulaSource = `
class Ffmpeg < Formula
  desc "Play, record, convert, and stream audio and video"
  homepage "https://ffmpeg.org/"
  url "https://ffmpeg.org/releases/ffmpeg-7.1.tar.xz"
  sha256 "40973d3aa8f2b6374fea4e13b178dbdd4dcff0126a0bfb9f7041c422f436402"
  revision 1

  depends_on "pkg-config" => :build
  depends_on "zlib"

  bottle do
    root_url "https://ghcr.io/v2/homebrew/core/ffmpeg"
    rebuild 2
    sha256 arm64_sonoma: "1111111111111111111111111111111111111111111111111111111111111111"
    sha256 x86_64_linux: "2222222222222222222222222222222222222222222222222222222222222222"
  end
end
`

func TestParseTapSource(t *testing.T) {
	f, err := formula.ParseTapSource("homebrew/core/ffmpeg", sampleFormulaSource)
	require.NoError(t, err)
	assert.Equal(t, "7.1", f.Versions.Stable)
	assert.Equal(t, 1, f.Revision)
	assert.Equal(t, []string{"pkg-config"}, f.BuildDeps)
	assert.Equal(t, []string{"zlib"}, f.Dependencies)

	require.True(t, f.HasSourceURL(), "expected a source url")
	su, _ := f.SourceURL()
	assert.True(t, strings.HasSuffix(su.URL, "ffmpeg-7.1.tar.xz"), "source url: got %q", su.URL)

	bf, ok := f.Bottle.Stable.Files["arm64_sonoma"]
	require.True(t, ok, "expected arm64_sonoma bottle file")
	assert.Contains(t, bf.URL, "sha256:1111")
	assert.Equal(t, 2, f.Bottle.Stable.Rebuild)
}

func TestParseTapSourceIgnoresResourceBlocks(t *testing.T) {
	src := `
class Foo < Formula
  url "https://example.test/foo-1.0.tar.gz"
  sha256 "3333333333333333333333333333333333333333333333333333333333333333"

  resource "bar" do
    url "https://example.test/bar-2.0.tar.gz"
    sha256 "4444444444444444444444444444444444444444444444444444444444444444"
  end
end
`
	f, err := formula.ParseTapSource("foo", src)
	require.NoError(t, err)
	su, ok := f.SourceURL()
	require.True(t, ok, "expected source url")
	assert.Contains(t, su.URL, "foo-1.0", "expected top-level url to win over resource url")
}

func TestParseTapSourceInfersVersionFromURLWhenVersionFieldMissing(t *testing.T) {
	src := `
class Jaso < Formula
  url "https://github.com/cr0sh/jaso/archive/refs/tags/v1.0.1.tar.gz"
  bottle do
    root_url "https://github.com/simnalamburt/homebrew-x/releases/download/jaso-1.0.1"
    sha256 x86_64_linux: "76c0ea0751627a7aac5495c460eecd8a7823c86e5e55b078b5884056efa8ae7f"
  end
end
`
	f, err := formula.ParseTapSource("simnalamburt/x/jaso", src)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", f.Versions.Stable)
	bf, ok := f.Bottle.Stable.Files["x86_64_linux"]
	require.True(t, ok)
	assert.Equal(t,
		"https://github.com/simnalamburt/homebrew-x/releases/download/jaso-1.0.1/jaso-1.0.1.x86_64_linux.bottle.tar.gz",
		bf.URL)
}
