package formula

import (
	"strings"

	"github.com/maxmcd/zb/zberr"
)

// Ordered tag preference lists, most specific first, mirroring the
// upstream bottle_tag resolution order for each platform family. These are
// evaluated at runtime against runtime.GOOS/runtime.GOARCH rather than
// selected at compile time, since a single Go binary runs on whatever host
// it's launched on.
var (
	macARM64Tags = []string{
		"arm64_sequoia", "arm64_sonoma", "arm64_ventura", "arm64_monterey", "arm64_big_sur",
	}
	macIntelTags = []string{
		"sequoia", "sonoma", "ventura", "monterey", "big_sur", "catalina",
	}
	linuxTags = []string{
		"x86_64_linux", "arm64_linux",
	}
)

// SelectedBottle is the (tag, url, sha256) tuple chosen for the local
// platform, selected once per formula per plan.
type SelectedBottle struct {
	Tag    string
	URL    string
	SHA256 string
}

// SelectBottle picks the preferred bottle file for (goos, goarch) from f,
// trying the platform's ordered preference list, then the
// platform-independent "all" tag, then any remaining tag loosely
// consistent with the host.
func SelectBottle(f Formula, goos, goarch string) (SelectedBottle, error) {
	files := f.Bottle.Stable.Files
	if len(files) == 0 {
		return SelectedBottle{}, zberr.NoMatchingBottle(f.Name)
	}

	for _, tag := range preferenceList(goos, goarch) {
		if bf, ok := files[tag]; ok {
			return SelectedBottle{Tag: tag, URL: bf.URL, SHA256: bf.SHA256}, nil
		}
	}
	if bf, ok := files["all"]; ok {
		return SelectedBottle{Tag: "all", URL: bf.URL, SHA256: bf.SHA256}, nil
	}
	for tag, bf := range files {
		if looseMatch(tag, goos, goarch) {
			return SelectedBottle{Tag: tag, URL: bf.URL, SHA256: bf.SHA256}, nil
		}
	}
	return SelectedBottle{}, zberr.NoMatchingBottle(f.Name)
}

func preferenceList(goos, goarch string) []string {
	switch {
	case goos == "darwin" && goarch == "arm64":
		return macARM64Tags
	case goos == "darwin":
		return macIntelTags
	case goos == "linux":
		return linuxTags
	default:
		return nil
	}
}

func looseMatch(tag, goos, goarch string) bool {
	switch {
	case goos == "darwin" && goarch == "arm64":
		return strings.HasPrefix(tag, "arm64_")
	case goos == "darwin":
		return !strings.Contains(tag, "linux") && !strings.HasPrefix(tag, "arm64_")
	case goos == "linux":
		return strings.Contains(tag, "linux")
	default:
		return false
	}
}
