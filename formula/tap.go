package formula

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseTapSource parses the small Ruby-like DSL used by formula class
// bodies into a Formula. It understands exactly the subset the installer
// needs: version, revision, a top-level url/sha256 pair (resource blocks
// are skipped by tracking do...end nesting depth), depends_on lines, and a
// bottle do ... end block with root_url, rebuild, and per-tag sha256
// lines. Anything else in the source is ignored.
func ParseTapSource(name, src string) (Formula, error) {
	f := Formula{Name: name, FullName: name}

	var (
		depth          int
		inBottle       bool
		bottleRootURL  string
		bottleRebuild  int
		bottleFiles    = map[string]BottleFile{}
		topLevelURL    string
		topLevelSHA    string
		sawResourceish bool
	)

	// Real formula bottle blocks write "sha256 arm64_sonoma: \"...\"",
	// optionally prefixed with a cellar: clause we don't care about.
	sha256Line := regexp.MustCompile(`^sha256\s+(?:cellar\s*:\s*:\S+\s*,\s*)?(\w+):\s*"([0-9a-fA-F]{64})"`)
	tagOnlySha := regexp.MustCompile(`^sha256\s+"([0-9a-fA-F]{64})"`)

	scanner := bufio.NewScanner(strings.NewReader(src))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// do/end depth tracking: count occurrences of the "do" keyword
		// that open a block and "end" that closes one. This is purely
		// lexical, matching how the original source-derived parser
		// tracks nesting without a real Ruby parser.
		opens := countWord(line, "do")
		closes := countWord(line, "end")

		switch {
		case strings.HasPrefix(line, "resource "):
			sawResourceish = true
		case strings.HasPrefix(line, "bottle do") || line == "bottle do":
			inBottle = true
		case strings.HasPrefix(line, "version "):
			f.Versions.Stable = unquote(after(line, "version"))
		case strings.HasPrefix(line, "revision "):
			if n, err := strconv.Atoi(after(line, "revision")); err == nil {
				f.Revision = n
			}
		case strings.HasPrefix(line, "depends_on "):
			dep, context := parseDependsOn(line)
			if context == "build" {
				f.BuildDeps = append(f.BuildDeps, dep)
			} else if context == "" || context == "recommended" {
				f.Dependencies = append(f.Dependencies, dep)
			}
		case inBottle && strings.HasPrefix(line, "root_url "):
			bottleRootURL = unquote(after(line, "root_url"))
		case inBottle && strings.HasPrefix(line, "rebuild "):
			if n, err := strconv.Atoi(after(line, "rebuild")); err == nil {
				bottleRebuild = n
			}
		case inBottle && sha256Line.MatchString(line):
			m := sha256Line.FindStringSubmatch(line)
			bottleFiles[m[1]] = BottleFile{SHA256: m[2]}
		case inBottle && tagOnlySha.MatchString(line):
			// A bare `sha256 "..."` line with no explicit tag applies to
			// "all".
			m := tagOnlySha.FindStringSubmatch(line)
			bottleFiles["all"] = BottleFile{SHA256: m[1]}
		case !inBottle && !sawResourceish && strings.HasPrefix(line, "url ") && topLevelURL == "":
			topLevelURL = unquote(after(line, "url"))
		case !inBottle && !sawResourceish && strings.HasPrefix(line, "sha256 ") && topLevelSHA == "":
			if m := tagOnlySha.FindStringSubmatch(line); m != nil {
				topLevelSHA = m[1]
			}
		}

		depth += opens - closes
		if inBottle && depth <= 0 {
			inBottle = false
		}
		if sawResourceish && depth <= 0 {
			sawResourceish = false
		}
	}
	if err := scanner.Err(); err != nil {
		return Formula{}, fmt.Errorf("error scanning tap source for %s: %w", name, err)
	}

	if topLevelURL != "" {
		f.URLs = &FormulaURLs{Stable: &SourceURL{URL: topLevelURL, Checksum: topLevelSHA, Revision: f.Revision}}
	}
	if f.Versions.Stable == "" && topLevelURL != "" {
		f.Versions.Stable = versionFromURL(topLevelURL)
	}
	for tag, bf := range bottleFiles {
		bf.URL = synthesizeBottleURL(bottleRootURL, Token(name), f.Versions.Stable, f.Revision, bottleRebuild, tag, bf.SHA256)
		bottleFiles[tag] = bf
	}
	f.Bottle = Bottle{Stable: BottleStable{Rebuild: bottleRebuild, Files: bottleFiles}}
	return f, nil
}

// synthesizeBottleURL builds the bottle download URL from its constituent
// parts. Two shapes are supported: an OCI registry root ("ghcr.io/v2/...")
// gets "/<name>/blobs/sha256:<sha256>" appended; anything else is
// treated as a release-style root and gets the classic
// "<name>-<version>.<tag>.bottle.tar.gz" suffix, with a ".<rebuild>"
// segment before ".tar.gz" to match the real bottle naming convention
// when rebuild is nonzero.
func synthesizeBottleURL(rootURL, name, version string, revision, rebuild int, tag, sha256 string) string {
	effective := version
	if revision > 0 {
		effective = version + "_" + strconv.Itoa(revision)
	}
	if strings.Contains(rootURL, "/v2/") {
		return fmt.Sprintf("%s/%s/blobs/sha256:%s", rootURL, name, sha256)
	}
	suffix := fmt.Sprintf("%s-%s.%s.bottle", name, effective, tag)
	if rebuild > 0 {
		suffix += "." + strconv.Itoa(rebuild)
	}
	return rootURL + "/" + suffix + ".tar.gz"
}

// versionFromURL infers a version from a source url when no explicit
// "version" line is present, by pulling the tag/ref segment out of a
// refs/tags, archive, or download-style GitHub URL, or else the trailing
// "-<version>" of the file name ("ffmpeg-7.1.tar.xz"), and stripping any
// archive-format suffix. Returns "" if the URL matches neither shape.
var urlVersionRe = regexp.MustCompile(`(?:refs/tags|archive|download)/v?([0-9][0-9A-Za-z._+-]*)`)

var fileVersionRe = regexp.MustCompile(`-v?([0-9][0-9A-Za-z._+]*)$`)

func versionFromURL(url string) string {
	suffixes := []string{".tar.gz", ".tar.xz", ".tar.bz2", ".tgz", ".zip"}
	if m := urlVersionRe.FindStringSubmatch(url); m != nil {
		v := m[1]
		for _, suffix := range suffixes {
			if strings.HasSuffix(v, suffix) {
				return strings.TrimSuffix(v, suffix)
			}
		}
		return v
	}
	base := url[strings.LastIndex(url, "/")+1:]
	for _, suffix := range suffixes {
		base = strings.TrimSuffix(base, suffix)
	}
	if m := fileVersionRe.FindStringSubmatch(base); m != nil {
		return m[1]
	}
	return ""
}

func parseDependsOn(line string) (name, context string) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "depends_on"))
	if idx := strings.Index(rest, "=>"); idx >= 0 {
		context = unquoteSymbol(strings.TrimSpace(rest[idx+2:]))
		rest = rest[:idx]
	}
	return unquote(strings.TrimSpace(rest)), context
}

func after(line, keyword string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, keyword))
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return s
}

func unquoteSymbol(s string) string {
	return strings.TrimPrefix(unquote(s), ":")
}

func countWord(s, word string) int {
	count := 0
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, `"'(),`)
		if tok == word {
			count++
		}
	}
	return count
}
