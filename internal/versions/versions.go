// ABOUTME: Version ordering and upgrade classification for package versions.
// ABOUTME: Uses PEP 440 semantics first and falls back to SemVer and plain strings.

package versions

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	pep440 "github.com/aquasecurity/go-pep440-version"
)

// Bump classifies the distance between two versions
type Bump string

const (
	BumpNone    Bump = "none"
	BumpPatch   Bump = "patch"
	BumpMinor   Bump = "minor"
	BumpMajor   Bump = "major"
	BumpUnknown Bump = "unknown"
)

var releaseSegment = regexp.MustCompile(`^(?:\d+!)?v?(\d+(?:\.\d+)*)`)

// Compare returns -1, 0 or 1 comparing a and b
func Compare(a, b string) int {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)

	if pa, err := pep440.Parse(a); err == nil {
		if pb, err := pep440.Parse(b); err == nil {
			switch {
			case pa.LessThan(pb):
				return -1
			case pa.GreaterThan(pb):
				return 1
			default:
				return 0
			}
		}
	}

	if sa, err := semver.NewVersion(a); err == nil {
		if sb, err := semver.NewVersion(b); err == nil {
			return sa.Compare(sb)
		}
	}

	return strings.Compare(a, b)
}

// Sort orders versions ascending and drops blanks and duplicates
func Sort(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return Compare(out[i], out[j]) < 0
	})
	return out
}

// Classify reports whether moving from -> to is a major, minor or patch change
func Classify(from, to string) Bump {
	fromParts, ok1 := release(from)
	toParts, ok2 := release(to)
	if !ok1 || !ok2 {
		return BumpUnknown
	}

	switch {
	case fromParts[0] != toParts[0]:
		return BumpMajor
	case fromParts[1] != toParts[1]:
		return BumpMinor
	case fromParts[2] != toParts[2]:
		return BumpPatch
	case Compare(from, to) != 0:
		return BumpPatch
	default:
		return BumpNone
	}
}

// release extracts major/minor/patch, trying SemVer before the PEP 440 release segment
func release(version string) ([3]uint64, bool) {
	var parts [3]uint64
	version = strings.TrimSpace(version)
	if version == "" {
		return parts, false
	}

	if v, err := semver.NewVersion(version); err == nil {
		return [3]uint64{v.Major(), v.Minor(), v.Patch()}, true
	}

	match := releaseSegment.FindStringSubmatch(version)
	if match == nil {
		return parts, false
	}
	for i, segment := range strings.Split(match[1], ".") {
		if i >= len(parts) {
			break
		}
		n, err := strconv.ParseUint(segment, 10, 64)
		if err != nil {
			return parts, false
		}
		parts[i] = n
	}
	return parts, true
}
