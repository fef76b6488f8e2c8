// Package version implements semantic-version comparison and selection for
// plugin catalogs and on-disk install directories.
package version

import (
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Compare orders two version strings, returning -1, 0 or 1. Both sides are
// parsed as semantic versions; when either side does not parse, the pair is
// compared lexically. At an equal major.minor.patch a stable version always
// outranks one carrying a pre-release suffix.
func Compare(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}

// Pick selects a version from candidates. With a non-empty requested string an
// exact match is required; otherwise the maximum by Compare wins. The second
// return reports whether a version was selected.
func Pick(candidates []string, requested string) (string, bool) {
	if requested != "" {
		for _, c := range candidates {
			if c == requested {
				return c, true
			}
		}
		return "", false
	}

	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if Compare(c, best) > 0 {
			best = c
		}
	}
	return best, true
}

// SortAscending sorts versions in place, lowest first.
func SortAscending(versions []string) {
	sort.Slice(versions, func(i, j int) bool {
		return Compare(versions[i], versions[j]) < 0
	})
}

// Previous returns the rollback target for current among installed versions:
// the version immediately preceding current in ascending order. When current
// is not present on disk the second-to-last installed version is used.
func Previous(installed []string, current string) (string, bool) {
	if len(installed) < 2 {
		return "", false
	}

	sorted := make([]string, len(installed))
	copy(sorted, installed)
	SortAscending(sorted)

	for i, v := range sorted {
		if v == current {
			if i == 0 {
				return "", false
			}
			return sorted[i-1], true
		}
	}
	return sorted[len(sorted)-2], true
}
