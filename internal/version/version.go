// Package version compares the loosely formatted version strings package
// manifests use ("128.0.1", "24.08", "v2.3.0-beta1", "1.2.3.4").
package version

import (
	"regexp"
	"strconv"

	"packaging-coordinator/internal/models"
)

var digits = regexp.MustCompile(`\d+`)

// Parts extracts the numeric components of v, padded to at least major.minor.patch.
func Parts(v string) []int {
	raw := digits.FindAllString(v, -1)
	parts := make([]int, 0, max(len(raw), 3))
	for _, r := range raw {
		n, err := strconv.Atoi(r)
		if err != nil {
			// Longer than an int; treat as the largest value so it sorts last.
			n = int(^uint(0) >> 1)
		}
		parts = append(parts, n)
	}
	for len(parts) < 3 {
		parts = append(parts, 0)
	}
	return parts
}

// Compare returns -1, 0 or +1 as a is older than, equal to or newer than b.
// Missing trailing components count as zero.
func Compare(a, b string) int {
	pa, pb := Parts(a), Parts(b)
	for i := 0; i < max(len(pa), len(pb)); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// Classify names the kind of bump from -> to by the first component that differs.
func Classify(from, to string) models.UpdateType {
	pf, pt := Parts(from), Parts(to)
	switch {
	case pf[0] != pt[0]:
		return models.UpdateMajor
	case pf[1] != pt[1]:
		return models.UpdateMinor
	default:
		return models.UpdatePatch
	}
}

// Newest returns the highest version in vs, or "" when vs is empty.
func Newest(vs []string) string {
	best := ""
	for _, v := range vs {
		if best == "" || Compare(v, best) > 0 {
			best = v
		}
	}
	return best
}
