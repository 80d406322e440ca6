package addon

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CompareVersions orders two version strings. Both are compared as semantic
// versions when both parse; otherwise the comparison is lexical. The lexical
// fallback misorders some schemes (dates without zero padding, "r99" vs
// "r100") and is kept as is because sources rely on it.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}

// Satisfies reports whether version meets constraint. An empty constraint
// accepts everything. A semantic-version constraint rejects versions that
// do not parse as semantic versions. Any other constraint is an optional
// comparison operator followed by a literal compared lexically.
func Satisfies(version, constraint string) bool {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return true
	}

	if c, err := semver.NewConstraint(constraint); err == nil {
		v, err := semver.NewVersion(version)
		if err != nil {
			return false
		}
		return c.Check(v)
	}

	op, want := splitOperator(constraint)
	if want == "" {
		return false
	}
	cmp := strings.Compare(version, want)
	switch op {
	case "=", "==", "":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	}
	return false
}

var operators = []string{">=", "<=", "!=", "==", ">", "<", "="}

func splitOperator(constraint string) (string, string) {
	for _, op := range operators {
		if rest, ok := strings.CutPrefix(constraint, op); ok {
			return op, strings.TrimSpace(rest)
		}
	}
	return "", constraint
}

// SelectRelease picks a release from candidates, which adapters order
// newest first. Without a constraint the newest candidate wins. With one,
// the highest-ordered satisfying candidate wins.
func SelectRelease(candidates []*Release, constraint string) (*Release, error) {
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	if strings.TrimSpace(constraint) == "" {
		return candidates[0], nil
	}

	var best *Release
	for _, c := range candidates {
		if !Satisfies(c.Version, constraint) {
			continue
		}
		if best == nil || CompareVersions(c.Version, best.Version) > 0 {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %q", ErrConstraintUnsatisfiable, constraint)
	}
	return best, nil
}
