package matcher

import (
	"strings"
)

// unstructuredMatcher treats versions as opaque strings: the constraint is an
// exact version or an enumerated list. Relational items carry no meaning
// without an ordering and are ignored.
type unstructuredMatcher struct{}

func (unstructuredMatcher) satisfies(_, version, constraint string) (bool, error) {
	for _, item := range enumerate(constraint) {
		if item == version {
			return true, nil
		}
	}
	return false, nil
}

func (unstructuredMatcher) fixedAt(_, version string, fixedIn []string) (bool, error) {
	for _, f := range fixedIn {
		if strings.TrimSpace(f) == version {
			return true, nil
		}
	}
	return false, nil
}

// enumerate splits "a || b, = c" into its exact members
func enumerate(constraint string) []string {
	var out []string
	for _, alt := range strings.Split(constraint, "||") {
		for _, item := range strings.Split(alt, ",") {
			item = strings.TrimSpace(item)
			switch {
			case item == "":
				continue
			case strings.HasPrefix(item, "=="):
				item = strings.TrimSpace(item[2:])
			case strings.HasPrefix(item, "="):
				item = strings.TrimSpace(item[1:])
			case strings.ContainsAny(item[:1], "<>!~^"):
				continue
			}
			if item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
