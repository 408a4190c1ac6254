package matcher

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	npm "github.com/aquasecurity/go-npm-version/pkg"
	pep440 "github.com/aquasecurity/go-pep440-version"
)

// scheme parses and orders versions of one ecosystem family
type scheme interface {
	check(constraint, version string) (bool, error)
	// less reports a < b
	less(a, b string) (bool, error)
}

type semverScheme struct{}
type npmScheme struct{}
type pep440Scheme struct{}

func schemeFor(ecosystem string) scheme {
	switch strings.ToLower(ecosystem) {
	case "npm":
		return npmScheme{}
	case "pypi":
		return pep440Scheme{}
	default:
		return semverScheme{}
	}
}

// semanticMatcher evaluates ordered range expressions
type semanticMatcher struct{}

func (semanticMatcher) satisfies(ecosystem, version, constraint string) (bool, error) {
	return schemeFor(ecosystem).check(constraint, version)
}

func (semanticMatcher) fixedAt(ecosystem, version string, fixedIn []string) (bool, error) {
	s := schemeFor(ecosystem)

	fixed, err := applicableFix(s, version, fixedIn)
	if err != nil || fixed == "" {
		return false, err
	}
	below, err := s.less(version, fixed)
	if err != nil {
		return false, err
	}
	return !below, nil
}

// applicableFix picks the lowest fixed version on the candidate's major branch,
// falling back to the lowest fixed version overall.
func applicableFix(s scheme, version string, fixedIn []string) (string, error) {
	branch := majorBranch(version)

	var sameBranch, overall string
	for _, f := range fixedIn {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if overall == "" {
			// skip fixed versions the scheme cannot parse
			if _, err := s.less(f, f); err != nil {
				continue
			}
			overall = f
		} else if lower, err := s.less(f, overall); err == nil && lower {
			overall = f
		}

		if branch == "" || majorBranch(f) != branch {
			continue
		}
		if sameBranch == "" {
			sameBranch = f
		} else if lower, err := s.less(f, sameBranch); err == nil && lower {
			sameBranch = f
		}
	}

	if sameBranch != "" {
		return sameBranch, nil
	}
	return overall, nil
}

var leadingDigits = regexp.MustCompile(`^[vV]?(\d+)`)

func majorBranch(version string) string {
	m := leadingDigits.FindStringSubmatch(strings.TrimSpace(version))
	if m == nil {
		return ""
	}
	if major := strings.TrimLeft(m[1], "0"); major != "" {
		return major
	}
	return "0"
}

var opSpace = regexp.MustCompile(`(<=|>=|!=|==|~=|<|>|=|~|\^)\s+`)

// tightenOperators removes whitespace between an operator and its operand: "< 1.3.0" -> "<1.3.0"
func tightenOperators(constraint string) string {
	return opSpace.ReplaceAllString(strings.TrimSpace(constraint), "$1")
}

func (semverScheme) check(constraint, version string) (bool, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, unparseableVersion(version, err)
	}
	c, err := semver.NewConstraint(tightenOperators(constraint))
	if err != nil {
		return false, unparseableConstraint(constraint, err)
	}
	// a prerelease inside a range is in the range
	c.IncludePrerelease = true
	return c.Check(v), nil
}

func (semverScheme) less(a, b string) (bool, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return false, unparseableVersion(a, err)
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false, unparseableVersion(b, err)
	}
	return va.LessThan(vb), nil
}

// npm ranges are space separated; feeds write AND with commas
func npmConstraint(constraint string) string {
	parts := strings.Split(constraint, "||")
	for i, p := range parts {
		p = strings.ReplaceAll(p, ",", " ")
		parts[i] = strings.Join(strings.Fields(tightenOperators(p)), " ")
	}
	return strings.Join(parts, " || ")
}

func (npmScheme) check(constraint, version string) (bool, error) {
	v, err := npm.NewVersion(version)
	if err != nil {
		return false, unparseableVersion(version, err)
	}
	c, err := npm.NewConstraints(npmConstraint(constraint), npm.WithPreRelease(true))
	if err != nil {
		return false, unparseableConstraint(constraint, err)
	}
	return c.Check(v), nil
}

func (npmScheme) less(a, b string) (bool, error) {
	va, err := npm.NewVersion(a)
	if err != nil {
		return false, unparseableVersion(a, err)
	}
	vb, err := npm.NewVersion(b)
	if err != nil {
		return false, unparseableVersion(b, err)
	}
	return va.LessThan(vb), nil
}

var bareEquals = regexp.MustCompile(`(^|[\s,|])=([^=])`)

// PEP 440 has no single "=" operator
func pep440Constraint(constraint string) string {
	return bareEquals.ReplaceAllString(tightenOperators(constraint), "${1}==${2}")
}

func (pep440Scheme) check(constraint, version string) (bool, error) {
	v, err := pep440.Parse(version)
	if err != nil {
		return false, unparseableVersion(version, err)
	}
	c, err := pep440.NewSpecifiers(pep440Constraint(constraint), pep440.WithPreRelease(true))
	if err != nil {
		return false, unparseableConstraint(constraint, err)
	}
	return c.Check(v), nil
}

func (pep440Scheme) less(a, b string) (bool, error) {
	va, err := pep440.Parse(a)
	if err != nil {
		return false, unparseableVersion(a, err)
	}
	vb, err := pep440.Parse(b)
	if err != nil {
		return false, unparseableVersion(b, err)
	}
	return va.LessThan(vb), nil
}
