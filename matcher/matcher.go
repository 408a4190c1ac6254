// Package matcher decides whether a component version is affected by a vulnerability record.
//
// Constraint formats are a tagged variant: each model.VersionFormat is served by
// its own formatMatcher, and Evaluate dispatches on the record's tag. Every
// function here is pure and safe for concurrent use.
package matcher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ortelius/pdvd-vulncorr/model"
)

// Verdict is the outcome of evaluating one vulnerability against one candidate
type Verdict int

// Verdicts
const (
	NotAffected Verdict = iota
	Affected
	// Indeterminate means the candidate version could not be parsed in the record's scheme
	Indeterminate
)

func (v Verdict) String() string {
	switch v {
	case Affected:
		return "affected"
	case Indeterminate:
		return "indeterminate"
	default:
		return "not-affected"
	}
}

var (
	// ErrUnparseableVersion reports a candidate version the scheme cannot order
	ErrUnparseableVersion = errors.New("unparseable version")
	// ErrUnparseableConstraint reports a malformed constraint expression in the feed
	ErrUnparseableConstraint = errors.New("unparseable constraint")
)

// Result carries the verdict and, for Indeterminate or a bad constraint, the cause
type Result struct {
	Verdict Verdict
	Err     error
}

// Candidate is the component version being checked
type Candidate struct {
	Ecosystem   string
	PackageName string
	Version     string
}

// formatMatcher is implemented once per constraint format
type formatMatcher interface {
	// satisfies reports whether version falls inside the constraint expression
	satisfies(ecosystem, version, constraint string) (bool, error)
	// fixedAt reports whether version is at or past the applicable fixed version
	fixedAt(ecosystem, version string, fixedIn []string) (bool, error)
}

var formats = map[model.VersionFormat]formatMatcher{
	model.FormatSemantic:     semanticMatcher{},
	model.FormatUnstructured: unstructuredMatcher{},
}

// Matches reports whether version of package in ecosystem is affected by vuln.
// Candidates whose version cannot be parsed are not matched.
func Matches(ecosystem, packageName, version string, vuln model.Vulnerability) bool {
	return Evaluate(Candidate{Ecosystem: ecosystem, PackageName: packageName, Version: version}, vuln).Verdict == Affected
}

// Evaluate runs the identity filter, the format specific constraint check and
// the fixed-in precedence rule.
func Evaluate(c Candidate, vuln model.Vulnerability) Result {
	if !SamePackage(c.Ecosystem, c.PackageName, vuln) {
		return Result{Verdict: NotAffected}
	}

	version := strings.TrimSpace(c.Version)
	if !Matchable(version) {
		return Result{Verdict: NotAffected}
	}

	constraint := strings.TrimSpace(vuln.VersionConstraint)
	if constraint == "" {
		return Result{Verdict: NotAffected}
	}

	fm, ok := formats[vuln.VersionFormat]
	if !ok {
		fm = formats[model.FormatUnstructured]
	}

	hit, err := fm.satisfies(c.Ecosystem, version, constraint)
	if err != nil {
		if errors.Is(err, ErrUnparseableVersion) {
			return Result{Verdict: Indeterminate, Err: err}
		}
		return Result{Verdict: NotAffected, Err: err}
	}
	if !hit {
		return Result{Verdict: NotAffected}
	}

	if len(vuln.FixedInVersions) > 0 {
		fixed, err := fm.fixedAt(c.Ecosystem, version, vuln.FixedInVersions)
		if err == nil && fixed {
			return Result{Verdict: NotAffected}
		}
	}
	return Result{Verdict: Affected}
}

// Matchable reports whether a version carries enough information to be matched.
// Empty versions and the 0.0.0 placeholder are stored but never matched.
func Matchable(version string) bool {
	v := strings.TrimSpace(version)
	return v != "" && v != "0.0.0"
}

// SamePackage compares lowercase package names and the ecosystem the record's namespace implies
func SamePackage(ecosystem, packageName string, vuln model.Vulnerability) bool {
	if !strings.EqualFold(strings.TrimSpace(packageName), strings.TrimSpace(vuln.PackageName)) {
		return false
	}
	vulnEco := vuln.Ecosystem
	if vulnEco == "" {
		vulnEco = EcosystemForNamespace(vuln.Namespace)
	}
	return strings.EqualFold(ecosystem, vulnEco)
}

func unparseableVersion(version string, err error) error {
	return fmt.Errorf("%w %q: %v", ErrUnparseableVersion, version, err)
}

func unparseableConstraint(constraint string, err error) error {
	return fmt.Errorf("%w %q: %v", ErrUnparseableConstraint, constraint, err)
}
