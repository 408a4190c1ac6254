package matcher

import (
	"errors"
	"sync"
	"testing"

	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/stretchr/testify/assert"
)

func vuln(ecosystem, name, constraint string, format model.VersionFormat, fixed ...string) model.Vulnerability {
	v := model.NewVulnerability()
	v.ID = "CVE-TEST-1"
	v.Namespace = ecosystem
	v.Ecosystem = ecosystem
	v.PackageName = name
	v.VersionConstraint = constraint
	v.VersionFormat = format
	v.FixedInVersions = fixed
	return *v
}

func TestSemanticRange(t *testing.T) {
	v := vuln("golang", "github.com/example/lib", "< 1.3.0", model.FormatSemantic)

	assert.True(t, Matches("golang", "github.com/example/lib", "1.2.3", v))
	assert.False(t, Matches("golang", "github.com/example/lib", "1.3.0", v))
	assert.True(t, Matches("golang", "github.com/example/lib", "v1.2.9", v))
}

func TestCompositeRanges(t *testing.T) {
	v := vuln("maven", "org.example:core", ">= 1.0.0, < 1.3.0 || >= 2.0.0, < 2.1.0", model.FormatSemantic)

	cases := map[string]bool{
		"0.9.0": false,
		"1.0.0": true,
		"1.2.9": true,
		"1.3.0": false,
		"2.0.5": true,
		"2.1.0": false,
	}
	for version, want := range cases {
		assert.Equal(t, want, Matches("maven", "org.example:core", version, v), version)
	}
}

func TestFixedInTakesPrecedence(t *testing.T) {
	v := vuln("golang", "lib", "< 3.0.0", model.FormatSemantic, "2.0.0")

	assert.True(t, Matches("golang", "lib", "1.9.9", v))
	assert.False(t, Matches("golang", "lib", "2.0.0", v))
	assert.False(t, Matches("golang", "lib", "2.5.0", v))
}

func TestFixedInSameBranch(t *testing.T) {
	v := vuln("golang", "lib", "< 3.0.0", model.FormatSemantic, "2.4.1", "1.9.8")

	assert.False(t, Matches("golang", "lib", "1.9.8", v))
	assert.True(t, Matches("golang", "lib", "2.3.0", v), "1.x fix must not apply to the 2.x branch")
	assert.False(t, Matches("golang", "lib", "2.4.1", v))
	assert.True(t, Matches("golang", "lib", "1.9.7", v))
}

func TestNpmConstraints(t *testing.T) {
	v := vuln("npm", "left-pad", ">= 1.0.0, < 1.3.0", model.FormatSemantic)

	assert.True(t, Matches("npm", "left-pad", "1.2.0", v))
	assert.False(t, Matches("npm", "left-pad", "1.3.0", v))
	assert.False(t, Matches("npm", "left-pad", "0.9.0", v))
	assert.True(t, Matches("npm", "Left-Pad", "1.2.0", v), "names compare lowercase")
}

func TestPythonSpecifiers(t *testing.T) {
	v := vuln("pypi", "requests", ">= 2.0, < 2.31.0", model.FormatSemantic)

	assert.True(t, Matches("pypi", "requests", "2.28.1", v))
	assert.False(t, Matches("pypi", "requests", "2.31.0", v))
	assert.False(t, Matches("pypi", "requests", "1.2.3", v))
}

func TestPrereleaseInsideRange(t *testing.T) {
	golang := vuln("golang", "lib", "< 1.3.0", model.FormatSemantic)
	assert.True(t, Matches("golang", "lib", "1.2.0-beta.1", golang))
	assert.True(t, Matches("golang", "lib", "1.3.0-rc.1", golang))
	assert.False(t, Matches("golang", "lib", "1.3.1-rc.1", golang))

	npmRange := vuln("npm", "left-pad", ">= 1.0.0, < 1.3.0", model.FormatSemantic, "1.3.0")
	assert.True(t, Matches("npm", "left-pad", "1.2.0-beta.1", npmRange))
	assert.False(t, Matches("npm", "left-pad", "1.0.0-alpha", npmRange))

	py := vuln("pypi", "requests", "< 2.31.0", model.FormatSemantic)
	assert.True(t, Matches("pypi", "requests", "2.30.0rc1", py))
}

func TestIdentityFilter(t *testing.T) {
	v := vuln("npm", "left-pad", "< 1.3.0", model.FormatSemantic)

	assert.False(t, Matches("pypi", "left-pad", "1.2.0", v))
	assert.False(t, Matches("npm", "right-pad", "1.2.0", v))

	gh := vuln("", "left-pad", "< 1.3.0", model.FormatSemantic)
	gh.Ecosystem = ""
	gh.Namespace = "github:language:javascript"
	assert.True(t, Matches("npm", "left-pad", "1.2.0", gh))
}

func TestUnparseableVersionIsIndeterminate(t *testing.T) {
	v := vuln("golang", "lib", "< 1.3.0", model.FormatSemantic)

	res := Evaluate(Candidate{Ecosystem: "golang", PackageName: "lib", Version: "not-a-version"}, v)
	assert.Equal(t, Indeterminate, res.Verdict)
	assert.True(t, errors.Is(res.Err, ErrUnparseableVersion))
	assert.False(t, Matches("golang", "lib", "not-a-version", v))
}

func TestUnparseableConstraint(t *testing.T) {
	v := vuln("golang", "lib", "<<< nonsense", model.FormatSemantic)

	res := Evaluate(Candidate{Ecosystem: "golang", PackageName: "lib", Version: "1.0.0"}, v)
	assert.Equal(t, NotAffected, res.Verdict)
	assert.True(t, errors.Is(res.Err, ErrUnparseableConstraint))
}

func TestPlaceholderVersionsNeverMatch(t *testing.T) {
	v := vuln("npm", "left-pad", "< 1.3.0", model.FormatSemantic)

	assert.False(t, Matches("npm", "left-pad", "", v))
	assert.False(t, Matches("npm", "left-pad", "0.0.0", v))
	assert.False(t, Matchable(" "))
}

func TestUnstructured(t *testing.T) {
	v := vuln("deb", "openssl", "1.1.1n-0+deb11u3 || = 1.1.1n-0+deb11u4, < 9", model.FormatUnstructured)

	assert.True(t, Matches("deb", "openssl", "1.1.1n-0+deb11u3", v))
	assert.True(t, Matches("deb", "openssl", "1.1.1n-0+deb11u4", v))
	assert.False(t, Matches("deb", "openssl", "1.1.1n-0+deb11u5", v))
	assert.False(t, Matches("deb", "openssl", "8", v), "relational items are ignored")

	fixed := vuln("deb", "openssl", "1.0 || 1.1", model.FormatUnstructured, "1.1")
	assert.True(t, Matches("deb", "openssl", "1.0", fixed))
	assert.False(t, Matches("deb", "openssl", "1.1", fixed))
}

func TestEmptyConstraintNeverMatches(t *testing.T) {
	v := vuln("npm", "left-pad", "", model.FormatSemantic)
	assert.False(t, Matches("npm", "left-pad", "1.0.0", v))
}

func TestEcosystemForNamespace(t *testing.T) {
	cases := map[string]string{
		"github:language:javascript": "npm",
		"github:language:python":     "pypi",
		"github:language:go":         "golang",
		"github:language:java":       "maven",
		"debian:distro:debian:12":    "deb",
		"ubuntu:distro:ubuntu:22.04": "deb",
		"alpine:distro:alpine:3.18":  "apk",
		"wolfi:distro:wolfi:rolling": "apk",
		"redhat:distro:redhat:9":     "rpm",
		"nvd:cpe":                    "generic",
		"osv:cargo":                  "cargo",
		"npm":                        "npm",
	}
	for ns, want := range cases {
		assert.Equal(t, want, EcosystemForNamespace(ns), ns)
	}
}

func TestConcurrentEvaluation(t *testing.T) {
	v := vuln("npm", "left-pad", "< 1.3.0", model.FormatSemantic, "1.3.0")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, Matches("npm", "left-pad", "1.2.0", v))
			assert.False(t, Matches("npm", "left-pad", "1.3.1", v))
		}()
	}
	wg.Wait()
}
