package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEcosystemToPurlType(t *testing.T) {
	cases := map[string]string{
		"PyPI":         "pypi",
		"pypi":         "pypi",
		"Go":           "golang",
		"Wolfi":        "apk",
		"Alpine:v3.18": "apk",
		"Debian:12":    "deb",
		"crates.io":    "cargo",
		"npm":          "npm",
		"Something":    "something",
	}
	for in, want := range cases {
		assert.Equal(t, want, EcosystemToPurlType(in), in)
	}
}

func TestCleanAndBasePURL(t *testing.T) {
	cleaned, err := CleanPURL("pkg:golang/github.com/gin-gonic/gin@v1.9.0?type=module")
	require.NoError(t, err)
	assert.Equal(t, "pkg:golang/github.com/gin-gonic/gin@v1.9.0", cleaned)

	base, err := GetBasePURL("pkg:apk/wolfi/glibc@2.42-r4")
	require.NoError(t, err)
	assert.Equal(t, "pkg:apk/wolfi/glibc", base)

	_, err = GetBasePURL("not a purl")
	assert.Error(t, err)
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "npm:GHSA-1:_babel-core", SanitizeKey(" npm:GHSA-1:@babel/core "))
	assert.Equal(t, "a-b_c", SanitizeKey("a/b@c"))
	assert.Equal(t, "x", SanitizeKey("[x]"))
	assert.Equal(t, "https:--feed.example-listing.json_v=5_t=1", SanitizeKey("https://feed.example/listing.json?v=5&t=1"))
}

func TestSplitPackageName(t *testing.T) {
	ns, name := SplitPackageName("maven", "org.apache.logging.log4j:log4j-core")
	assert.Equal(t, "org.apache.logging.log4j", ns)
	assert.Equal(t, "log4j-core", name)

	ns, name = SplitPackageName("npm", "@babel/core")
	assert.Equal(t, "@babel", ns)
	assert.Equal(t, "core", name)

	ns, name = SplitPackageName("golang", "github.com/gin-gonic/gin")
	assert.Equal(t, "github.com/gin-gonic", ns)
	assert.Equal(t, "gin", name)

	ns, name = SplitPackageName("deb", "openssl")
	assert.Empty(t, ns)
	assert.Equal(t, "openssl", name)
}

func TestCVSSScores(t *testing.T) {
	assert.InDelta(t, 9.8, CalculateCVSSScore("CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H"), 0.001)
	assert.Zero(t, CalculateCVSSScore("AV:N/AC:L"))
	assert.Zero(t, CalculateCVSSScore(""))

	assert.Equal(t, "NONE", GetSeverityRating(0))
	assert.Equal(t, "LOW", GetSeverityRating(3.9))
	assert.Equal(t, "MEDIUM", GetSeverityRating(4.0))
	assert.Equal(t, "HIGH", GetSeverityRating(8.9))
	assert.Equal(t, "CRITICAL", GetSeverityRating(9.0))
}
