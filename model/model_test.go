package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeverityAliases(t *testing.T) {
	cases := map[string]Severity{
		"Critical":      SeverityCritical,
		"very-high":     SeverityCritical,
		"HIGH":          SeverityHigh,
		"moderate":      SeverityMedium,
		"med":           SeverityMedium,
		"Negligible":    SeverityLow,
		"informational": SeverityLow,
		"none":          SeverityUnknown,
		"":              SeverityUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseSeverity(in), in)
	}
	assert.True(t, SeverityCritical > SeverityHigh)
	assert.True(t, SeverityLow > SeverityUnknown)
}

func TestSeverityJSON(t *testing.T) {
	b, err := json.Marshal(SeverityHigh)
	require.NoError(t, err)
	assert.Equal(t, `"high"`, string(b))

	var s Severity
	require.NoError(t, json.Unmarshal([]byte(`"moderate"`), &s))
	assert.Equal(t, SeverityMedium, s)
	require.NoError(t, json.Unmarshal([]byte(`4`), &s))
	assert.Equal(t, SeverityCritical, s)
}

func TestEffectiveSeverityFallsBackToCVSS(t *testing.T) {
	m := NewVulnerabilityMetadata()
	m.CVSS = []CVSS{{Version: "3.1", Vector: "AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H"}}
	assert.Equal(t, SeverityCritical, m.EffectiveSeverity())

	m.Severity = SeverityLow
	assert.Equal(t, SeverityLow, m.EffectiveSeverity())

	score, vector := m.BaseScore()
	assert.InDelta(t, 9.8, score, 0.001)
	assert.Equal(t, "AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H", vector)
}

func TestParseVersionFormatAndFixState(t *testing.T) {
	assert.Equal(t, FormatSemantic, ParseVersionFormat("semver"))
	assert.Equal(t, FormatSemantic, ParseVersionFormat("python"))
	assert.Equal(t, FormatUnstructured, ParseVersionFormat("dpkg"))
	assert.Equal(t, FormatUnstructured, ParseVersionFormat(""))

	assert.Equal(t, FixStateWontFix, ParseFixState("wont_fix"))
	assert.Equal(t, FixStateNotFixed, ParseFixState("not-fixed"))
	assert.Equal(t, FixStateUnknown, ParseFixState("whatever"))
}

func TestAlertLifecycle(t *testing.T) {
	now := time.Now().UTC()
	dep := Dependency{Key: "d1", SnapshotID: "s1", ComponentID: "c1", Version: "1.2.0"}
	a := NewAlert("CVE-1", "p1", dep, "CVE-1", now)
	assert.Equal(t, AlertNew, a.State)
	assert.True(t, a.State.Open())

	later := now.Add(time.Minute)
	require.NoError(t, a.Confirm(later))
	assert.Equal(t, AlertActive, a.State)
	assert.Equal(t, later, a.UpdatedAt)

	require.NoError(t, a.Confirm(later.Add(time.Minute)))
	assert.Equal(t, AlertActive, a.State)

	require.NoError(t, a.Resolve(later.Add(2*time.Minute)))
	assert.Equal(t, AlertResolved, a.State)
	require.NotNil(t, a.ResolvedAt)
	assert.False(t, a.State.Open())

	err := a.Confirm(later.Add(3 * time.Minute))
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, AlertResolved, a.State)

	assert.Equal(t, AlertKey{SnapshotID: "s1", DependencyID: "d1", AdvisoryID: "CVE-1"}, a.Triple())
	assert.Equal(t, DependencyKey{ComponentID: "c1", Version: "1.2.0"}, a.Finding().Dependency)
}

func TestAlertSummaryCounts(t *testing.T) {
	var s AlertSummary
	s.Add(AlertNew, SeverityCritical)
	s.Add(AlertActive, SeverityLow)
	s.Add(AlertActive, SeverityUnknown)
	s.Add(AlertResolved, SeverityHigh)

	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Count(SeverityCritical))
	assert.Equal(t, 0, s.Count(SeverityHigh))
	assert.Equal(t, 1, s.Unknown)
	assert.Equal(t, 1, s.New)
	assert.Equal(t, 2, s.Active)
	assert.Equal(t, 1, s.Resolved)

	var global AlertSummary
	global.Merge(s)
	global.Merge(s)
	assert.Equal(t, 6, global.Total)
	assert.Equal(t, 2, global.Critical)
}

func TestComponentTypeAndNormalize(t *testing.T) {
	assert.Equal(t, ComponentLibrary, ParseComponentType(""))
	assert.Equal(t, ComponentApplication, ParseComponentType("app"))
	assert.Equal(t, ComponentOperatingSystem, ParseComponentType("OS"))
	assert.Equal(t, ComponentUnknown, ParseComponentType("gizmo"))

	o, err := ObservedComponent{Ecosystem: "PyPI", Name: " requests ", Version: "2.0.0"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "pypi", o.Ecosystem)
	assert.Equal(t, "requests", o.Name)

	o, err = ObservedComponent{Purl: "pkg:maven/org.apache.logging.log4j/log4j-core@2.14.1"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "maven", o.Ecosystem)
	assert.Equal(t, "org.apache.logging.log4j", o.Namespace)
	assert.Equal(t, "2.14.1", o.Version)
	assert.Equal(t, "org.apache.logging.log4j:log4j-core", o.Component().PackageName())

	o, err = ObservedComponent{Name: "thing"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "generic", o.Ecosystem)

	_, err = ObservedComponent{Ecosystem: "npm"}.Normalize()
	assert.True(t, errors.Is(err, ErrInvalidComponent))
}

func TestAdvisorySource(t *testing.T) {
	assert.Equal(t, SourceNVD, AdvisorySourceFromRecordSource("nvdv2:nvdv2:cves"))
	assert.Equal(t, SourceGitHub, AdvisorySourceFromRecordSource("github:github:npm"))
	assert.Equal(t, SourceAlpine, AdvisorySourceFromRecordSource("vulnerabilities:alpine:3.18"))
	assert.Equal(t, SourceRedHat, AdvisorySourceFromRecordSource("vulnerabilities:rhel:8"))
	assert.Equal(t, SourceAnchore, AdvisorySourceFromRecordSource("something-else"))

	assert.Equal(t, "https://nvd.nist.gov/vuln/detail/CVE-1", DefaultAdvisoryURL(SourceNVD, "CVE-1"))
	assert.Empty(t, DefaultAdvisoryURL(SourceDebian, "CVE-1"))

	adv := NewAdvisory("CVE-1", SourceNVD, SeverityHigh)
	assert.True(t, adv.AddVulnerability(RelatedVulnerability{ID: "CVE-1", Namespace: "npm"}))
	assert.False(t, adv.AddVulnerability(RelatedVulnerability{ID: "CVE-1", Namespace: "npm"}))
	assert.Len(t, adv.Vulnerabilities, 1)
}
