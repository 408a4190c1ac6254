// Package model - Vulnerability records and metadata as normalized from an upstream feed.
package model

import (
	"strings"
	"time"

	"github.com/ortelius/pdvd-vulncorr/util"
)

// VersionFormat tags how a vulnerability's constraint expression is evaluated
type VersionFormat string

// Supported constraint formats
const (
	FormatSemantic     VersionFormat = "semantic-version"
	FormatUnstructured VersionFormat = "unstructured"
)

// ParseVersionFormat maps an upstream format tag onto a constraint format.
// Orderable ecosystems are semantic; everything else is compared as opaque strings.
func ParseVersionFormat(s string) VersionFormat {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "semver", "semantic", "semantic-version", "golang", "go", "npm", "python", "pep440", "gem", "maven":
		return FormatSemantic
	default:
		return FormatUnstructured
	}
}

// FixState classifies whether a fix is available for a vulnerability
type FixState string

// Fix states
const (
	FixStateFixed    FixState = "fixed"
	FixStateNotFixed FixState = "not-fixed"
	FixStateWontFix  FixState = "wont-fix"
	FixStateUnknown  FixState = "unknown"
)

// ParseFixState normalizes the upstream fix_state column
func ParseFixState(s string) FixState {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "fixed":
		return FixStateFixed
	case "not-fixed", "notfixed":
		return FixStateNotFixed
	case "wont-fix", "wontfix":
		return FixStateWontFix
	default:
		return FixStateUnknown
	}
}

// RelatedVulnerability points at an alias of a vulnerability in another namespace
type RelatedVulnerability struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
}

// AdvisoryReference is a vendor advisory attached to a vulnerability record
type AdvisoryReference struct {
	ID   string `json:"id"`
	Link string `json:"link"`
}

// Vulnerability is one affected-package record of a feed.
// Identity is (namespace, identifier, package name); re-import replaces by that key.
type Vulnerability struct {
	Key                    string                 `json:"_key,omitempty"`
	ID                     string                 `json:"id"`
	Namespace              string                 `json:"namespace"`
	Ecosystem              string                 `json:"ecosystem"`
	PackageName            string                 `json:"package_name"`
	PackageQualifiers      []map[string]string    `json:"package_qualifiers,omitempty"`
	VersionConstraint      string                 `json:"version_constraint"`
	VersionFormat          VersionFormat          `json:"version_format"`
	RawFormat              string                 `json:"raw_format,omitempty"`
	CPEs                   []string               `json:"cpes,omitempty"`
	RelatedVulnerabilities []RelatedVulnerability `json:"related_vulnerabilities,omitempty"`
	FixedInVersions        []string               `json:"fixed_in_versions,omitempty"`
	FixState               FixState               `json:"fix_state"`
	Advisories             []AdvisoryReference    `json:"advisories,omitempty"`
	ObjType                string                 `json:"objtype,omitempty"`
}

// NewVulnerability creates a vulnerability with defaults
func NewVulnerability() *Vulnerability {
	return &Vulnerability{
		ObjType:       "Vulnerability",
		VersionFormat: FormatUnstructured,
		FixState:      FixStateUnknown,
	}
}

// RecordKey is the natural key used for upserts
func (v Vulnerability) RecordKey() string {
	return util.SanitizeKey(v.Namespace + ":" + v.ID + ":" + strings.ToLower(v.PackageName))
}

// CVSS is a single scoring entry carried by vulnerability metadata
type CVSS struct {
	Source    string  `json:"source,omitempty"`
	Type      string  `json:"type,omitempty"`
	Version   string  `json:"version,omitempty"`
	Vector    string  `json:"vector"`
	BaseScore float64 `json:"base_score"`
}

// Score returns the recorded base score, computing it from the vector when absent
func (c CVSS) Score() float64 {
	if c.BaseScore > 0 {
		return c.BaseScore
	}
	vector := c.Vector
	if !strings.HasPrefix(vector, "CVSS:") && c.Version != "" {
		vector = "CVSS:" + c.Version + "/" + vector
	}
	return util.CalculateCVSSScore(vector)
}

// VulnerabilityMetadata enriches vulnerabilities sharing its (identifier, namespace)
type VulnerabilityMetadata struct {
	Key          string   `json:"_key,omitempty"`
	ID           string   `json:"id"`
	Namespace    string   `json:"namespace"`
	DataSource   string   `json:"data_source,omitempty"`
	RecordSource string   `json:"record_source,omitempty"`
	Severity     Severity `json:"severity"`
	Description  string   `json:"description,omitempty"`
	URLs         []string `json:"urls,omitempty"`
	CVSS         []CVSS   `json:"cvss,omitempty"`
	ObjType      string   `json:"objtype,omitempty"`
}

// NewVulnerabilityMetadata creates a metadata record with defaults
func NewVulnerabilityMetadata() *VulnerabilityMetadata {
	return &VulnerabilityMetadata{
		ObjType:  "VulnerabilityMetadata",
		Severity: SeverityUnknown,
	}
}

// RecordKey is the natural key used for upserts
func (m VulnerabilityMetadata) RecordKey() string {
	return util.SanitizeKey(m.Namespace + ":" + m.ID)
}

// BaseScore returns the highest CVSS base score and its vector
func (m VulnerabilityMetadata) BaseScore() (float64, string) {
	var best float64
	var vector string
	for _, c := range m.CVSS {
		if score := c.Score(); score > best {
			best = score
			vector = c.Vector
		}
	}
	return best, vector
}

// EffectiveSeverity is the feed severity, falling back to the CVSS rating when the feed has none
func (m VulnerabilityMetadata) EffectiveSeverity() Severity {
	if m.Severity != SeverityUnknown {
		return m.Severity
	}
	score, _ := m.BaseScore()
	return SeverityFromScore(score)
}

// FeedState is the high-water mark of the last successful import of a feed source
type FeedState struct {
	Key             string    `json:"_key,omitempty"`
	Source          string    `json:"source"`
	Format          string    `json:"format"`
	SchemaVersion   int       `json:"schema_version"`
	BuildTimestamp  time.Time `json:"build_timestamp"`
	Checksum        string    `json:"checksum,omitempty"`
	Vulnerabilities int       `json:"vulnerabilities"`
	Metadata        int       `json:"metadata"`
	ImportedAt      time.Time `json:"imported_at"`
	ObjType         string    `json:"objtype,omitempty"`
}
