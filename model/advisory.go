// Package model - Advisories aggregate the vulnerabilities raised against dependencies.
package model

import (
	"strings"
	"time"
)

// AdvisorySource is the provenance of an advisory
type AdvisorySource string

// Advisory sources
const (
	SourceNVD        AdvisorySource = "nvd"
	SourceGitHub     AdvisorySource = "github"
	SourceAlpine     AdvisorySource = "alpine"
	SourceDebian     AdvisorySource = "debian"
	SourceUbuntu     AdvisorySource = "ubuntu"
	SourceRedHat     AdvisorySource = "redhat"
	SourceWolfi      AdvisorySource = "wolfi"
	SourceChainguard AdvisorySource = "chainguard"
	SourceOSV        AdvisorySource = "osv"
	SourceAnchore    AdvisorySource = "anchore"
	SourceCurated    AdvisorySource = "curated"
)

// AdvisorySourceFromRecordSource maps a metadata record_source onto its provenance
func AdvisorySourceFromRecordSource(recordSource string) AdvisorySource {
	rs := strings.ToLower(recordSource)
	switch {
	case strings.HasPrefix(rs, "nvdv2:") || strings.HasPrefix(rs, "nvd:"):
		return SourceNVD
	case strings.HasPrefix(rs, "github:"):
		return SourceGitHub
	case strings.HasPrefix(rs, "osv:"):
		return SourceOSV
	case strings.HasPrefix(rs, "vulnerabilities:alpine:"):
		return SourceAlpine
	case strings.HasPrefix(rs, "vulnerabilities:debian:"):
		return SourceDebian
	case strings.HasPrefix(rs, "vulnerabilities:ubuntu:"):
		return SourceUbuntu
	case strings.HasPrefix(rs, "vulnerabilities:rhel:"):
		return SourceRedHat
	case strings.HasPrefix(rs, "vulnerabilities:wolfi:"):
		return SourceWolfi
	case strings.HasPrefix(rs, "vulnerabilities:chainguard:"):
		return SourceChainguard
	default:
		return SourceAnchore
	}
}

// DefaultAdvisoryURL is the canonical page for an advisory, or "" when the source has none
func DefaultAdvisoryURL(source AdvisorySource, name string) string {
	switch source {
	case SourceNVD:
		return "https://nvd.nist.gov/vuln/detail/" + name
	case SourceGitHub:
		return "https://github.com/advisories/" + name
	case SourceOSV:
		return "https://osv.dev/vulnerability/" + name
	default:
		return ""
	}
}

// Advisory is the human-facing record an alert points at. Keyed by name.
type Advisory struct {
	Key             string                 `json:"_key,omitempty"`
	Name            string                 `json:"name"`
	Source          AdvisorySource         `json:"source"`
	Severity        Severity               `json:"severity"`
	Description     string                 `json:"description,omitempty"`
	URLs            []string               `json:"urls,omitempty"`
	CVSSScore       float64                `json:"cvss_score,omitempty"`
	CVSSVector      string                 `json:"cvss_vector,omitempty"`
	DataSource      string                 `json:"data_source,omitempty"`
	Curated         bool                   `json:"curated"`
	Suppressed      bool                   `json:"suppressed"`
	Vulnerabilities []RelatedVulnerability `json:"vulnerabilities,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	ObjType         string                 `json:"objtype,omitempty"`
}

// NewAdvisory creates an auto-derived advisory
func NewAdvisory(name string, source AdvisorySource, severity Severity) *Advisory {
	now := time.Now().UTC()
	return &Advisory{
		ObjType:   "Advisory",
		Name:      name,
		Source:    source,
		Severity:  severity,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddVulnerability records a matched vulnerability reference once
func (a *Advisory) AddVulnerability(ref RelatedVulnerability) bool {
	for _, v := range a.Vulnerabilities {
		if v == ref {
			return false
		}
	}
	a.Vulnerabilities = append(a.Vulnerabilities, ref)
	return true
}
