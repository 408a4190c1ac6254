// Package model - Severity ranks the impact of vulnerabilities, advisories and alerts.
package model

import (
	"encoding/json"
	"strings"

	"github.com/ortelius/pdvd-vulncorr/util"
)

// Severity is an ordered enum: unknown < low < medium < high < critical.
type Severity int

// Severity buckets
const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"unknown", "low", "medium", "high", "critical"}

// Severities lists every bucket from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityUnknown}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return severityNames[SeverityUnknown]
	}
	return severityNames[s]
}

// ParseSeverity maps feed spellings onto a bucket. Unrecognized values are unknown.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit", "very-high":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium", "med", "moderate":
		return SeverityMedium
	case "low", "negligible", "informational", "info":
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// SeverityFromScore buckets a CVSS base score. A zero score carries no information.
func SeverityFromScore(score float64) Severity {
	if score <= 0 {
		return SeverityUnknown
	}
	return ParseSeverity(util.GetSeverityRating(score))
}

// MarshalJSON stores the bucket name rather than its rank
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the bucket name or its numeric rank
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*s = ParseSeverity(name)
		return nil
	}

	var rank int
	if err := json.Unmarshal(data, &rank); err != nil {
		return err
	}
	if rank < 0 || rank >= len(severityNames) {
		rank = int(SeverityUnknown)
	}
	*s = Severity(rank)
	return nil
}
