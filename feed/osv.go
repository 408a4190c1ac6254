package feed

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/osv-scanner/pkg/models"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/util"
)

// osvRecord is the subset of an OSV document the importer reads. Timestamps are
// kept as strings so one odd date does not cost the whole record.
type osvRecord struct {
	ID        string            `json:"id"`
	Modified  string            `json:"modified"`
	Withdrawn string            `json:"withdrawn"`
	Aliases   []string          `json:"aliases"`
	Summary   string            `json:"summary"`
	Details   string            `json:"details"`
	Affected  []models.Affected `json:"affected"`
	Severity  []struct {
		Type  string `json:"type"`
		Score string `json:"score"`
	} `json:"severity"`
	References []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"references"`
	DatabaseSpecific map[string]interface{} `json:"database_specific"`
}

// readOSV walks an OSV zip export. Each top level JSON entry is one record.
func readOSV(file string, emit func(model.Vulnerability), emitMeta func(model.VulnerabilityMetadata), skip func(row int, err error)) (int, error) {
	zr, err := zip.OpenReader(file)
	if err != nil {
		return 0, importErr(ErrCorruptArchive, "zip: %v", err)
	}
	defer zr.Close()

	n := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.Contains(f.Name, "/") || path.Ext(f.Name) != ".json" {
			continue
		}
		n++

		rec, err := decodeOSVEntry(f)
		if err != nil {
			skip(n, fmt.Errorf("%s: %w", f.Name, err))
			continue
		}
		if rec.Withdrawn != "" {
			continue
		}

		vulns, metas := osvToRecords(rec)
		if len(vulns) == 0 {
			skip(n, fmt.Errorf("%s: no usable affected packages", f.Name))
			continue
		}
		for _, v := range vulns {
			emit(v)
		}
		for _, m := range metas {
			emitMeta(m)
		}
	}
	return n, nil
}

func decodeOSVEntry(f *zip.File) (*osvRecord, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var rec osvRecord
	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return nil, fmt.Errorf("record has no id")
	}
	return &rec, nil
}

// osvToRecords yields one vulnerability per affected package and one metadata
// row per namespace the record touches.
func osvToRecords(rec *osvRecord) ([]model.Vulnerability, []model.VulnerabilityMetadata) {
	var vulns []model.Vulnerability
	namespaces := map[string]string{} // namespace -> upstream ecosystem

	for _, aff := range rec.Affected {
		purlType, name := osvPackage(aff)
		if purlType == "" || name == "" {
			continue
		}
		ns := "osv:" + purlType

		v := model.NewVulnerability()
		v.ID = rec.ID
		v.Namespace = ns
		v.Ecosystem = purlType
		v.PackageName = name
		v.FixState = model.FixStateUnknown

		constraint, fixed := osvRangeConstraint(aff.Ranges)
		switch {
		case constraint != "":
			v.VersionConstraint = constraint
			v.VersionFormat = model.FormatSemantic
			v.RawFormat = "osv-range"
		case len(aff.Versions) > 0:
			v.VersionConstraint = strings.Join(aff.Versions, ", ")
			v.VersionFormat = model.FormatUnstructured
			v.RawFormat = "osv-versions"
		default:
			continue
		}
		if len(fixed) > 0 {
			v.FixedInVersions = fixed
			v.FixState = model.FixStateFixed
		}

		for _, alias := range rec.Aliases {
			relNS := ns
			if strings.HasPrefix(alias, "CVE-") {
				relNS = "nvd:cpe"
			}
			v.RelatedVulnerabilities = append(v.RelatedVulnerabilities, model.RelatedVulnerability{ID: alias, Namespace: relNS})
		}
		for _, ref := range rec.References {
			if ref.Type == "ADVISORY" && ref.URL != "" {
				v.Advisories = append(v.Advisories, model.AdvisoryReference{ID: rec.ID, Link: ref.URL})
			}
		}

		vulns = append(vulns, *v)
		namespaces[ns] = string(aff.Package.Ecosystem)
	}

	metas := make([]model.VulnerabilityMetadata, 0, len(namespaces))
	for ns, eco := range namespaces {
		metas = append(metas, osvMetadata(rec, ns, eco))
	}
	return vulns, metas
}

// osvPackage resolves the PURL type and package name, preferring the PURL
func osvPackage(aff models.Affected) (string, string) {
	if aff.Package.Purl != "" {
		if cleaned, err := util.CleanPURL(aff.Package.Purl); err == nil {
			if p, err := util.ParsePURL(cleaned); err == nil && p.Name != "" {
				return p.Type, model.PackageName(p.Type, p.Namespace, p.Name)
			}
		}
	}
	eco := strings.TrimSpace(string(aff.Package.Ecosystem))
	if eco == "" {
		return "", ""
	}
	return util.EcosystemToPurlType(eco), strings.TrimSpace(aff.Package.Name)
}

// osvRangeConstraint turns ECOSYSTEM and SEMVER ranges into an OR of AND-ed bounds:
//
//	introduced 1.0.0, fixed 1.2.3  ->  >=1.0.0, <1.2.3
//	introduced 0, last_affected 2  ->  <=2
//
// It also returns every fixed version seen.
func osvRangeConstraint(ranges []models.Range) (string, []string) {
	var segments, fixed []string

	for _, r := range ranges {
		if r.Type != models.RangeEcosystem && r.Type != models.RangeSemVer {
			continue
		}

		var current []string
		open := false
		closeSegment := func(bound string) {
			if bound != "" {
				current = append(current, bound)
			}
			if len(current) == 0 {
				current = append(current, ">=0")
			}
			segments = append(segments, strings.Join(current, ", "))
			current = nil
			open = false
		}

		for _, e := range r.Events {
			switch {
			case e.Introduced != "":
				if open {
					closeSegment("")
				}
				open = true
				if e.Introduced != "0" {
					current = append(current, ">="+e.Introduced)
				}
			case e.Fixed != "":
				fixed = append(fixed, e.Fixed)
				closeSegment("<" + e.Fixed)
			case e.LastAffected != "":
				closeSegment("<=" + e.LastAffected)
			}
		}
		if open {
			closeSegment("")
		}
	}
	return strings.Join(segments, " || "), fixed
}

func osvMetadata(rec *osvRecord, ns, ecosystem string) model.VulnerabilityMetadata {
	m := model.NewVulnerabilityMetadata()
	m.ID = rec.ID
	m.Namespace = ns
	m.DataSource = "https://osv.dev/vulnerability/" + rec.ID
	m.RecordSource = "osv:" + strings.ToLower(ecosystem)
	m.Description = rec.Summary
	if m.Description == "" {
		m.Description = rec.Details
	}
	for _, ref := range rec.References {
		if ref.URL != "" {
			m.URLs = append(m.URLs, ref.URL)
		}
	}

	for _, s := range rec.Severity {
		if !strings.HasPrefix(s.Type, "CVSS_") || s.Score == "" {
			continue
		}
		c := model.CVSS{Source: "osv", Type: "Primary", Vector: s.Score}
		if strings.HasPrefix(s.Score, "CVSS:") {
			c.Version = strings.TrimPrefix(strings.SplitN(s.Score, "/", 2)[0], "CVSS:")
		}
		c.BaseScore = util.CalculateCVSSScore(s.Score)
		m.CVSS = append(m.CVSS, c)
	}

	if sev, ok := rec.DatabaseSpecific["severity"].(string); ok {
		m.Severity = model.ParseSeverity(sev)
	}
	if m.Severity == model.SeverityUnknown {
		m.Severity = m.EffectiveSeverity()
	}
	return *m
}
