package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ortelius/pdvd-vulncorr/matcher"
	"github.com/ortelius/pdvd-vulncorr/model"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Required tables of the relational export. Others are ignored.
var requiredTables = []string{"vulnerability", "vulnerability_metadata"}

const vulnerabilityQuery = `
	SELECT id, package_name, namespace, package_qualifiers, version_constraint, version_format,
	       cpes, related_vulnerabilities, fixed_in_versions, fix_state, advisories
	FROM vulnerability`

const metadataQuery = `
	SELECT id, namespace, data_source, record_source, severity, urls, description, cvss
	FROM vulnerability_metadata`

// grypeCVSS is the JSON shape of one entry of the cvss column
type grypeCVSS struct {
	Source  string `json:"source"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Vector  string `json:"vector"`
	Metrics struct {
		BaseScore float64 `json:"base_score"`
	} `json:"metrics"`
}

type grypeReader struct {
	db            *sql.DB
	schemaVersion int
}

func openGrype(path string, schemaVersion int) (*grypeReader, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, importErr(ErrCorruptArchive, "opening %s: %v", DatabaseFile, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, importErr(ErrCorruptArchive, "opening %s: %v", DatabaseFile, err)
	}
	return &grypeReader{db: db, schemaVersion: schemaVersion}, nil
}

func (g *grypeReader) Close() error {
	return g.db.Close()
}

// checkSchema verifies the required tables and, when the id table is present,
// the schema version. It returns the export's build time.
func (g *grypeReader) checkSchema(ctx context.Context) (time.Time, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return time.Time{}, importErr(ErrCorruptArchive, "reading tables: %v", err)
	}
	tables := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return time.Time{}, importErr(ErrCorruptArchive, "reading tables: %v", err)
		}
		tables[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return time.Time{}, importErr(ErrCorruptArchive, "reading tables: %v", err)
	}

	for _, t := range requiredTables {
		if !tables[t] {
			return time.Time{}, importErr(ErrSchemaMismatch, "missing table %q", t)
		}
	}

	if !tables["id"] {
		return time.Time{}, nil
	}

	var built sql.NullString
	var version sql.NullInt64
	err = g.db.QueryRowContext(ctx, `SELECT build_timestamp, schema_version FROM id LIMIT 1`).Scan(&built, &version)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, importErr(ErrSchemaMismatch, "reading id table: %v", err)
	}
	if version.Valid && g.schemaVersion > 0 && int(version.Int64) != g.schemaVersion {
		return time.Time{}, importErr(ErrSchemaMismatch, "schema version %d, expected %d", version.Int64, g.schemaVersion)
	}
	return parseBuildTime(built.String), nil
}

func parseBuildTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// readVulnerabilities decodes every row, passing decode failures to skip
func (g *grypeReader) readVulnerabilities(ctx context.Context, emit func(model.Vulnerability), skip func(row int, err error)) (int, error) {
	rows, err := g.db.QueryContext(ctx, vulnerabilityQuery)
	if err != nil {
		return 0, importErr(ErrSchemaMismatch, "vulnerability table: %v", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
		var id, pkg, ns, qualifiers, constraint, format, cpes, related, fixed, fixState, advisories sql.NullString
		if err := rows.Scan(&id, &pkg, &ns, &qualifiers, &constraint, &format, &cpes, &related, &fixed, &fixState, &advisories); err != nil {
			skip(n, err)
			continue
		}

		v, err := decodeVulnerability(id, pkg, ns, qualifiers, constraint, format, cpes, related, fixed, fixState, advisories)
		if err != nil {
			skip(n, err)
			continue
		}
		emit(v)
	}
	if err := rows.Err(); err != nil {
		return n, importErr(ErrCorruptArchive, "vulnerability table: %v", err)
	}
	return n, nil
}

func decodeVulnerability(id, pkg, ns, qualifiers, constraint, format, cpes, related, fixed, fixState, advisories sql.NullString) (model.Vulnerability, error) {
	v := model.NewVulnerability()
	v.ID = strings.TrimSpace(id.String)
	v.PackageName = strings.TrimSpace(pkg.String)
	v.Namespace = strings.TrimSpace(ns.String)
	if v.ID == "" || v.Namespace == "" || v.PackageName == "" {
		return *v, fmt.Errorf("row lacks id, namespace or package name")
	}

	v.Ecosystem = matcher.EcosystemForNamespace(v.Namespace)
	v.VersionConstraint = strings.TrimSpace(constraint.String)
	v.RawFormat = format.String
	v.VersionFormat = model.ParseVersionFormat(format.String)
	v.FixState = model.ParseFixState(fixState.String)

	var err error
	if v.PackageQualifiers, err = decodeQualifiers(qualifiers.String); err != nil {
		return *v, fmt.Errorf("package_qualifiers: %w", err)
	}
	if err := decodeList(cpes.String, &v.CPEs); err != nil {
		return *v, fmt.Errorf("cpes: %w", err)
	}
	if err := decodeList(related.String, &v.RelatedVulnerabilities); err != nil {
		return *v, fmt.Errorf("related_vulnerabilities: %w", err)
	}
	if err := decodeList(fixed.String, &v.FixedInVersions); err != nil {
		return *v, fmt.Errorf("fixed_in_versions: %w", err)
	}
	if err := decodeList(advisories.String, &v.Advisories); err != nil {
		return *v, fmt.Errorf("advisories: %w", err)
	}
	return *v, nil
}

// decodeList decodes a JSON encoded list column. Empty and null columns leave out untouched.
func decodeList(raw string, out interface{}) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

func decodeQualifiers(raw string) ([]map[string]string, error) {
	var generic []map[string]interface{}
	if err := decodeList(raw, &generic); err != nil {
		return nil, err
	}
	if len(generic) == 0 {
		return nil, nil
	}
	out := make([]map[string]string, 0, len(generic))
	for _, q := range generic {
		m := make(map[string]string, len(q))
		for k, val := range q {
			m[k] = fmt.Sprint(val)
		}
		out = append(out, m)
	}
	return out, nil
}

// readMetadata decodes every metadata row, passing decode failures to skip
func (g *grypeReader) readMetadata(ctx context.Context, emit func(model.VulnerabilityMetadata), skip func(row int, err error)) (int, error) {
	rows, err := g.db.QueryContext(ctx, metadataQuery)
	if err != nil {
		return 0, importErr(ErrSchemaMismatch, "vulnerability_metadata table: %v", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
		var id, ns, dataSource, recordSource, severity, urls, description, cvss sql.NullString
		if err := rows.Scan(&id, &ns, &dataSource, &recordSource, &severity, &urls, &description, &cvss); err != nil {
			skip(n, err)
			continue
		}

		m := model.NewVulnerabilityMetadata()
		m.ID = strings.TrimSpace(id.String)
		m.Namespace = strings.TrimSpace(ns.String)
		if m.ID == "" || m.Namespace == "" {
			skip(n, fmt.Errorf("row lacks id or namespace"))
			continue
		}
		m.DataSource = dataSource.String
		m.RecordSource = recordSource.String
		m.Severity = model.ParseSeverity(severity.String)
		m.Description = description.String

		if err := decodeList(urls.String, &m.URLs); err != nil {
			skip(n, fmt.Errorf("urls: %w", err))
			continue
		}
		var scores []grypeCVSS
		if err := decodeList(cvss.String, &scores); err != nil {
			skip(n, fmt.Errorf("cvss: %w", err))
			continue
		}
		for _, c := range scores {
			m.CVSS = append(m.CVSS, model.CVSS{
				Source:    c.Source,
				Type:      c.Type,
				Version:   c.Version,
				Vector:    c.Vector,
				BaseScore: c.Metrics.BaseScore,
			})
		}
		emit(*m)
	}
	if err := rows.Err(); err != nil {
		return n, importErr(ErrCorruptArchive, "vulnerability_metadata table: %v", err)
	}
	return n, nil
}
