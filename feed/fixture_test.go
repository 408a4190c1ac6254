package feed

import (
	"archive/tar"
	"archive/zip"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// grypeFixture describes a vulnerability.db to build
type grypeFixture struct {
	schemaVersion int // zero leaves out the id table
	built         string
	vulns         [][]interface{}
	meta          [][]interface{}
	skipMetadata  bool
}

// vulnRow orders columns as the vulnerability table declares them
func vulnRow(id, pkg, ns, constraint, format, fixed, fixState string) []interface{} {
	return []interface{}{id, pkg, ns, nil, constraint, format, "[]", "[]", fixed, fixState, "[]"}
}

func metaRow(id, ns, severity, cvss string) []interface{} {
	return []interface{}{id, ns, "https://example.test/" + id, "nvdv2:nvdv2:cves", severity, `["https://example.test/` + id + `"]`, "test vulnerability " + id, cvss}
}

func leftPadFixture() grypeFixture {
	return grypeFixture{
		schemaVersion: 5,
		built:         "2024-03-01T00:00:00Z",
		vulns: [][]interface{}{
			vulnRow("CVE-TEST-1", "left-pad", "npm", "< 1.3.0", "semver", `["1.3.0"]`, "fixed"),
			vulnRow("CVE-TEST-2", "openssl", "debian:distro:debian:12", "< 3.0.11-1", "dpkg", `["3.0.11-1"]`, "fixed"),
		},
		meta: [][]interface{}{
			metaRow("CVE-TEST-1", "npm", "High", "[]"),
			metaRow("CVE-TEST-2", "debian:distro:debian:12", "",
				`[{"version":"3.1","vector":"CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H","metrics":{"base_score":9.8},"source":"nvd@nist.gov","type":"Primary"}]`),
		},
	}
}

func writeGrypeDB(t *testing.T, path string, fx grypeFixture) {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	stmts := []string{
		`CREATE TABLE vulnerability (id TEXT, package_name TEXT, namespace TEXT, package_qualifiers TEXT,
			version_constraint TEXT, version_format TEXT, cpes TEXT, related_vulnerabilities TEXT,
			fixed_in_versions TEXT, fix_state TEXT, advisories TEXT)`,
	}
	if !fx.skipMetadata {
		stmts = append(stmts, `CREATE TABLE vulnerability_metadata (id TEXT, namespace TEXT, data_source TEXT,
			record_source TEXT, severity TEXT, urls TEXT, description TEXT, cvss TEXT)`)
	}
	if fx.schemaVersion > 0 {
		stmts = append(stmts, `CREATE TABLE id (build_timestamp DATETIME, schema_version INTEGER)`)
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}

	if fx.schemaVersion > 0 {
		_, err := db.Exec(`INSERT INTO id VALUES (?, ?)`, fx.built, fx.schemaVersion)
		require.NoError(t, err)
	}
	for _, row := range fx.vulns {
		_, err := db.Exec(`INSERT INTO vulnerability VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, row...)
		require.NoError(t, err)
	}
	for _, row := range fx.meta {
		_, err := db.Exec(`INSERT INTO vulnerability_metadata VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, row...)
		require.NoError(t, err)
	}
}

// writeGrypeArchive packs a fixture database as a gzip'd tar and returns its path
func writeGrypeArchive(t *testing.T, fx grypeFixture) string {
	t.Helper()
	dir := t.TempDir()

	dbPath := filepath.Join(dir, DatabaseFile)
	writeGrypeDB(t, dbPath, fx)
	content, err := os.ReadFile(dbPath)
	require.NoError(t, err)

	archive := filepath.Join(dir, "vulnerability-db.tar.gz")
	out, err := os.Create(archive)
	require.NoError(t, err)
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	metadata := []byte(`{"built":"` + fx.built + `","version":5}`)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "metadata.json", Mode: 0o600, Size: int64(len(metadata)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(metadata)
	require.NoError(t, err)

	require.NoError(t, tw.WriteHeader(&tar.Header{Name: DatabaseFile, Mode: 0o600, Size: int64(len(content)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(content)
	require.NoError(t, err)

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return archive
}

// writeOSVArchive zips one JSON document per record
func writeOSVArchive(t *testing.T, records map[string]interface{}) string {
	t.Helper()

	archive := filepath.Join(t.TempDir(), "all.zip")
	out, err := os.Create(archive)
	require.NoError(t, err)
	defer out.Close()

	zw := zip.NewWriter(out)
	for name, rec := range records {
		w, err := zw.Create(name)
		require.NoError(t, err)
		require.NoError(t, json.NewEncoder(w).Encode(rec))
	}
	require.NoError(t, zw.Close())
	return archive
}
