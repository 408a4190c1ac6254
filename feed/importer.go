// Package feed imports vulnerability feed archives into the vulnerability store.
//
// Two layouts are understood and told apart by their magic bytes: the Grype
// gzip'd tarball carrying a SQLite export, and the OSV zip of JSON documents.
package feed

import (
	"bufio"
	"context"
	"io"
	"os"
	"sort"
	"time"

	"github.com/ortelius/pdvd-vulncorr/internal/metrics"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/store"
	"go.uber.org/zap"
)

// Defaults for Options
const (
	DefaultSchemaVersion   = 5
	DefaultMaxInvalidRatio = 0.05
)

// Options tune an Importer
type Options struct {
	// SchemaVersion the Grype id table must carry. Zero accepts any.
	SchemaVersion int
	// MaxInvalidRatio is the share of undecodable rows tolerated before the
	// import fails. Zero tolerates none; a negative value selects DefaultMaxInvalidRatio.
	MaxInvalidRatio float64
	// WorkDir holds extracted archives while importing. Empty means the system temp dir.
	WorkDir string
}

// ImportResult describes a finished import
type ImportResult struct {
	Format          Format    `json:"format"`
	SchemaVersion   int       `json:"schema_version"`
	BuildTimestamp  time.Time `json:"build_timestamp"`
	Vulnerabilities int       `json:"vulnerabilities"`
	Metadata        int       `json:"metadata"`
	Skipped         int       `json:"skipped"`
	Duplicates      int       `json:"duplicates"`
	Namespaces      []string  `json:"namespaces"`
}

// Importer turns archives into store upserts
type Importer struct {
	store   store.VulnerabilityStore
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewImporter creates an importer. logger and m may be nil.
func NewImporter(s store.VulnerabilityStore, opts Options, logger *zap.Logger, m *metrics.Metrics) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxInvalidRatio < 0 {
		opts.MaxInvalidRatio = DefaultMaxInvalidRatio
	}
	return &Importer{store: s, opts: opts, logger: logger, metrics: m}
}

// batch collects decoded records grouped by namespace, deduplicated by natural key
type batch struct {
	vulns      map[string]map[string]model.Vulnerability
	meta       map[string]map[string]model.VulnerabilityMetadata
	rows       int
	skipped    int
	duplicates int
}

func newBatch() *batch {
	return &batch{
		vulns: map[string]map[string]model.Vulnerability{},
		meta:  map[string]map[string]model.VulnerabilityMetadata{},
	}
}

func (b *batch) addVulnerability(v model.Vulnerability) {
	v.Key = v.RecordKey()
	ns := b.vulns[v.Namespace]
	if ns == nil {
		ns = map[string]model.Vulnerability{}
		b.vulns[v.Namespace] = ns
	}
	if _, dup := ns[v.Key]; dup {
		b.duplicates++
	}
	ns[v.Key] = v
}

func (b *batch) addMetadata(m model.VulnerabilityMetadata) {
	m.Key = m.RecordKey()
	ns := b.meta[m.Namespace]
	if ns == nil {
		ns = map[string]model.VulnerabilityMetadata{}
		b.meta[m.Namespace] = ns
	}
	if _, dup := ns[m.Key]; dup {
		b.duplicates++
	}
	ns[m.Key] = m
}

func (b *batch) namespaces() []string {
	seen := map[string]bool{}
	for ns := range b.vulns {
		seen[ns] = true
	}
	for ns := range b.meta {
		seen[ns] = true
	}
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// ImportFile imports the archive at path
func (im *Importer) ImportFile(ctx context.Context, path string) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, importErr(ErrCorruptArchive, "opening %s: %v", path, err)
	}
	defer f.Close()
	return im.Import(ctx, f)
}

// Import reads an archive and upserts its records one namespace at a time.
// Nothing is written when the archive is unreadable or too many rows fail to decode.
func (im *Importer) Import(ctx context.Context, r io.Reader) (*ImportResult, error) {
	res, err := im.importArchive(ctx, r)
	if err != nil {
		im.logger.Sugar().Errorf("Feed import failed: %v", err)
		im.metrics.ObserveImport("failed", 0, -1)
		return nil, err
	}

	total, err := im.store.CountVulnerabilities(ctx)
	if err != nil {
		total = -1
	}
	im.metrics.ObserveImport("success", res.Skipped, total)
	im.logger.Sugar().Infof("Imported %s feed: %d vulnerabilities, %d metadata rows across %d namespaces (%d skipped, %d duplicates)",
		res.Format, res.Vulnerabilities, res.Metadata, len(res.Namespaces), res.Skipped, res.Duplicates)
	return res, nil
}

func (im *Importer) importArchive(ctx context.Context, r io.Reader) (*ImportResult, error) {
	br := bufio.NewReader(r)
	format, err := sniff(br)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(im.opts.WorkDir, "vulncorr-import-")
	if err != nil {
		return nil, importErr(ErrCorruptArchive, "creating work dir: %v", err)
	}
	defer os.RemoveAll(dir)

	b := newBatch()
	skip := func(row int, err error) {
		b.skipped++
		im.logger.Sugar().Warnf("Skipping feed row %d: %v", row, err)
	}

	res := &ImportResult{Format: format}
	switch format {
	case FormatGrype:
		if err := im.readGrype(ctx, br, dir, b, skip, res); err != nil {
			return nil, err
		}
	case FormatOSV:
		file, err := spool(br, dir, "osv-*.zip")
		if err != nil {
			return nil, importErr(ErrCorruptArchive, "spooling zip: %v", err)
		}
		n, err := readOSV(file, b.addVulnerability, b.addMetadata, skip)
		if err != nil {
			return nil, err
		}
		b.rows = n
	}

	if b.rows > 0 && float64(b.skipped)/float64(b.rows) > im.opts.MaxInvalidRatio {
		return nil, importErr(ErrTooManyInvalidRows, "%d of %d rows invalid, limit %.2f%%",
			b.skipped, b.rows, im.opts.MaxInvalidRatio*100)
	}

	if err := im.write(ctx, b); err != nil {
		return nil, err
	}

	res.Namespaces = b.namespaces()
	res.Skipped = b.skipped
	res.Duplicates = b.duplicates
	for _, ns := range b.vulns {
		res.Vulnerabilities += len(ns)
	}
	for _, ns := range b.meta {
		res.Metadata += len(ns)
	}
	return res, nil
}

func (im *Importer) readGrype(ctx context.Context, r io.Reader, dir string, b *batch, skip func(int, error), res *ImportResult) error {
	dbPath, err := extractDatabase(r, dir)
	if err != nil {
		return err
	}

	g, err := openGrype(dbPath, im.opts.SchemaVersion)
	if err != nil {
		return err
	}
	defer g.Close()

	built, err := g.checkSchema(ctx)
	if err != nil {
		return err
	}
	res.BuildTimestamp = built
	res.SchemaVersion = im.opts.SchemaVersion

	nv, err := g.readVulnerabilities(ctx, b.addVulnerability, skip)
	if err != nil {
		return err
	}
	nm, err := g.readMetadata(ctx, b.addMetadata, skip)
	if err != nil {
		return err
	}
	b.rows = nv + nm
	return nil
}

// write upserts each namespace as its own atomic batch
func (im *Importer) write(ctx context.Context, b *batch) error {
	for _, ns := range b.namespaces() {
		if err := ctx.Err(); err != nil {
			return importErr(ErrCanceled, "before namespace %s: %w", ns, err)
		}

		vulns := make([]model.Vulnerability, 0, len(b.vulns[ns]))
		for _, v := range b.vulns[ns] {
			vulns = append(vulns, v)
		}
		sort.Slice(vulns, func(i, j int) bool { return vulns[i].Key < vulns[j].Key })

		meta := make([]model.VulnerabilityMetadata, 0, len(b.meta[ns]))
		for _, m := range b.meta[ns] {
			meta = append(meta, m)
		}
		sort.Slice(meta, func(i, j int) bool { return meta[i].Key < meta[j].Key })

		if err := im.store.UpsertNamespace(ctx, ns, vulns, meta); err != nil {
			if ctx.Err() != nil {
				return importErr(ErrCanceled, "namespace %s: %w", ns, err)
			}
			return importErr(ErrStoreUnavailable, "namespace %s: %w", ns, err)
		}
		im.logger.Sugar().Debugf("Upserted namespace %s: %d vulnerabilities, %d metadata", ns, len(vulns), len(meta))
	}
	return nil
}
