package feed

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// Format identifies the layout of a feed archive
type Format string

// Supported archive layouts
const (
	FormatGrype Format = "grype" // gzip'd tar carrying vulnerability.db
	FormatOSV   Format = "osv"   // zip of OSV JSON documents
)

// DatabaseFile is the SQLite export inside a Grype archive
const DatabaseFile = "vulnerability.db"

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte("PK\x03\x04")
)

// sniff peeks at the stream and reports its layout without consuming it
func sniff(r *bufio.Reader) (Format, error) {
	head, err := r.Peek(4)
	if err != nil && len(head) < 2 {
		return "", importErr(ErrCorruptArchive, "archive too short: %v", err)
	}
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return FormatGrype, nil
	case bytes.HasPrefix(head, zipMagic):
		return FormatOSV, nil
	default:
		return "", importErr(ErrCorruptArchive, "unrecognized archive header % x", head)
	}
}

// extractDatabase unpacks vulnerability.db from a gzip'd tar into dir.
// Other entries are ignored.
func extractDatabase(r io.Reader, dir string) (string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return "", importErr(ErrCorruptArchive, "gzip: %v", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return "", importErr(ErrSchemaMismatch, "archive has no %s", DatabaseFile)
		}
		if err != nil {
			return "", importErr(ErrCorruptArchive, "tar: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != DatabaseFile {
			continue
		}

		dest := filepath.Join(dir, DatabaseFile)
		if err := writeFile(dest, tr); err != nil {
			return "", importErr(ErrCorruptArchive, "extracting %s: %v", hdr.Name, err)
		}
		return dest, nil
	}
}

// spool copies a stream to a temporary file in dir
func spool(r io.Reader, dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), f.Close()
}

func writeFile(dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
