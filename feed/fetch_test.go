package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ortelius/pdvd-vulncorr/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// feedServer publishes one archive behind a listing document
type feedServer struct {
	*httptest.Server
	downloads atomic.Int32
	checksum  string
	built     time.Time
}

func newFeedServer(t *testing.T, archive string) *feedServer {
	t.Helper()

	content, err := os.ReadFile(archive)
	require.NoError(t, err)
	sum := sha256.Sum256(content)

	fs := &feedServer{
		checksum: "sha256:" + hex.EncodeToString(sum[:]),
		built:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/listing.json", func(w http.ResponseWriter, r *http.Request) {
		listing := Listing{Available: map[string][]ListingEntry{
			"5": {
				{Built: fs.built.Add(-24 * time.Hour), Version: 5, URL: "/old.tar.gz", Checksum: "sha256:00"},
				{Built: fs.built, Version: 5, URL: "/db.tar.gz", Checksum: fs.checksum},
			},
		}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(listing)
	})
	mux.HandleFunc("/db.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		fs.downloads.Add(1)
		_, _ = w.Write(content)
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func TestListingLatest(t *testing.T) {
	now := time.Now()
	l := Listing{Available: map[string][]ListingEntry{
		"5": {{Built: now.Add(-time.Hour), URL: "a"}, {Built: now, URL: "b"}, {Built: now.Add(-2 * time.Hour), URL: "c"}},
	}}

	e, ok := l.Latest(5)
	require.True(t, ok)
	assert.Equal(t, "b", e.URL)

	_, ok = l.Latest(6)
	assert.False(t, ok)
}

func TestRefreshFromListing(t *testing.T) {
	ctx := context.Background()
	srv := newFeedServer(t, writeGrypeArchive(t, leftPadFixture()))

	s := store.NewMemory()
	im := newTestImporter(s, Options{WorkDir: t.TempDir()})
	f := NewFetcher(srv.URL+"/listing.json", im, s, srv.Client(), 0, zap.NewNop())

	res, imported, err := f.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, imported)
	assert.Equal(t, 2, res.Vulnerabilities)

	state, err := s.GetFeedState(ctx, f.Source())
	require.NoError(t, err)
	assert.Equal(t, srv.built, state.BuildTimestamp)
	assert.Equal(t, srv.checksum, state.Checksum)
	assert.Equal(t, "grype", state.Format)

	_, imported, err = f.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, imported, "an archive not newer than the feed state is skipped")
	assert.Equal(t, int32(1), srv.downloads.Load())
}

func TestRefreshChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	good := writeGrypeArchive(t, leftPadFixture())
	srv := newFeedServer(t, good)
	srv.checksum = "sha256:" + hex.EncodeToString(make([]byte, sha256.Size))

	s := store.NewMemory()
	im := newTestImporter(s, Options{WorkDir: t.TempDir()})
	f := NewFetcher(srv.URL+"/listing.json", im, s, srv.Client(), 0, zap.NewNop())

	_, imported, err := f.Refresh(ctx)
	require.Error(t, err)
	assert.False(t, imported)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))

	n, err := s.CountVulnerabilities(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.GetFeedState(ctx, f.Source())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRefreshHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := store.NewMemory()
	im := newTestImporter(s, Options{WorkDir: t.TempDir()})
	f := NewFetcher(srv.URL+"/listing.json", im, s, srv.Client(), 0, zap.NewNop())

	_, _, err := f.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFetchFailed))
}

func TestRefreshLocalArchive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	archive := filepath.Join(dir, "feed.tar.gz")
	content, err := os.ReadFile(writeGrypeArchive(t, leftPadFixture()))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(archive, content, 0o600))

	s := store.NewMemory()
	im := newTestImporter(s, Options{WorkDir: t.TempDir()})
	f := NewFetcher(archive, im, s, nil, time.Second, zap.NewNop())

	_, imported, err := f.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, imported)

	_, imported, err = f.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, imported, "an unchanged archive is not imported twice")
}
