package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/store"
	"go.uber.org/zap"
)

// DefaultListingURL is the public Grype v5 listing
const DefaultListingURL = "https://toolbox-data.anchore.io/grype/databases/listing.json"

// ListingEntry is one published archive of a listing document
type ListingEntry struct {
	Built    time.Time `json:"built"`
	Version  int       `json:"version"`
	URL      string    `json:"url"`
	Checksum string    `json:"checksum"`
}

// Listing maps schema versions to their published archives
type Listing struct {
	Available map[string][]ListingEntry `json:"available"`
}

// Latest returns the most recently built entry for a schema version
func (l Listing) Latest(schemaVersion int) (ListingEntry, bool) {
	entries := l.Available[strconv.Itoa(schemaVersion)]
	if len(entries) == 0 {
		return ListingEntry{}, false
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if e.Built.After(best.Built) {
			best = e
		}
	}
	return best, true
}

// Fetcher resolves a feed source, downloads new archives and imports them.
//
// A source is a listing URL or file (suffix .json), a direct archive URL, or a
// local archive path.
type Fetcher struct {
	source   string
	importer *Importer
	store    store.VulnerabilityStore
	client   *http.Client
	logger   *zap.Logger
}

// NewFetcher creates a fetcher. A nil client uses one with the given timeout.
func NewFetcher(source string, im *Importer, s store.VulnerabilityStore, client *http.Client, timeout time.Duration, logger *zap.Logger) *Fetcher {
	if source == "" {
		source = DefaultListingURL
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{source: source, importer: im, store: s, client: client, logger: logger}
}

// Source returns the configured feed location
func (f *Fetcher) Source() string {
	return f.source
}

// Refresh imports the source when it is newer than the stored feed state. The
// boolean reports whether an import ran.
func (f *Fetcher) Refresh(ctx context.Context) (*ImportResult, bool, error) {
	prev, err := f.store.GetFeedState(ctx, f.source)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, importErr(ErrStoreUnavailable, "reading feed state: %v", err)
	}

	var entry ListingEntry
	archive := f.source
	if isListing(f.source) {
		listing, err := f.readListing(ctx)
		if err != nil {
			return nil, false, err
		}
		version := f.importer.opts.SchemaVersion
		if version == 0 {
			version = DefaultSchemaVersion
		}
		var ok bool
		if entry, ok = listing.Latest(version); !ok {
			return nil, false, importErr(ErrFetchFailed, "listing has no schema version %d archives", version)
		}
		if prev != nil && !entry.Built.After(prev.BuildTimestamp) {
			f.logger.Sugar().Infof("Feed is current (built %s)", prev.BuildTimestamp.Format(time.RFC3339))
			return nil, false, nil
		}
		archive = f.resolve(entry.URL)
	}

	file, sum, err := f.download(ctx, archive)
	if err != nil {
		return nil, false, err
	}
	defer os.Remove(file)

	if want := strings.TrimPrefix(entry.Checksum, "sha256:"); want != "" && !strings.EqualFold(want, sum) {
		return nil, false, importErr(ErrChecksumMismatch, "%s: got sha256:%s, want %s", archive, sum, entry.Checksum)
	}
	if entry.Checksum == "" && prev != nil && prev.Checksum == "sha256:"+sum {
		f.logger.Sugar().Infof("Feed archive %s unchanged", archive)
		return nil, false, nil
	}

	res, err := f.importer.ImportFile(ctx, file)
	if err != nil {
		return nil, false, err
	}

	state := model.FeedState{
		Source:          f.source,
		Format:          string(res.Format),
		SchemaVersion:   res.SchemaVersion,
		BuildTimestamp:  entry.Built,
		Checksum:        "sha256:" + sum,
		Vulnerabilities: res.Vulnerabilities,
		Metadata:        res.Metadata,
		ImportedAt:      time.Now().UTC(),
		ObjType:         "FeedState",
	}
	if state.BuildTimestamp.IsZero() {
		state.BuildTimestamp = res.BuildTimestamp
	}
	if err := f.store.SaveFeedState(ctx, state); err != nil {
		return res, true, importErr(ErrStoreUnavailable, "saving feed state: %v", err)
	}
	return res, true, nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func isListing(source string) bool {
	p := source
	if u, err := url.Parse(source); err == nil && isRemote(source) {
		p = u.Path
	}
	return strings.HasSuffix(strings.ToLower(p), ".json")
}

// resolve makes a relative archive URL absolute against a remote listing
func (f *Fetcher) resolve(ref string) string {
	if !isRemote(f.source) || isRemote(ref) {
		return ref
	}
	base, err := url.Parse(f.source)
	if err != nil {
		return ref
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(rel).String()
}

func (f *Fetcher) open(ctx context.Context, location string) (io.ReadCloser, error) {
	if !isRemote(location) {
		r, err := os.Open(location)
		if err != nil {
			return nil, importErr(ErrFetchFailed, "%v", err)
		}
		return r, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, importErr(ErrFetchFailed, "%s: %v", location, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, importErr(ErrFetchFailed, "%s: %v", location, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, importErr(ErrFetchFailed, "%s: HTTP %d", location, resp.StatusCode)
	}
	return resp.Body, nil
}

func (f *Fetcher) readListing(ctx context.Context) (*Listing, error) {
	body, err := f.open(ctx, f.source)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var listing Listing
	if err := json.NewDecoder(body).Decode(&listing); err != nil {
		return nil, importErr(ErrFetchFailed, "decoding listing %s: %v", f.source, err)
	}
	return &listing, nil
}

// download copies the archive into the work dir, hashing it on the way
func (f *Fetcher) download(ctx context.Context, location string) (string, string, error) {
	body, err := f.open(ctx, location)
	if err != nil {
		return "", "", err
	}
	defer body.Close()

	out, err := os.CreateTemp(f.importer.opts.WorkDir, "vulncorr-feed-*")
	if err != nil {
		return "", "", importErr(ErrFetchFailed, "creating download file: %v", err)
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), body); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", "", importErr(ErrFetchFailed, "downloading %s: %v", location, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", "", importErr(ErrFetchFailed, "writing %s: %v", out.Name(), err)
	}

	f.logger.Sugar().Infof("Downloaded feed archive %s", location)
	return out.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

// String describes the fetcher for logs
func (f *Fetcher) String() string {
	return fmt.Sprintf("feed(%s)", f.source)
}
