// Package services provides the implementations the event handlers run against.
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	events "github.com/ortelius/pdvd-vulncorr/events/modules/snapshots"
	"go.uber.org/zap"
)

// maxSBOMBytes bounds a referenced SBOM download
const maxSBOMBytes = 50 * 1024 * 1024

// URLFetcher implements events.SBOMFetcher over HTTP
type URLFetcher struct {
	Client *http.Client
	Logger *zap.Logger
}

// NewURLFetcher creates a fetcher. A zero timeout means 2 minutes.
func NewURLFetcher(timeout time.Duration, logger *zap.Logger) *URLFetcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &URLFetcher{Client: &http.Client{Timeout: timeout}, Logger: logger}
}

// FetchSBOM downloads the referenced SBOM and checks its size and sha256
func (f *URLFetcher) FetchSBOM(ctx context.Context, ref events.SBOMReference) ([]byte, error) {
	if ref.URL == "" {
		return nil, fmt.Errorf("SBOM URL is empty")
	}
	f.Logger.Sugar().Debugf("Fetching SBOM from %s", ref.URL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSBOMBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxSBOMBytes {
		return nil, fmt.Errorf("SBOM exceeds %d bytes", maxSBOMBytes)
	}
	if ref.SizeBytes > 0 && int64(len(data)) != ref.SizeBytes {
		return nil, fmt.Errorf("SBOM size %d does not match %d", len(data), ref.SizeBytes)
	}
	if ref.ContentSha != "" {
		sum := sha256.Sum256(data)
		want := strings.TrimPrefix(strings.ToLower(ref.ContentSha), "sha256:")
		if hex.EncodeToString(sum[:]) != want {
			return nil, fmt.Errorf("SBOM checksum mismatch")
		}
	}
	return data, nil
}

// Ensure compile-time interface check
var _ events.SBOMFetcher = (*URLFetcher)(nil)
