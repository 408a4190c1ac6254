// Package sbom turns SBOM documents into the component observations snapshots ingest.
package sbom

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/util"
)

// FormatCycloneDX is the bom.format metadata value of CycloneDX documents
const FormatCycloneDX = "cyclonedx"

// ErrEmptyDocument is returned for a document without content
var ErrEmptyDocument = errors.New("empty SBOM document")

// Document is a decoded SBOM and the observations taken from it
type Document struct {
	Format      string
	SpecVersion string
	Components  []model.ObservedComponent
	// Raw is the document as received, kept as the snapshot payload
	Raw []byte
}

// Metadata returns the snapshot metadata describing the document
func (d Document) Metadata() map[string]string {
	return map[string]string{
		model.MetaBOMFormat: d.Format,
		"bom.spec_version":  d.SpecVersion,
	}
}

// FromCycloneDX decodes a CycloneDX JSON or XML document. Nested components
// are flattened; the metadata component describing the subject is not an
// observation. A component with a PURL is identified by it, otherwise by
// group, name and version.
func FromCycloneDX(r io.Reader) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read SBOM: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, ErrEmptyDocument
	}

	format := cdx.BOMFileFormatJSON
	if trimmed[0] == '<' {
		format = cdx.BOMFileFormatXML
	}

	bom := new(cdx.BOM)
	if err := cdx.NewBOMDecoder(bytes.NewReader(trimmed), format).Decode(bom); err != nil {
		return nil, fmt.Errorf("failed to decode CycloneDX document: %w", err)
	}

	doc := &Document{
		Format:      FormatCycloneDX,
		SpecVersion: bom.SpecVersion.String(),
		Raw:         raw,
	}
	if bom.Components != nil {
		walk(*bom.Components, func(c cdx.Component) {
			if obs, ok := observe(c); ok {
				doc.Components = append(doc.Components, obs)
			}
		})
	}
	return doc, nil
}

func walk(components []cdx.Component, visit func(cdx.Component)) {
	for _, c := range components {
		visit(c)
		if c.Components != nil {
			walk(*c.Components, visit)
		}
	}
}

func observe(c cdx.Component) (model.ObservedComponent, bool) {
	obs := model.ObservedComponent{
		Name:      c.Name,
		Namespace: c.Group,
		Version:   c.Version,
		Type:      string(c.Type),
	}

	if c.PackageURL != "" {
		if cleaned, err := util.CleanPURL(c.PackageURL); err == nil {
			obs.Purl = cleaned
			return obs, true
		}
	}

	if util.IsEmpty(c.Name) {
		return obs, false
	}
	return obs, true
}
