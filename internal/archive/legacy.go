package archive

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// maxLegacySize bounds the inflated size of a legacy payload.
const maxLegacySize = 256 << 20

// Legacy is the fallback strategy for gzip-compressed YAML property lists.
type Legacy struct{}

// Name implements Strategy.
func (Legacy) Name() string { return "legacy" }

// Decode implements Strategy.
func (Legacy) Decode(data []byte) (*Project, error) {
	return DecodeLegacy(data)
}

// EncodeLegacy writes p in the legacy format.
func EncodeLegacy(p *Project) ([]byte, error) {
	if p == nil {
		return nil, errors.New("encode: nil project")
	}
	doc, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal property list: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(doc); err != nil {
		return nil, fmt.Errorf("failed to compress property list: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress property list: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeLegacy reads a legacy payload.
func DecodeLegacy(data []byte) (*Project, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed property list: %w", err)
	}
	defer zr.Close()

	doc, err := io.ReadAll(io.LimitReader(zr, maxLegacySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to inflate property list: %w", err)
	}
	if len(doc) > maxLegacySize {
		return nil, fmt.Errorf("property list larger than %d bytes", maxLegacySize)
	}

	var p Project
	if err := yaml.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("failed to parse property list: %w", err)
	}
	if p.Name == "" {
		return nil, errors.New("property list has no project name")
	}
	return &p, nil
}
