package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// CurrentVersion is the newest frame version this package reads and the
	// version it writes.
	CurrentVersion uint32 = 2

	// Magic terminates every binary frame.
	Magic uint64 = 0x6970726f6a656374

	headerSize  = 4
	trailerSize = 8
	maxDepth    = 64
)

var (
	// ErrVersion is returned for frames newer than CurrentVersion.
	ErrVersion = errors.New("unsupported archive version")

	// ErrMagic is returned when the trailing sentinel does not match.
	ErrMagic = errors.New("archive magic number mismatch")

	// ErrTruncated is returned for frames too short to hold a header and
	// trailer, or payloads that end mid-field.
	ErrTruncated = errors.New("archive truncated")
)

// Field numbers of the payload messages.
const (
	fieldProjectName      protowire.Number = 1
	fieldProjectKind      protowire.Number = 2
	fieldProjectStructure protowire.Number = 3
	fieldProjectChild     protowire.Number = 4

	fieldStructureName       protowire.Number = 1
	fieldStructureForceField protowire.Number = 2
	fieldStructurePositions  protowire.Number = 3
)

// Binary is the primary decode strategy.
type Binary struct{}

// Name implements Strategy.
func (Binary) Name() string { return "binary" }

// Decode implements Strategy.
func (Binary) Decode(data []byte) (*Project, error) {
	return DecodeBinary(data)
}

// EncodeBinary writes p as a version CurrentVersion frame.
func EncodeBinary(p *Project) ([]byte, error) {
	if p == nil {
		return nil, errors.New("encode: nil project")
	}
	out := binary.LittleEndian.AppendUint32(nil, CurrentVersion)
	out = appendProject(out, p)
	out = binary.LittleEndian.AppendUint64(out, Magic)
	return out, nil
}

// DecodeBinary reads a binary frame.
func DecodeBinary(data []byte) (*Project, error) {
	if len(data) < headerSize+trailerSize {
		return nil, fmt.Errorf("%d bytes: %w", len(data), ErrTruncated)
	}
	version := binary.LittleEndian.Uint32(data[:headerSize])
	if version > CurrentVersion {
		return nil, fmt.Errorf("version %d > %d: %w", version, CurrentVersion, ErrVersion)
	}
	if magic := binary.LittleEndian.Uint64(data[len(data)-trailerSize:]); magic != Magic {
		return nil, fmt.Errorf("got %#x: %w", magic, ErrMagic)
	}
	return consumeProject(data[headerSize:len(data)-trailerSize], 0)
}

func appendProject(b []byte, p *Project) []byte {
	b = protowire.AppendTag(b, fieldProjectName, protowire.BytesType)
	b = protowire.AppendString(b, p.Name)
	b = protowire.AppendTag(b, fieldProjectKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Kind))
	for i := range p.Structures {
		b = protowire.AppendTag(b, fieldProjectStructure, protowire.BytesType)
		b = protowire.AppendBytes(b, appendStructure(nil, &p.Structures[i]))
	}
	for _, c := range p.Children {
		b = protowire.AppendTag(b, fieldProjectChild, protowire.BytesType)
		b = protowire.AppendBytes(b, appendProject(nil, c))
	}
	return b
}

func appendStructure(b []byte, s *Structure) []byte {
	b = protowire.AppendTag(b, fieldStructureName, protowire.BytesType)
	b = protowire.AppendString(b, s.Name)
	if s.ForceField != "" {
		b = protowire.AppendTag(b, fieldStructureForceField, protowire.BytesType)
		b = protowire.AppendString(b, s.ForceField)
	}
	if len(s.Positions) > 0 {
		packed := make([]byte, 0, len(s.Positions)*24)
		for _, p := range s.Positions {
			for _, x := range p {
				packed = protowire.AppendFixed64(packed, math.Float64bits(x))
			}
		}
		b = protowire.AppendTag(b, fieldStructurePositions, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func consumeProject(b []byte, depth int) (*Project, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("project nesting deeper than %d", maxDepth)
	}
	p := &Project{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, wireError(n)
		}
		b = b[n:]

		switch {
		case num == fieldProjectName && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			p.Name = v
		case num == fieldProjectKind && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			p.Kind = Kind(v)
		case num == fieldProjectStructure && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				s, err := consumeStructure(v)
				if err != nil {
					return nil, err
				}
				p.Structures = append(p.Structures, s)
			}
		case num == fieldProjectChild && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				c, err := consumeProject(v, depth+1)
				if err != nil {
					return nil, err
				}
				p.Children = append(p.Children, c)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, wireError(n)
		}
		b = b[n:]
	}
	return p, nil
}

func consumeStructure(b []byte) (Structure, error) {
	var s Structure
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, wireError(n)
		}
		b = b[n:]

		switch {
		case num == fieldStructureName && typ == protowire.BytesType:
			s.Name, n = protowire.ConsumeString(b)
		case num == fieldStructureForceField && typ == protowire.BytesType:
			s.ForceField, n = protowire.ConsumeString(b)
		case num == fieldStructurePositions && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				ps, err := consumePositions(v)
				if err != nil {
					return s, err
				}
				s.Positions = ps
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return s, wireError(n)
		}
		b = b[n:]
	}
	return s, nil
}

func consumePositions(b []byte) ([]Vec3, error) {
	if len(b)%24 != 0 {
		return nil, fmt.Errorf("positions: %d bytes is not a whole number of vectors: %w", len(b), ErrTruncated)
	}
	out := make([]Vec3, 0, len(b)/24)
	for len(b) > 0 {
		var v Vec3
		for i := 0; i < 3; i++ {
			bits, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, wireError(n)
			}
			v[i] = math.Float64frombits(bits)
			b = b[n:]
		}
		out = append(out, v)
	}
	return out, nil
}

func wireError(n int) error {
	return fmt.Errorf("payload: %v: %w", protowire.ParseError(n), ErrTruncated)
}
