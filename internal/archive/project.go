// Package archive encodes and decodes project payloads.
//
// The primary format is a binary frame:
//
//	uint32 version (little endian) | payload | uint64 magic (little endian)
//
// where the payload is a protobuf wire-format message. Decoding rejects
// versions newer than CurrentVersion and frames whose trailing magic does not
// match. Older payloads were stored as gzip-compressed YAML property lists;
// the Legacy strategy reads those.
//
// Decoders are tried in order by a Chain, which records why each strategy
// failed.
package archive

import (
	"math"
)

// Kind distinguishes project groups from leaf projects.
type Kind int

const (
	KindLeaf Kind = iota
	KindGroup
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	if k == KindGroup {
		return "group"
	}
	return "leaf"
}

// Vec3 is a cartesian position.
type Vec3 [3]float64

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	Min Vec3
	Max Vec3
}

// Structure is one structure of a project. Positions are opaque to the sync
// layer; Bounds and ForceField are recomputed after decoding.
type Structure struct {
	Name       string `yaml:"name"`
	ForceField string `yaml:"forceField,omitempty"`
	Positions  []Vec3 `yaml:"positions,omitempty"`
	Bounds     Bounds `yaml:"-"`
}

// Project is a decoded project payload.
type Project struct {
	Name       string      `yaml:"name"`
	Kind       Kind        `yaml:"kind"`
	Structures []Structure `yaml:"structures,omitempty"`
	Children   []*Project  `yaml:"children,omitempty"`
}

// Walk calls fn for p and every descendant, depth first.
func (p *Project) Walk(fn func(*Project)) {
	fn(p)
	for _, c := range p.Children {
		c.Walk(fn)
	}
}

// Model is the structure-model collaborator run after a payload decodes.
type Model interface {
	Finalize(p *Project) error
}

// DefaultModel assigns a force field to structures without one and
// recomputes bounding boxes.
type DefaultModel struct {
	ForceField string
}

// Finalize implements Model.
func (m DefaultModel) Finalize(p *Project) error {
	ff := m.ForceField
	if ff == "" {
		ff = "Default"
	}
	p.Walk(func(node *Project) {
		for i := range node.Structures {
			s := &node.Structures[i]
			if s.ForceField == "" {
				s.ForceField = ff
			}
			s.Bounds = boundsOf(s.Positions)
		}
	})
	return nil
}

func boundsOf(ps []Vec3) Bounds {
	if len(ps) == 0 {
		return Bounds{}
	}
	b := Bounds{
		Min: Vec3{math.Inf(1), math.Inf(1), math.Inf(1)},
		Max: Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)},
	}
	for _, p := range ps {
		for i := 0; i < 3; i++ {
			b.Min[i] = math.Min(b.Min[i], p[i])
			b.Max[i] = math.Max(b.Max[i], p[i])
		}
	}
	return b
}
