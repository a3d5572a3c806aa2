package tree

import (
	"fmt"

	"github.com/iraspa/projectsync/internal/archive"
	"github.com/iraspa/projectsync/internal/cloud"
)

// Section and entry names of the default layout.
const (
	SectionGallery = "GALLERY"
	SectionLocal   = "LOCAL PROJECTS"
	SectionPublic  = "ICLOUD PUBLIC"

	PublicRootName = "iCloud public"
)

// PublicRootID is the record holding the shared public projects.
const PublicRootID cloud.RecordID = "30089089-3163-633B-62B2-390C63E92789"

// PublicCollections are the well-known groups below the public root.
var PublicCollections = []struct {
	Name string
	ID   cloud.RecordID
}{
	{"CoRE MOF v1.0", "982F3A9C-7B2D-809B-8F9D-852F2F7FB839"},
	{"CoRE MOF v1.0 DDEC", "55DEA27F-47C8-81CA-CE43-956EAA1DCF2D"},
	{"IZA Zeolite Topologies", "6383111E-4D0E-1675-82F2-E97FEB76FDE4"},
}

// Layout holds the nodes created by InstallDefaultLayout.
type Layout struct {
	Gallery    *Node
	Local      *Node
	Public     *Node
	LocalMain  *Node
	PublicRoot *Node
}

// InstallDefaultLayout appends the three fixed sections to the top level:
// the gallery, the local projects with a drop-enabled "Local projects"
// group, and the public section whose "iCloud public" group lists the
// well-known public collections as unloaded proxies.
func (c *Controller) InstallDefaultLayout() (*Layout, error) {
	section := func(name string) *Node {
		n := c.NewNode(name)
		n.payload.Kind = archive.KindGroup
		n.Expanded = true
		return n
	}
	l := &Layout{
		Gallery: section(SectionGallery),
		Local:   section(SectionLocal),
		Public:  section(SectionPublic),
	}

	gallery := c.NewNode("Gallery")
	gallery.payload.Kind = archive.KindGroup

	l.LocalMain = c.NewNode("Local projects")
	l.LocalMain.payload.Kind = archive.KindGroup
	l.LocalMain.DropEnabled = true
	l.LocalMain.Expanded = true

	l.PublicRoot = c.NewProxy(PublicRootName, PublicRootID)
	l.PublicRoot.payload.Kind = archive.KindGroup

	steps := []struct{ n, parent *Node }{
		{l.Gallery, nil},
		{l.Local, nil},
		{l.Public, nil},
		{gallery, l.Gallery},
		{l.LocalMain, l.Local},
		{l.PublicRoot, l.Public},
	}
	for _, pc := range PublicCollections {
		n := c.NewProxy(pc.Name, pc.ID)
		n.payload.Kind = archive.KindGroup
		steps = append(steps, struct{ n, parent *Node }{n, l.PublicRoot})
	}
	for _, s := range steps {
		if err := c.Append(s.n, s.parent); err != nil {
			return nil, fmt.Errorf("failed to install default layout: %w", err)
		}
	}
	return l, nil
}
