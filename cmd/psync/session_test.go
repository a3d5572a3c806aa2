package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iraspa/projectsync/internal/archive"
	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/cloud/memstore"
	"github.com/iraspa/projectsync/internal/config"
	"github.com/iraspa/projectsync/internal/tree"
)

func useConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prevCfg, prevQuiet := cfg, quiet
	cfg, quiet = c, true
	t.Cleanup(func() { cfg, quiet = prevCfg, prevQuiet })
}

func memoryConfig() *config.Config {
	c := config.Default()
	c.Store.Driver = config.DriverMemory
	return c
}

func group(id, name string, typ string, parent cloud.RecordID) *cloud.Record {
	r := &cloud.Record{ID: cloud.RecordID(id), Type: typ}
	r.Fields.Set(cloud.KeyDisplayName, name)
	r.Fields.Set(cloud.KeyType, cloud.NodeTypeGroup)
	if parent != "" {
		r.Fields.Set(cloud.KeyParent, cloud.Reference{ID: parent})
	}
	return r
}

func seedSession(t *testing.T, s *session) {
	t.Helper()
	ms, ok := s.store.(*memstore.Store)
	require.True(t, ok)

	leaf := &cloud.Record{ID: "P1", Type: cloud.TypeProjectNode}
	leaf.Fields.Set(cloud.KeyDisplayName, "IRMOF-1")
	leaf.Fields.Set(cloud.KeyType, cloud.NodeTypeStructure)
	leaf.Fields.Set(cloud.KeyParent, cloud.Reference{ID: "G1"})
	ms.Put(
		group("R1", "MOFs", cloud.TypeRootNode, ""),
		group("G1", "Zinc", cloud.TypeProjectNode, "R1"),
		leaf,
	)
	data, err := archive.EncodeBinary(&archive.Project{Name: "IRMOF-1"})
	require.NoError(t, err)
	require.NoError(t, ms.PutAsset("P1", data))
}

func TestSessionExpandAndImport(t *testing.T) {
	useConfig(t, memoryConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := openSession(ctx, noObserver)
	require.NoError(t, err)
	defer s.close()
	seedSession(t, s)

	s.init(ctx)
	require.Len(t, s.coord.Roots(), 1)

	require.NoError(t, s.expand(ctx, 1))
	leaves, err := s.leaves(ctx)
	require.NoError(t, err)
	assert.Empty(t, leaves)

	require.NoError(t, s.expand(ctx, 2))
	leaves, err = s.leaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.Equal(t, "IRMOF-1", leaves[0].DisplayName)
	assert.Equal(t, []string{"MOFs", "Zinc", "IRMOF-1"}, leaves[0].Path())

	b, err := s.coord.Import(leaves, nil)
	require.NoError(t, err)
	require.NoError(t, b.Op().Wait(ctx))
	assert.Empty(t, b.Failures())

	var state tree.State
	require.NoError(t, s.coord.Read(ctx, func(*tree.Controller) { state = leaves[0].Payload().State }))
	assert.Equal(t, tree.Loaded, state)

	leaves, err = s.leaves(ctx)
	require.NoError(t, err)
	assert.Empty(t, leaves)
}

func TestOpenSessionSQLite(t *testing.T) {
	c := config.Default()
	c.Store.Path = filepath.Join(t.TempDir(), "records.db")
	useConfig(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := openSession(ctx, noObserver)
	require.NoError(t, err)
	require.NotNil(t, s.db)
	assert.Equal(t, c.Store.Path, s.db.Path())

	s.init(ctx)
	assert.Empty(t, s.coord.Roots())
	require.NoError(t, s.close())
}

func TestOpenSessionUnknownDriver(t *testing.T) {
	c := config.Default()
	c.Store.Driver = "postgres"
	useConfig(t, c)

	_, err := openSession(context.Background(), noObserver)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestTreeViewMatch(t *testing.T) {
	ctl := tree.NewController()
	a := ctl.NewNode("IRMOF-1")
	a.Owner = "alice"
	b := ctl.NewNode("IRMOF-8")
	b.Owner = "bob"
	c := ctl.NewNode("ZIF-8")
	c.Owner = "alice"

	assert.Nil(t, treeView{}.match())

	byName := treeView{filter: "irmof"}.match()
	assert.True(t, byName(a))
	assert.True(t, byName(b))
	assert.False(t, byName(c))

	both := treeView{filter: "irmof", owner: "ALICE"}.match()
	assert.True(t, both(a))
	assert.False(t, both(b))
	assert.False(t, both(c))
}
