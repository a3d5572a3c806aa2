package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkKeepsNewestEntries(t *testing.T) {
	s := NewSink(3, nil)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		s.Info(name, "loaded")
	}

	got := s.Entries()
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Node)
	assert.Equal(t, "e", got[2].Node)
}

func TestSinkSubscribe(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(0, log.New(&buf, "", 0))

	var seen []Entry
	cancel := s.Subscribe(func(e Entry) { seen = append(seen, e) })
	s.Error("CoRE MOF v1.0", "failed to decode: %s", "bad magic")
	cancel()
	cancel()
	s.Warning("", "ignored")

	require.Len(t, seen, 1)
	assert.Equal(t, LevelError, seen[0].Level)
	assert.Equal(t, "error (CoRE MOF v1.0) failed to decode: bad magic", seen[0].String())
	assert.Contains(t, buf.String(), "warning ignored")
}

func TestOutputWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psync.log")
	opts := DefaultOptions()
	opts.File = path

	out := Open(opts)
	out.New("sync").Printf("started %d", 1)
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[sync] ")
	assert.Contains(t, string(data), "started 1")
}

func TestDiscard(t *testing.T) {
	out := Discard()
	out.New("x").Print("nothing")
	assert.NoError(t, out.Rotate())
	assert.NoError(t, out.Close())
}
