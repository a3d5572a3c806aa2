package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/cloud/memstore"
	"github.com/iraspa/projectsync/internal/coordinator"
	"github.com/iraspa/projectsync/internal/logging"
	"github.com/iraspa/projectsync/internal/tree"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, server *Server) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()
	for {
		if msg := read(t, ctx, conn); msg.Type == typ {
			return msg
		}
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, server.Start())
	assert.NotEmpty(t, server.Addr())
	require.NoError(t, server.Stop())
}

func TestHealthAndRoot(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 0, health["clients"])

	resp, err = http.Get("http://" + server.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "/ws")

	resp, err = http.Get("http://" + server.Addr() + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWelcomeCarriesStats(t *testing.T) {
	server := startServer(t)
	h := NewHandler(server, log.New(io.Discard, "", 0))
	h.OnLogEntry(logging.Entry{Level: logging.LevelError, Message: "boom"})

	conn, ctx := dial(t, server)
	msg := read(t, ctx, conn)
	require.Equal(t, MessageTypeStats, msg.Type)
	var stats StatsData
	require.NoError(t, json.Unmarshal(msg.Data, &stats))
	assert.Equal(t, 1, stats.Errors)
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandlerBroadcasts(t *testing.T) {
	server := startServer(t)
	h := NewHandler(server, log.New(io.Discard, "", 0))
	conn, ctx := dial(t, server)
	read(t, ctx, conn)
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	ctl := tree.NewController()
	parent := ctl.NewNode("MOFs")
	require.NoError(t, ctl.Append(parent, nil))
	n := ctl.NewProxy("IRMOF-1", "P1")
	require.NoError(t, ctl.Append(n, parent))

	obs := h.Observer(coordinator.Observer{})
	obs.NodeSpliced(n)
	msg := read(t, ctx, conn)
	require.Equal(t, MessageTypeNodeSpliced, msg.Type)
	var spliced NodeSplicedData
	require.NoError(t, json.Unmarshal(msg.Data, &spliced))
	assert.Equal(t, NodeSplicedData{Name: "IRMOF-1", RecordID: "P1", Path: []string{"MOFs", "IRMOF-1"}}, spliced)

	obs.ImportProgress("IRMOF-1", 0.5)
	msg = read(t, ctx, conn)
	require.Equal(t, MessageTypeProgress, msg.Type)
	var progress ProgressData
	require.NoError(t, json.Unmarshal(msg.Data, &progress))
	assert.Equal(t, ProgressData{Name: "IRMOF-1", Fraction: 0.5}, progress)

	obs.ImportProgress("IRMOF-1", 1)
	read(t, ctx, conn)
	msg = read(t, ctx, conn)
	require.Equal(t, MessageTypeStats, msg.Type)
	assert.Equal(t, 1, h.Stats().ImportsCompleted)

	obs.BootstrapComplete(errors.New("zone busy"))
	msg = read(t, ctx, conn)
	require.Equal(t, MessageTypeBootstrap, msg.Type)
	var boot BootstrapData
	require.NoError(t, json.Unmarshal(msg.Data, &boot))
	assert.Equal(t, "zone busy", boot.Error)
	assert.True(t, h.Stats().Bootstrapped)
}

func TestObserverChainsToNext(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	h := NewHandler(server, log.New(io.Discard, "", 0))
	var got []string
	obs := h.Observer(coordinator.Observer{
		ImportProgress:    func(name string, _ float64) { got = append(got, "progress "+name) },
		BootstrapComplete: func(error) { got = append(got, "bootstrap") },
	})
	obs.ImportProgress("a", 0.1)
	obs.BootstrapComplete(nil)
	obs.NodeSpliced(tree.NewController().NewNode("x"))
	assert.Equal(t, []string{"progress a", "bootstrap"}, got)
	assert.Equal(t, 1, h.Stats().NodesSpliced)
}

func TestSessionFeed(t *testing.T) {
	server := startServer(t)
	sink := logging.NewSink(0, nil)
	h := NewHandler(server, log.New(io.Discard, "", 0))
	detach := h.AttachSink(sink)
	defer detach()

	conn, ctx := dial(t, server)
	read(t, ctx, conn)
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s := memstore.New(memstore.DefaultConfig())
	s.Put(&cloud.Record{ID: "R1", Type: cloud.TypeRootNode, Fields: cloud.Fields{
		{Key: cloud.KeyDisplayName, Value: "MOFs"},
		{Key: cloud.KeyType, Value: cloud.NodeTypeGroup},
	}})
	cfg := coordinator.DefaultConfig(s, tree.NewController())
	cfg.Sink = sink
	cfg.Observer = h.Observer(coordinator.Observer{})
	c, err := coordinator.New(cfg)
	require.NoError(t, err)
	defer c.Shutdown(context.Background())
	require.NoError(t, c.Init(ctx))

	msg := readUntil(t, ctx, conn, MessageTypeNodeSpliced)
	var spliced NodeSplicedData
	require.NoError(t, json.Unmarshal(msg.Data, &spliced))
	assert.Equal(t, "MOFs", spliced.Name)
	assert.True(t, spliced.Group)
	readUntil(t, ctx, conn, MessageTypeBootstrap)

	sink.Warning("IRMOF-1", "could not decode")
	msg = readUntil(t, ctx, conn, MessageTypeLog)
	var entry logging.Entry
	require.NoError(t, json.Unmarshal(msg.Data, &entry))
	assert.Equal(t, "IRMOF-1", entry.Node)
	assert.Equal(t, logging.LevelWarning, entry.Level)
}
