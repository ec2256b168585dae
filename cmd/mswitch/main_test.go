package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/mswitch/config"
	"github.com/maxpert/mswitch/protocol"
	"github.com/maxpert/mswitch/storage"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCommand()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// seedLog writes a small history: two queues, three sends, one ack
func seedLog(t *testing.T, dir string) {
	t.Helper()
	cfg := config.DefaultConfig()
	log, err := storage.NewLogFactory(cfg.Storage, nil, nil).OpenAt(storage.BackendFile, dir)
	require.NoError(t, err)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	origin := protocol.Anonymous("conn-1")
	ops := []protocol.Operation{
		protocol.DirectoryAdd("jobs"),
		protocol.DirectoryAdd("audit"),
		protocol.Send(protocol.MessageID{Queue: "jobs", ID: 0}, protocol.NewEntry(at, origin, protocol.NewRequest([]byte("one"), ""))),
		protocol.Send(protocol.MessageID{Queue: "jobs", ID: 1}, protocol.NewEntry(at, origin, protocol.NewRequest([]byte("two"), ""))),
		protocol.Ack(protocol.MessageID{Queue: "jobs", ID: 0}),
		protocol.DirectoryRemove("audit"),
	}
	for _, op := range ops {
		record, err := storage.EncodeOperation(op)
		require.NoError(t, err)
		_, err = log.Append(context.Background(), record)
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "mswitch version "))
}

func TestGenerateConfigCommand(t *testing.T) {
	out, _, err := execute(t, "generate-config")
	require.NoError(t, err)
	assert.Contains(t, out, "backend: file")

	path := filepath.Join(t.TempDir(), "mswitch.yaml")
	out, _, err = execute(t, "generate-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Storage, loaded.Storage)
}

func TestDumpCommand(t *testing.T) {
	dir := t.TempDir()
	seedLog(t, dir)

	out, errOut, err := execute(t, "dump", "--data-dir", dir)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	assert.Contains(t, lines[0], "directory_add(jobs)")
	assert.Contains(t, lines[2], "send(jobs/0)")
	assert.Contains(t, lines[2], "3 bytes")
	assert.Contains(t, lines[4], "ack(jobs/0)")
	assert.Contains(t, lines[5], "directory_remove(audit)")
	assert.Contains(t, errOut, "6 records")
}

func TestCompactCommand(t *testing.T) {
	dir := t.TempDir()
	seedLog(t, dir)
	output := filepath.Join(t.TempDir(), "compacted")

	out, _, err := execute(t, "compact", "--data-dir", dir, output)
	require.NoError(t, err)
	assert.Contains(t, out, "compacted 6 records into 2")

	// the compacted log replays to the same state
	dumped, _, err := execute(t, "dump", "--data-dir", output)
	require.NoError(t, err)
	assert.Contains(t, dumped, "directory_add(jobs)")
	assert.Contains(t, dumped, "send(jobs/1)")
	assert.NotContains(t, dumped, "audit")

	_, _, err = execute(t, "compact", "--data-dir", dir, dir)
	assert.Error(t, err)

	// a second run into the same output would mix two histories
	_, _, err = execute(t, "compact", "--data-dir", dir, output)
	assert.Error(t, err)
	dumped, _, err = execute(t, "dump", "--data-dir", output)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(dumped), "\n"), 2)
}

func TestCompactRejectsSharedBackends(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.DSN = "postgres://localhost:5432/mswitch"
	path := filepath.Join(t.TempDir(), "mswitch.yaml")
	require.NoError(t, cfg.Save(path))

	for _, backend := range []string{storage.BackendPostgres, storage.BackendMemory} {
		_, _, err := execute(t, "compact", "--config", path, "--backend", backend, filepath.Join(t.TempDir(), "out"))
		require.Error(t, err, backend)
		assert.Contains(t, err.Error(), "writes to a directory", backend)
	}
}

func TestInvalidBackendFlag(t *testing.T) {
	_, _, err := execute(t, "dump", "--backend", "tape")
	assert.Error(t, err)
}
