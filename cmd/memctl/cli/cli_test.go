package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-memory/src/adk"
	"github.com/Protocol-Lattice/go-memory/src/logger"
	"github.com/Protocol-Lattice/go-memory/src/memory"
	"github.com/Protocol-Lattice/go-memory/src/memory/engine"
	"github.com/Protocol-Lattice/go-memory/src/memory/history"
	"github.com/Protocol-Lattice/go-memory/src/memory/store"
)

// harness runs memctl invocations against one in-memory vector store and one
// sqlite history file, like separate processes sharing a database.
type harness struct {
	t          *testing.T
	store      *store.InMemoryStore
	configPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "memory.toml")
	body := fmt.Sprintf(`
[llm]
provider = "none"

[embedding]
provider = "dummy"

[history]
provider = "sqlite"
sqlite_path = %q

[log]
pretty = false
`, filepath.Join(dir, "history.db"))
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o600))
	return &harness{t: t, store: store.NewInMemoryStore(), configPath: configPath}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	cmd := NewRootCmd(adk.WithVectorStore(h.store), adk.WithLogger(logger.Nop()))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", h.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (h *harness) mustRun(v any, args ...string) {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, out)
	if v != nil {
		require.NoError(h.t, json.Unmarshal([]byte(out), v), out)
	}
}

func TestAddListGetSearch(t *testing.T) {
	h := newHarness(t)

	var added engine.ReconcileResult
	h.mustRun(&added, "add", "--user", "alice", "--raw", "--meta", "source=cli", "Keeps a sourdough starter")
	require.Len(t, added.Applied, 1)
	assert.Equal(t, engine.EventAdd, added.Applied[0].Event)
	id := added.Applied[0].ID
	require.NotEmpty(t, id)

	var listed []memory.MemoryRecord
	h.mustRun(&listed, "list", "-u", "alice")
	require.Len(t, listed, 1)
	assert.Equal(t, "Keeps a sourdough starter", listed[0].Text)
	assert.Equal(t, "cli", listed[0].Metadata["source"])
	assert.Empty(t, listed[0].Embedding)

	var got memory.MemoryRecord
	h.mustRun(&got, "get", id)
	assert.Equal(t, id, got.ID)

	var found memory.SearchResult
	h.mustRun(&found, "search", "-u", "alice", "bread baking")
	require.Len(t, found.Records, 1)
	assert.False(t, found.Cached)

	var other []memory.MemoryRecord
	h.mustRun(&other, "list", "-u", "bob")
	assert.Empty(t, other)
}

func TestUpdateDeleteAndHistory(t *testing.T) {
	h := newHarness(t)

	var added engine.ReconcileResult
	h.mustRun(&added, "add", "-u", "alice", "--raw", "Works at Acme")
	id := added.Applied[0].ID

	var updated engine.MutationResult
	h.mustRun(&updated, "update", id, "Works at Globex", "--actor", "hr-sync")
	assert.Equal(t, engine.EventUpdate, updated.Event)
	assert.Equal(t, "Works at Acme", updated.PreviousText)

	var deleted engine.MutationResult
	h.mustRun(&deleted, "delete", id)
	assert.Equal(t, engine.EventDelete, deleted.Event)

	var rows []history.Entry
	h.mustRun(&rows, "history", id)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"ADD", "UPDATE", "DELETE"}, []string{rows[0].Event, rows[1].Event, rows[2].Event})
	assert.Equal(t, "hr-sync", rows[1].ActorID)
	assert.True(t, rows[2].IsDeleted)

	_, err := h.run("get", id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteAllNeedsConfirmation(t *testing.T) {
	h := newHarness(t)
	h.mustRun(nil, "add", "-u", "alice", "--raw", "Has two cats")
	h.mustRun(nil, "add", "-u", "alice", "--raw", "Plays the cello")

	_, err := h.run("delete-all", "-u", "alice")
	require.Error(t, err)
	assert.Equal(t, 2, h.store.Count())

	var out deleteAllOutput
	h.mustRun(&out, "delete-all", "-u", "alice", "--yes")
	assert.Equal(t, 2, out.Deleted)
	assert.Equal(t, 0, h.store.Count())
}

func TestPruneDryRunThenApply(t *testing.T) {
	h := newHarness(t)
	h.mustRun(nil, "add", "-u", "alice", "--raw", "ok")
	h.mustRun(nil, "add", "-u", "alice", "--raw", "Volunteers at the animal shelter on Saturdays")

	var report engine.PruningReport
	h.mustRun(&report, "prune", "-u", "alice", "--dry-run", "--max-fraction", "1")
	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.BeforeCount)
	assert.Equal(t, 1, report.LowValueRemoved)
	assert.Equal(t, 2, h.store.Count())

	h.mustRun(&report, "prune", "-u", "alice", "--max-fraction", "1")
	assert.False(t, report.DryRun)
	assert.Len(t, report.RemovedIDs, 1)
	assert.Equal(t, 1, h.store.Count())
}

func TestPruneZeroFractionKeepsEverything(t *testing.T) {
	h := newHarness(t)
	h.mustRun(nil, "add", "-u", "alice", "--raw", "ok")
	h.mustRun(nil, "add", "-u", "alice", "--raw", "hmm")

	var report engine.PruningReport
	h.mustRun(&report, "prune", "-u", "alice", "--max-fraction", "0")
	assert.Equal(t, 2, report.BeforeCount)
	assert.Empty(t, report.RemovedIDs)
	assert.Equal(t, 2, h.store.Count())
}

func TestScopeAndInferenceErrors(t *testing.T) {
	h := newHarness(t)

	for _, args := range [][]string{
		{"add", "--raw", "no scope"},
		{"search", "anything"},
		{"list"},
		{"prune"},
		{"delete-all", "--yes"},
	} {
		_, err := h.run(args...)
		assert.Error(t, err, args)
	}

	_, err := h.run("add", "-u", "alice", "I like jazz")
	require.ErrorIs(t, err, engine.ErrNoLLM)
}
