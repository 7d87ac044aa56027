package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionwatch/sessionwatch/internal/tailer"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	positions := []tailer.Position{
		{Path: "/p/b.jsonl", Device: 10, Inode: 22, Offset: 512, LastModifiedNS: 1736108365000000000},
		{Path: "/p/a.jsonl", Device: 10, Inode: 21, Offset: 128},
	}

	require.NoError(t, Save(path, positions))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "/p/a.jsonl", loaded[0].Path, "positions are stored sorted by path")
	assert.Equal(t, int64(128), loaded[0].Offset)
	assert.Equal(t, "/p/b.jsonl", loaded[1].Path)
	assert.Equal(t, int64(512), loaded[1].Offset)
	assert.Equal(t, uint64(22), loaded[1].Inode)
	assert.Equal(t, int64(1736108365000000000), loaded[1].LastModifiedNS)
}

func TestLoadMissingFile(t *testing.T) {
	positions, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, positions)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse state file")
}

func TestLoadNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 2, "positions": []}`), 0o644))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrVersion)
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, Save(path, nil))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "state.json")
	require.NoError(t, Save(path, []tailer.Position{{Path: "/x.jsonl", Offset: 7}}))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, int64(7), loaded[0].Offset)
}

func TestPruneStaleDropsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "live.jsonl")
	require.NoError(t, os.WriteFile(existing, []byte("{}\n"), 0o644))

	pruned := PruneStale([]tailer.Position{
		{Path: existing, Offset: 3},
		{Path: filepath.Join(dir, "gone.jsonl"), Offset: 9},
	}, 7*24*time.Hour)

	require.Len(t, pruned, 1)
	assert.Equal(t, existing, pruned[0].Path)
}

func TestPruneStaleDropsOldEntries(t *testing.T) {
	dir := t.TempDir()
	fresh := filepath.Join(dir, "fresh.jsonl")
	old := filepath.Join(dir, "old.jsonl")
	unknown := filepath.Join(dir, "unknown.jsonl")
	for _, p := range []string{fresh, old, unknown} {
		require.NoError(t, os.WriteFile(p, []byte("{}\n"), 0o644))
	}

	pruned := PruneStale([]tailer.Position{
		{Path: fresh, LastModifiedNS: time.Now().UnixNano()},
		{Path: old, LastModifiedNS: time.Now().Add(-8 * 24 * time.Hour).UnixNano()},
		{Path: unknown}, // no recorded mtime, kept
	}, 7*24*time.Hour)

	require.Len(t, pruned, 2)
	assert.Equal(t, fresh, pruned[0].Path)
	assert.Equal(t, unknown, pruned[1].Path)
}

func TestSaverPeriodicSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewSaver(path, 20*time.Millisecond)
	s.Start()

	s.Update([]tailer.Position{{Path: "/a.jsonl", Offset: 11}})

	require.Eventually(t, func() bool {
		loaded, err := Load(path)
		return err == nil && len(loaded) == 1 && loaded[0].Offset == 11
	}, 2*time.Second, 10*time.Millisecond)

	s.Update([]tailer.Position{{Path: "/a.jsonl", Offset: 42}})
	require.NoError(t, s.Stop())

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, int64(42), loaded[0].Offset, "stop flushes the last update")
}

func TestSaverStopWithoutStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewSaver(path, time.Minute)

	s.Update([]tailer.Position{{Path: "/b.jsonl", Offset: 5}})
	require.NoError(t, s.Stop())

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, int64(5), loaded[0].Offset)
}

func TestSaverSkipsCleanState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewSaver(path, 10*time.Millisecond)
	s.Start()
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "nothing dirty, nothing written")
}

func TestSaveNow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewSaver(path, time.Minute)

	s.Update([]tailer.Position{{Path: "/c.jsonl", Offset: 99}})
	require.NoError(t, s.SaveNow())

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, int64(99), loaded[0].Offset)
}
