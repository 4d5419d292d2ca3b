package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/shelf/internal/model"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return New(osfs.New("/"), dir), dir
}

func testDataset() *model.Dataset {
	return &model.Dataset{
		SetID:       model.NewSetID(),
		Name:        "run1",
		TimeAdded:   1000,
		TimeUpdated: 1000,
		Timestamp:   2000,
		Files: []model.File{
			{Idx: 0, Path: "/data/run1/a.bag", Size: 10, MTime: 2000},
		},
	}
}

func TestAddDatasetAndLoad(t *testing.T) {
	s, _ := newTestStore(t)
	ds := testDataset()

	require.NoError(t, s.AddDataset(ds, false))

	doc, ok, err := s.Load(s.SetDir(ds.SetID), "dataset")
	require.NoError(t, err)
	require.True(t, ok)

	m := doc.(map[string]any)
	assert.Equal(t, string(ds.SetID), m["id"])
	assert.Equal(t, "run1", m["name"])
	files := m["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "/data/run1/a.bag", files[0].(map[string]any)["path"])
	assert.EqualValues(t, 2000, m["timestamp"])
}

func TestAddDatasetExisting(t *testing.T) {
	s, _ := newTestStore(t)
	ds := testDataset()

	require.NoError(t, s.AddDataset(ds, false))
	require.Error(t, s.AddDataset(ds, false))
	require.NoError(t, s.AddDataset(ds, true)) // restore replay
}

func TestLoadAbsentArtifact(t *testing.T) {
	s, _ := newTestStore(t)
	ds := testDataset()
	require.NoError(t, s.AddDataset(ds, false))

	_, ok, err := s.Load(s.SetDir(ds.SetID), "camera")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveNodeArtifactFlipsGenerations(t *testing.T) {
	s, _ := newTestStore(t)
	ds := testDataset()
	require.NoError(t, s.AddDataset(ds, false))
	setdir := s.SetDir(ds.SetID)

	require.NoError(t, s.SaveNodeArtifact(setdir, "camera", map[string]any{"frames": 1}))
	require.NoError(t, s.SaveNodeArtifact(setdir, "camera", map[string]any{"frames": 2}))

	doc, ok, err := s.Load(setdir, "camera")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 2, doc.(map[string]any)["frames"])
}

func TestWriteDetailAtomic(t *testing.T) {
	s, _ := newTestStore(t)
	ds := testDataset()
	require.NoError(t, s.AddDataset(ds, false))
	setdir := s.SetDir(ds.SetID)

	require.NoError(t, s.WriteDetail(setdir, map[string]any{"title": "one"}))
	require.NoError(t, s.WriteDetail(setdir, map[string]any{"title": "two"}))

	raw, err := os.ReadFile(filepath.Join(setdir, "detail.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"two"}`, string(raw))

	// no temp leftovers
	entries, err := os.ReadDir(setdir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".detail")
	}
}

func TestOldestArtifactMTime(t *testing.T) {
	s, _ := newTestStore(t)
	ds := testDataset()
	require.NoError(t, s.AddDataset(ds, false))
	setdir := s.SetDir(ds.SetID)
	require.NoError(t, s.SaveNodeArtifact(setdir, "camera", map[string]any{"frames": 1}))

	// age the dataset artifact behind the camera one
	old := time.Now().Add(-time.Hour)
	target, err := os.Readlink(filepath.Join(setdir, "dataset"))
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(filepath.Join(setdir, target, "data.json"), old, old))

	oldest, ok, err := s.OldestArtifactMTime(setdir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, old.UnixMilli(), oldest, 2000)
}

func TestOldestArtifactMTimeEmpty(t *testing.T) {
	s, dir := newTestStore(t)
	_, ok, err := s.OldestArtifactMTime(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}
