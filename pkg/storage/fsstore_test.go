package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStoreSaveAndLoad(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	doc := []byte(`{"id":"StoryModel_1_0","name":"Story"}`)
	require.NoError(t, s.Save("StoryModel_1_0", "Story", doc))

	got, err := s.Load("StoryModel_1_0")
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestFSStoreLoadMissing(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load("StoryModel_9_0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreListTracksSaves(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	entries, err := s.ListIDs()
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, s.Save("StoryModel_1_0", "First", []byte(`{}`)))
	require.NoError(t, s.Save("StoryModel_2_0", "Second", []byte(`{}`)))

	entries, err = s.ListIDs()
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{ID: "StoryModel_1_0", Name: "First"},
		{ID: "StoryModel_2_0", Name: "Second"},
	}, entries)
}

func TestFSStoreOverwriteUpdatesRegistryInPlace(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save("StoryModel_1_0", "Draft", []byte(`{"v":1}`)))
	require.NoError(t, s.Save("StoryModel_1_0", "Final", []byte(`{"v":2}`)))

	got, err := s.Load("StoryModel_1_0")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got))

	entries, err := s.ListIDs()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Final", entries[0].Name)
}

func TestFSStoreSanitizesHostileIDs(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFSStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save("../escape", "Evil", []byte(`{}`)))

	_, err = os.Stat(filepath.Join(dir, ".._escape.json"))
	assert.NoError(t, err, "document file stays inside the store directory")

	got, err := s.Load("../escape")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), got)
}

func TestFSStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFSStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save("StoryModel_1_0", "Story", []byte(`{"v":1}`)))

	reopened, err := NewFSStore(dir)
	require.NoError(t, err)
	got, err := reopened.Load("StoryModel_1_0")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), got)

	entries, err := reopened.ListIDs()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "StoryModel_1_0", entries[0].ID)
}
