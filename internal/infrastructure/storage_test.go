package infrastructure

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/backstage/services/branchops/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileAudioStoreSaveAndResolve(t *testing.T) {
	store, err := NewFileAudioStore(t.TempDir(), 1024)
	require.NoError(t, err)

	name, err := store.Save(context.Background(), "call.WAV", strings.NewReader("RIFF...."))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(name, ".wav"))

	p, err := store.Path(name)
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "RIFF....", string(data))

	other, err := store.Save(context.Background(), "notes.exe", strings.NewReader("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(other, ".bin"))
}

func TestFileAudioStoreRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileAudioStore(filepath.Join(dir, "audio"), 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("x"), 0o600))

	for _, name := range []string{"", "../secret.txt", "..", ".", "a/b.wav", `..\secret.txt`, "missing.wav"} {
		_, err := store.Path(name)
		assert.ErrorIs(t, err, core.ErrAudioNotFound, name)
	}
}

func TestFileAudioStoreEnforcesLimit(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileAudioStore(dir, 4)
	require.NoError(t, err)

	_, err = store.Save(context.Background(), "big.wav", strings.NewReader("12345"))
	assert.ErrorIs(t, err, core.ErrAudioTooLarge)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial file is removed")
}

func TestFileAudioStoreRemove(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileAudioStore(filepath.Join(dir, "audio"), 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("x"), 0o600))

	name, err := store.Save(context.Background(), "call.wav", strings.NewReader("RIFF"))
	require.NoError(t, err)
	require.NoError(t, store.Remove(name))

	_, err = store.Path(name)
	assert.ErrorIs(t, err, core.ErrAudioNotFound)
	assert.NoError(t, store.Remove(name))

	assert.NoError(t, store.Remove("../secret.txt"))
	assert.FileExists(t, filepath.Join(dir, "secret.txt"))
}
