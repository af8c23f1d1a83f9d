package fileinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupInternsByKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "libfoo.so")
	require.NoError(t, os.WriteFile(path, []byte("elf-ish"), 0o644))

	tab := New()
	key := Key{Inode: 42, Offset: 0, Size: 7}

	a := tab.Lookup(os.Getpid(), path, key)
	require.False(t, a.Errored)
	require.GreaterOrEqual(t, a.ID, firstID)
	require.NotNil(t, a.File())

	b := tab.Lookup(os.Getpid(), path, key)
	require.Same(t, a, b, "same key must return the same interned Info")
	require.Equal(t, 1, tab.Len())

	require.NoError(t, tab.Close())
}

func TestLookupErrorSetsSentinelAndSticks(t *testing.T) {
	tab := New()
	key := Key{Inode: 1, Offset: 0, Size: 1}

	a := tab.Lookup(os.Getpid(), "/no/such/file-ever", key)
	require.True(t, a.Errored)
	require.Equal(t, IDError, a.ID)

	b := tab.Lookup(os.Getpid(), "/no/such/file-ever", key)
	require.Same(t, a, b)
	require.Equal(t, IDError, b.ID)
}

func TestDistinctKeysGetDistinctIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.so")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	tab := New()
	a := tab.Lookup(os.Getpid(), path, Key{Inode: 1, Offset: 0, Size: 1})
	b := tab.Lookup(os.Getpid(), path, Key{Inode: 2, Offset: 0, Size: 1})
	require.NotEqual(t, a.ID, b.ID)
}
