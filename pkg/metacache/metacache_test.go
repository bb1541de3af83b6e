package metacache

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/otaclient/otaclient/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	c, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestIterateOnEmptyCacheYieldsNothing(t *testing.T) {
	c := open(t)
	it, err := c.Iterate()
	require.NoError(t, err)

	_, ok, err := it.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplaceThenIterateRoundTrips(t *testing.T) {
	c := open(t)
	size := int64(4096)
	sha := strings.Repeat("a", 64)
	entries := []manifest.RegularEntry{
		{SHA256: sha, Path: "/usr/bin/foo", Size: &size, NLink: 1},
	}
	require.NoError(t, c.Replace(entries))

	it, err := c.Iterate()
	require.NoError(t, err)

	got, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sha, got.SHA256)
	assert.Equal(t, "/usr/bin/foo", got.Path)
	require.NotNil(t, got.Size)
	assert.EqualValues(t, 4096, *got.Size)

	_, ok, err = it.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplaceKeepsEveryEntrySharingAHash(t *testing.T) {
	c := open(t)
	sha := strings.Repeat("b", 64)
	entries := []manifest.RegularEntry{
		{SHA256: sha, Path: "/a"},
		{SHA256: sha, Path: "/a-hardlink"},
	}
	require.NoError(t, c.Replace(entries))

	it, err := c.Iterate()
	require.NoError(t, err)

	count := 0
	for {
		_, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, 2, count)
}

func TestReplaceOverwritesPreviousGeneration(t *testing.T) {
	c := open(t)
	first := strings.Repeat("c", 64)
	second := strings.Repeat("d", 64)
	require.NoError(t, c.Replace([]manifest.RegularEntry{{SHA256: first, Path: "/old"}}))
	require.NoError(t, c.Replace([]manifest.RegularEntry{{SHA256: second, Path: "/new"}}))

	it, err := c.Iterate()
	require.NoError(t, err)

	got, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, got.SHA256)

	_, ok, err = it.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}
