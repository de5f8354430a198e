package ftpfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockListParsesRenderedListing(t *testing.T) {
	m := NewMockClient()

	items, err := m.List("/")
	require.NoError(t, err)

	byName := map[string]Item{}
	for _, it := range items {
		byName[it.Name] = it
	}
	assert.Equal(t, KindDir, byName["pub"].Kind)
	assert.Equal(t, KindFile, byName["readme.txt"].Kind)
	assert.Equal(t, uint64(len("cftpfs mock backend\n")), byName["readme.txt"].Size)

	_, err = m.List("/ghost")
	assert.Error(t, err)
}

func TestMockDownloadUpload(t *testing.T) {
	m := NewEmptyMockClient()
	m.AddFile("/f.txt", []byte("abc"))

	local := filepath.Join(t.TempDir(), "staged")
	require.NoError(t, m.Download("/f.txt", local))
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	require.NoError(t, os.WriteFile(local, []byte("nested"), 0600))
	require.NoError(t, m.Upload(local, "/deep/dir/g.txt"))

	// Upload creates missing parents, so the new directories list.
	items, err := m.List("/deep/dir")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "g.txt", items[0].Name)

	assert.Error(t, m.Download("/ghost", local))
}

func TestMockRmdirRejectsNonEmpty(t *testing.T) {
	m := NewEmptyMockClient()
	m.AddFile("/d/f.txt", []byte("x"))

	assert.Error(t, m.Rmdir("/d"))
	require.NoError(t, m.Delete("/d/f.txt"))
	require.NoError(t, m.Rmdir("/d"))
	assert.Error(t, m.Rmdir("/"))
}

func TestMockRenameMovesSubtree(t *testing.T) {
	m := NewEmptyMockClient()
	m.AddFile("/a/one.txt", []byte("1"))
	m.AddFile("/a/sub/two.txt", []byte("2"))

	require.NoError(t, m.Rename("/a", "/b"))

	items, err := m.List("/b")
	require.NoError(t, err)
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name
	}
	assert.ElementsMatch(t, []string{"one.txt", "sub"}, names)

	_, err = m.List("/a")
	assert.Error(t, err)

	assert.Error(t, m.Rename("/ghost", "/x"))
}
