package ftpfs

import (
	"io"
	"net/textproto"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, s *testFTPServer) *Client {
	t.Helper()
	c := NewClient("127.0.0.1", s.port(), "anonymous", "", zap.NewNop().Sugar())
	c.connectTimeout = 5 * time.Second
	c.opTimeout = 10 * time.Second
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientList(t *testing.T) {
	s := newTestFTPServer(t)
	s.addDir("/docs")
	s.addFile("/hello.txt", []byte("world"))
	c := newTestClient(t, s)

	items, err := c.List("/")
	require.NoError(t, err)
	require.Len(t, items, 2)

	byName := map[string]Item{}
	for _, it := range items {
		byName[it.Name] = it
	}
	assert.Equal(t, KindDir, byName["docs"].Kind)
	assert.Equal(t, KindFile, byName["hello.txt"].Kind)
	assert.Equal(t, uint64(5), byName["hello.txt"].Size)
	assert.Equal(t, fileMode, byName["hello.txt"].Mode)
}

func TestClientListMissingDirectoryKeepsSession(t *testing.T) {
	s := newTestFTPServer(t)
	s.addFile("/hello.txt", []byte("world"))
	c := newTestClient(t, s)

	_, err := c.List("/nope")
	require.Error(t, err)

	// A permanent refusal must not tear the session down.
	c.mu.Lock()
	alive := c.conn != nil
	c.mu.Unlock()
	assert.True(t, alive)

	items, err := c.List("/")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestClientDownload(t *testing.T) {
	s := newTestFTPServer(t)
	s.addFile("/data.bin", []byte("some remote bytes"))
	c := newTestClient(t, s)

	local := filepath.Join(t.TempDir(), "staged")
	require.NoError(t, c.Download("/data.bin", local))

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, []byte("some remote bytes"), data)
}

func TestClientDownloadMissingRemovesLocal(t *testing.T) {
	s := newTestFTPServer(t)
	c := newTestClient(t, s)

	local := filepath.Join(t.TempDir(), "staged")
	err := c.Download("/ghost", local)
	require.Error(t, err)

	_, err = os.Stat(local)
	assert.True(t, os.IsNotExist(err))
}

func TestClientUpload(t *testing.T) {
	s := newTestFTPServer(t)
	c := newTestClient(t, s)

	local := filepath.Join(t.TempDir(), "up")
	require.NoError(t, os.WriteFile(local, []byte("payload"), 0600))

	require.NoError(t, c.Upload(local, "/up.txt"))

	data, ok := s.getFile("/up.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)
}

func TestClientUploadCreatesMissingParents(t *testing.T) {
	s := newTestFTPServer(t)
	c := newTestClient(t, s)

	local := filepath.Join(t.TempDir(), "up")
	require.NoError(t, os.WriteFile(local, []byte("deep"), 0600))

	// /a/b does not exist; the refused STOR triggers MKD for each
	// ancestor and a retry.
	require.NoError(t, c.Upload(local, "/a/b/c.txt"))

	assert.True(t, s.hasDir("/a"))
	assert.True(t, s.hasDir("/a/b"))
	data, ok := s.getFile("/a/b/c.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("deep"), data)
}

func TestClientDeleteMkdirRmdirRename(t *testing.T) {
	s := newTestFTPServer(t)
	s.addFile("/old.txt", []byte("x"))
	c := newTestClient(t, s)

	require.NoError(t, c.Mkdir("/newdir"))
	assert.True(t, s.hasDir("/newdir"))

	require.NoError(t, c.Rename("/old.txt", "/renamed.txt"))
	_, ok := s.getFile("/old.txt")
	assert.False(t, ok)
	_, ok = s.getFile("/renamed.txt")
	assert.True(t, ok)

	require.NoError(t, c.Delete("/renamed.txt"))
	_, ok = s.getFile("/renamed.txt")
	assert.False(t, ok)

	require.NoError(t, c.Rmdir("/newdir"))
	assert.False(t, s.hasDir("/newdir"))

	assert.Error(t, c.Delete("/renamed.txt"))
}

// TestClientReconnectsAfterFlap drops every control connection between
// calls; the failed call tears the session down and the next one
// transparently reconnects.
func TestClientReconnectsAfterFlap(t *testing.T) {
	s := newTestFTPServer(t)
	s.addFile("/hello.txt", []byte("world"))
	c := newTestClient(t, s)

	items, err := c.List("/")
	require.NoError(t, err)
	require.Len(t, items, 1)

	s.dropConnections()

	_, err = c.List("/")
	require.Error(t, err)

	c.mu.Lock()
	alive := c.conn != nil
	c.mu.Unlock()
	assert.False(t, alive, "session must be torn down after a connection failure")

	items, err = c.List("/")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestClientConnectFailure(t *testing.T) {
	// Nothing listens on the reserved port.
	c := NewClient("127.0.0.1", 1, "anonymous", "", zap.NewNop().Sugar())
	c.connectTimeout = 2 * time.Second
	c.opTimeout = 2 * time.Second

	_, err := c.List("/")
	assert.Error(t, err)
}

func TestIsConnErr(t *testing.T) {
	assert.False(t, isConnErr(nil))
	assert.False(t, isConnErr(&textproto.Error{Code: 550, Msg: "no such file"}))
	assert.False(t, isConnErr(&textproto.Error{Code: 530, Msg: "not logged in"}))
	assert.True(t, isConnErr(&textproto.Error{Code: 421, Msg: "service closing"}))
	assert.True(t, isConnErr(&textproto.Error{Code: 425, Msg: "no data connection"}))
	assert.True(t, isConnErr(&textproto.Error{Code: 426, Msg: "aborted"}))
	assert.True(t, isConnErr(io.EOF))
	assert.True(t, isConnErr(io.ErrUnexpectedEOF))
	assert.False(t, isConnErr(&os.PathError{Op: "open", Path: "/tmp/x", Err: syscall.ENOENT}))
}

func TestIsRefused(t *testing.T) {
	assert.True(t, isRefused(&textproto.Error{Code: 550}))
	assert.True(t, isRefused(&textproto.Error{Code: 553}))
	assert.False(t, isRefused(&textproto.Error{Code: 426}))
	assert.False(t, isRefused(io.EOF))
}
