package ftpfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bazil.org/fuse"
)

// MaxHandles bounds the number of simultaneously open files. The slot
// vector is allocated once at this size and slot indices double as the
// file-handle ids handed to the kernel.
const MaxHandles = 1024

// ErrTooManyHandles is returned when every slot is occupied.
var ErrTooManyHandles = errors.New("too many open files")

// Handle is one open file. Its staging file buffers the remote content
// between open and release; dirty is set by any successful write and
// isNew marks a handle opened with create intent whose remote side does
// not exist yet. The mutex serializes reads and writes on this handle
// only.
type Handle struct {
	Path     string
	Flags    fuse.OpenFlags
	TempPath string

	mu    sync.Mutex
	dirty bool
	isNew bool
}

// HandleTable is a fixed-size vector of optional handles guarded by a
// single mutex. Slot i is occupied iff a live handle with id i exists.
type HandleTable struct {
	mu      sync.Mutex
	slots   []*Handle
	tempDir string
}

// NewHandleTable creates a table of max slots whose staging files live
// under tempDir.
func NewHandleTable(tempDir string, max int) *HandleTable {
	return &HandleTable{
		slots:   make([]*Handle, max),
		tempDir: tempDir,
	}
}

// Allocate creates a handle with an empty 0600 staging file and stores
// it in the first free slot, returning the slot index. The staging
// filename embeds pid, timestamp and the handle address so concurrent
// allocations never collide.
func (t *HandleTable) Allocate(path string, flags fuse.OpenFlags) (int, *Handle, error) {
	h := &Handle{Path: path, Flags: flags}
	h.TempPath = filepath.Join(t.tempDir,
		fmt.Sprintf("fh_%d_%d_%p", os.Getpid(), time.Now().Unix(), h))

	f, err := os.OpenFile(h.TempPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return -1, nil, err
	}
	f.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, slot := range t.slots {
		if slot == nil {
			t.slots[i] = h
			return i, h, nil
		}
	}
	os.Remove(h.TempPath)
	return -1, nil, ErrTooManyHandles
}

// Get returns the handle stored at id, or nil for out-of-range ids and
// vacant slots.
func (t *HandleTable) Get(id int) *Handle {
	if id < 0 || id >= len(t.slots) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[id]
}

// FindByPath returns the first live handle open on path, or nil.
func (t *HandleTable) FindByPath(path string) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.slots {
		if h != nil && h.Path == path {
			return h
		}
	}
	return nil
}

// Release deletes the staging file and vacates the slot. Out-of-range
// ids and vacant slots are no-ops.
func (t *HandleTable) Release(id int) {
	if id < 0 || id >= len(t.slots) {
		return
	}
	t.mu.Lock()
	h := t.slots[id]
	t.slots[id] = nil
	t.mu.Unlock()

	if h == nil {
		return
	}
	if h.TempPath != "" {
		os.Remove(h.TempPath)
	}
}

// Close releases every live handle.
func (t *HandleTable) Close() {
	for i := range t.slots {
		t.Release(i)
	}
}
