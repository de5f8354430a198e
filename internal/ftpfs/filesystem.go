// Package ftpfs translates FUSE callbacks into FTP operations, hiding
// latency behind a directory-listing cache and per-open staging files.
package ftpfs

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const rootInode uint64 = 1

// FS is the per-mount context: the FTP operation set, the listing
// cache, the handle table and the staging directory. Three locks
// coordinate shared state; callbacks acquire them in the fixed order
// handles -> ftp -> cache.
type FS struct {
	ops     Operations
	cache   *Cache
	handles *HandleTable
	tempDir string

	cacheTimeout time.Duration
	uid, gid     uint32

	ftpMu sync.Mutex // single-owner FTP session
	log   *zap.SugaredLogger
}

// New builds the mount context and creates the staging directory under
// the system temp dir, mode 0700.
func New(ops Operations, cacheTimeout time.Duration, log *zap.SugaredLogger) (*FS, error) {
	tempDir := filepath.Join(os.TempDir(),
		fmt.Sprintf("cftpfs_%d_%d", os.Getpid(), time.Now().Unix()))
	if err := os.Mkdir(tempDir, 0700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	cacheTimeout = ClampCacheTimeout(cacheTimeout)
	return &FS{
		ops:          ops,
		cache:        NewCache(cacheTimeout),
		handles:      NewHandleTable(tempDir, MaxHandles),
		tempDir:      tempDir,
		cacheTimeout: cacheTimeout,
		uid:          uint32(os.Getuid()),
		gid:          uint32(os.Getgid()),
		log:          log,
	}, nil
}

// Destroy tears the context down: handles, cache, session and the
// staging directory.
func (f *FS) Destroy() error {
	var result *multierror.Error
	f.handles.Close()
	f.cache.Clear()
	if err := f.ops.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.RemoveAll(f.tempDir); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// TempDir returns the staging directory path.
func (f *FS) TempDir() string { return f.tempDir }

// Root returns the root directory node.
func (f *FS) Root() (fs.Node, error) {
	return &Dir{fs: f, path: "/"}, nil
}

// pathInode derives a stable inode number from the remote path.
func pathInode(p string) uint64 {
	if p == "/" {
		return rootInode
	}
	h := fnv.New64a()
	io.WriteString(h, p)
	ino := h.Sum64()
	if ino <= rootInode {
		ino = rootInode + 1
	}
	return ino
}

// joinPath appends a basename to a directory path.
func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// splitPath returns the parent directory and basename of an absolute
// path. The root splits into ("/", "").
func splitPath(p string) (parent, base string) {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "/", ""
	}
	parent = p[:i]
	if parent == "" {
		parent = "/"
	}
	return parent, p[i+1:]
}

// listDirLocked returns the items for dir, consulting the cache first
// and listing over FTP on a miss. The published cache entry keeps the
// listed slice; the returned slice is the caller's copy. Callers hold
// f.ftpMu.
func (f *FS) listDirLocked(dir string) ([]Item, error) {
	if items, ok := f.cache.Get(dir); ok {
		f.log.Debugf("cache hit: %s (%d items)", dir, len(items))
		return items, nil
	}
	items, err := f.ops.List(dir)
	if err != nil {
		return nil, err
	}
	cp := make([]Item, len(items))
	copy(cp, items)
	f.cache.Put(dir, items)
	f.log.Debugf("listed %s (%d items)", dir, len(cp))
	return cp, nil
}

// statItem resolves a path to its listing entry by scanning the parent
// directory. Errors come back as errnos for the bridge.
func (f *FS) statItem(p string) (Item, error) {
	parent, base := splitPath(p)
	if base == "" {
		return Item{}, syscall.ENOENT
	}

	f.ftpMu.Lock()
	items, err := f.listDirLocked(parent)
	f.ftpMu.Unlock()
	if err != nil {
		return Item{}, syscall.ENOENT
	}
	for _, it := range items {
		if it.Name == base {
			return it, nil
		}
	}
	return Item{}, syscall.ENOENT
}

// fillAttr populates a fuse attribute record from a listing item.
func (f *FS) fillAttr(a *fuse.Attr, p string, it Item) {
	a.Inode = pathInode(p)
	a.Size = it.Size
	a.Mode = it.Mode
	a.Mtime = it.Mtime
	a.Ctime = it.Mtime
	if it.Kind == KindDir {
		a.Nlink = 2
	} else {
		a.Nlink = 1
	}
	a.Uid = f.uid
	a.Gid = f.gid
	a.Valid = f.cacheTimeout
}

// invalidateParent drops the cache entries under the parent of p.
func (f *FS) invalidateParent(p string) {
	parent, _ := splitPath(p)
	f.cache.Invalidate(parent)
}

// Dir is a directory node identified by its remote path.
type Dir struct {
	fs   *FS
	path string
}

// Attr fills directory attributes. The root needs no listing; any
// other directory resolves through its parent's listing.
func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	d.fs.log.Debugf("getattr: %s", d.path)
	if d.path == "/" {
		a.Inode = rootInode
		a.Mode = os.ModeDir | 0755
		a.Nlink = 2
		a.Uid = d.fs.uid
		a.Gid = d.fs.gid
		a.Valid = d.fs.cacheTimeout
		return nil
	}
	it, err := d.fs.statItem(d.path)
	if err != nil {
		return err
	}
	d.fs.fillAttr(a, d.path, it)
	return nil
}

// Lookup resolves a child name against the directory listing. The
// entry validity handed to the kernel matches the cache timeout so the
// kernel never revalidates more often than the cache refreshes.
func (d *Dir) Lookup(ctx context.Context, req *fuse.LookupRequest, resp *fuse.LookupResponse) (fs.Node, error) {
	resp.EntryValid = d.fs.cacheTimeout

	full := joinPath(d.path, req.Name)
	it, err := d.fs.statItem(full)
	if err != nil {
		return nil, syscall.ENOENT
	}
	if it.Kind == KindDir {
		return &Dir{fs: d.fs, path: full}, nil
	}
	return &File{fs: d.fs, path: full}, nil
}

// ReadDirAll emits ".", ".." and every listing item.
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	d.fs.log.Debugf("readdir: %s", d.path)

	d.fs.ftpMu.Lock()
	items, err := d.fs.listDirLocked(d.path)
	d.fs.ftpMu.Unlock()
	if err != nil {
		return nil, syscall.EIO
	}

	parent, _ := splitPath(d.path)
	entries := make([]fuse.Dirent, 0, len(items)+2)
	entries = append(entries,
		fuse.Dirent{Inode: pathInode(d.path), Name: ".", Type: fuse.DT_Dir},
		fuse.Dirent{Inode: pathInode(parent), Name: "..", Type: fuse.DT_Dir},
	)
	for _, it := range items {
		typ := fuse.DT_File
		switch it.Kind {
		case KindDir:
			typ = fuse.DT_Dir
		case KindLink:
			typ = fuse.DT_Link
		}
		entries = append(entries, fuse.Dirent{
			Inode: pathInode(joinPath(d.path, it.Name)),
			Name:  it.Name,
			Type:  typ,
		})
	}
	return entries, nil
}

// Mkdir creates a remote directory and invalidates the parent listing.
func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	full := joinPath(d.path, req.Name)
	d.fs.log.Debugf("mkdir: %s", full)

	d.fs.ftpMu.Lock()
	err := d.fs.ops.Mkdir(full)
	d.fs.ftpMu.Unlock()
	if err != nil {
		d.fs.log.Warnf("mkdir %s: %v", full, err)
		return nil, syscall.EIO
	}
	d.fs.cache.Invalidate(d.path)
	return &Dir{fs: d.fs, path: full}, nil
}

// Create opens a new file with create intent: a handle is allocated
// and the staging file stays empty unless the caller also truncates an
// existing remote file. The upload happens on release.
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	full := joinPath(d.path, req.Name)
	d.fs.log.Debugf("create: %s (flags %v)", full, req.Flags)

	id, h, err := d.fs.handles.Allocate(full, req.Flags|fuse.OpenCreate)
	if err != nil {
		if err == ErrTooManyHandles {
			return nil, nil, syscall.EMFILE
		}
		return nil, nil, syscall.EIO
	}

	if req.Flags&fuse.OpenTruncate != 0 {
		d.fs.ftpMu.Lock()
		err := d.fs.ops.Download(full, h.TempPath)
		d.fs.ftpMu.Unlock()
		if err != nil {
			// Create is only reached after a lookup miss, so a failed
			// download here normally means the file is genuinely new.
			// The empty staging file is what truncation leaves anyway,
			// so no stale content can reach the server on release.
			d.fs.log.Debugf("create %s: download failed, treating as new: %v", full, err)
			h.isNew = true
		}
	} else {
		h.isNew = true
	}

	node := &File{fs: d.fs, path: full}
	return node, &fileHandle{fs: d.fs, path: full, id: id, h: h}, nil
}

// Remove deletes a file or directory and invalidates the parent.
func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	full := joinPath(d.path, req.Name)
	d.fs.log.Debugf("remove: %s (dir=%v)", full, req.Dir)

	d.fs.ftpMu.Lock()
	var err error
	if req.Dir {
		err = d.fs.ops.Rmdir(full)
	} else {
		err = d.fs.ops.Delete(full)
	}
	d.fs.ftpMu.Unlock()
	if err != nil {
		d.fs.log.Warnf("remove %s: %v", full, err)
		return syscall.EIO
	}
	d.fs.cache.Invalidate(d.path)
	return nil
}

// Rename issues the RNFR/RNTO pair and invalidates the whole cache from
// the root down. Coarse, but a cross-directory rename touches two
// parents and the next listing repopulates cheaply.
func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	nd, ok := newDir.(*Dir)
	if !ok {
		return syscall.EINVAL
	}
	oldPath := joinPath(d.path, req.OldName)
	newPath := joinPath(nd.path, req.NewName)
	d.fs.log.Debugf("rename: %s -> %s", oldPath, newPath)

	d.fs.ftpMu.Lock()
	err := d.fs.ops.Rename(oldPath, newPath)
	d.fs.ftpMu.Unlock()
	if err != nil {
		d.fs.log.Warnf("rename %s -> %s: %v", oldPath, newPath, err)
		return syscall.EIO
	}
	d.fs.cache.Invalidate("/")
	return nil
}

// Setattr accepts chmod, chown and utimens on directories and succeeds
// silently; FTP cannot express any of them, and directories have no
// staging file a size change could apply to.
func (d *Dir) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return d.Attr(ctx, &resp.Attr)
}

// File is a regular file (or reported symlink) node identified by its
// remote path.
type File struct {
	fs   *FS
	path string
}

// Attr resolves attributes. A path with a live handle reports the
// staging file's current size, so freshly created files stat correctly
// before their first upload; everything else resolves through the
// parent listing.
func (file *File) Attr(ctx context.Context, a *fuse.Attr) error {
	file.fs.log.Debugf("getattr: %s", file.path)

	if h := file.fs.handles.FindByPath(file.path); h != nil {
		if st, err := os.Stat(h.TempPath); err == nil {
			a.Inode = pathInode(file.path)
			a.Size = uint64(st.Size())
			a.Mode = fileMode
			a.Mtime = st.ModTime()
			a.Ctime = st.ModTime()
			a.Nlink = 1
			a.Uid = file.fs.uid
			a.Gid = file.fs.gid
			a.Valid = file.fs.cacheTimeout
			return nil
		}
	}

	it, err := file.fs.statItem(file.path)
	if err != nil {
		return err
	}
	file.fs.fillAttr(a, file.path, it)
	return nil
}

// Open allocates a handle and stages the remote content. A plain
// read-only open allocates nothing: reads resolve ad hoc, so a
// mostly-read workload cannot exhaust the handle table.
func (file *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	file.fs.log.Debugf("open: %s (flags %v)", file.path, req.Flags)

	if req.Flags.IsReadOnly() && req.Flags&(fuse.OpenCreate|fuse.OpenTruncate) == 0 {
		return &fileHandle{fs: file.fs, path: file.path, id: -1}, nil
	}

	id, h, err := file.fs.handles.Allocate(file.path, req.Flags)
	if err != nil {
		if err == ErrTooManyHandles {
			return nil, syscall.EMFILE
		}
		return nil, syscall.EIO
	}

	if req.Flags&fuse.OpenCreate == 0 || req.Flags&fuse.OpenTruncate != 0 {
		file.fs.ftpMu.Lock()
		err := file.fs.ops.Download(file.path, h.TempPath)
		file.fs.ftpMu.Unlock()
		if err != nil {
			if req.Flags&fuse.OpenCreate != 0 {
				// Create intent: proceed with the empty staging file;
				// truncation discards the remote content regardless.
				file.fs.log.Debugf("open %s: download failed, treating as new: %v", file.path, err)
				h.isNew = true
			} else {
				// The remote file should exist but could not be staged.
				// Writing into an empty staging file and uploading it on
				// release would clobber the remote copy, so fail the
				// open instead.
				file.fs.log.Warnf("open %s: download failed: %v", file.path, err)
				file.fs.handles.Release(id)
				return nil, syscall.EIO
			}
		}
	} else {
		h.isNew = true
	}

	return &fileHandle{fs: file.fs, path: file.path, id: id, h: h}, nil
}

// Setattr accepts the attribute changes FTP can express. A size change
// is a truncate; mode, ownership and timestamps succeed silently
// because the protocol has no way to set them.
func (file *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		file.fs.log.Debugf("truncate: %s (size %d)", file.path, req.Size)
		file.fs.truncateRemote(file.path, int64(req.Size))
	}
	return file.Attr(ctx, &resp.Attr)
}

// truncateRemote resizes a remote file through the staging directory:
// download, truncate locally, upload. A failed download degrades to an
// empty file of the requested size. An open handle on the path is
// truncated in place instead and uploaded on its release.
func (f *FS) truncateRemote(p string, size int64) {
	if h := f.handles.FindByPath(p); h != nil {
		h.mu.Lock()
		if err := os.Truncate(h.TempPath, size); err == nil {
			h.dirty = true
		}
		h.mu.Unlock()
		return
	}

	tmp := filepath.Join(f.tempDir,
		fmt.Sprintf("trunc_%d_%d", os.Getpid(), time.Now().UnixNano()))

	f.ftpMu.Lock()
	defer f.ftpMu.Unlock()

	if err := f.ops.Download(p, tmp); err == nil {
		os.Truncate(tmp, size)
	} else {
		fd, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE, 0600)
		if err != nil {
			return
		}
		fd.Truncate(size)
		fd.Close()
	}
	if err := f.ops.Upload(tmp, p); err != nil {
		f.log.Warnf("truncate upload %s: %v", p, err)
	}
	os.Remove(tmp)
	f.invalidateParent(p)
}

// Fsync is accepted and does nothing; uploads happen on release.
func (file *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	return nil
}

// fileHandle is an open file. id indexes the handle table; id -1 marks
// a read-only open that holds no slot and resolves reads ad hoc.
type fileHandle struct {
	fs   *FS
	path string
	id   int
	h    *Handle
}

// Read serves bytes from the staging file, or for slot-less handles
// from a throwaway download that is deleted as soon as it is read.
func (fh *fileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	if fh.h != nil {
		fh.h.mu.Lock()
		defer fh.h.mu.Unlock()
		return readAt(fh.h.TempPath, req, resp)
	}

	tmp := filepath.Join(fh.fs.tempDir,
		fmt.Sprintf("read_%d_%d", os.Getpid(), time.Now().UnixNano()))

	fh.fs.ftpMu.Lock()
	err := fh.fs.ops.Download(fh.path, tmp)
	fh.fs.ftpMu.Unlock()
	if err != nil {
		fh.fs.log.Warnf("read %s: %v", fh.path, err)
		return syscall.EIO
	}
	defer os.Remove(tmp)
	return readAt(tmp, req, resp)
}

func readAt(path string, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	f, err := os.Open(path)
	if err != nil {
		return errnoFor(err)
	}
	defer f.Close()

	buf := make([]byte, req.Size)
	n, err := f.ReadAt(buf, req.Offset)
	if err != nil && err != io.EOF {
		return errnoFor(err)
	}
	resp.Data = buf[:n]
	return nil
}

// Write stores bytes into the staging file under the handle's own
// mutex. A successful positive-length write marks the handle dirty.
func (fh *fileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	if fh.h == nil {
		return syscall.EBADF
	}

	fh.h.mu.Lock()
	defer fh.h.mu.Unlock()

	f, err := os.OpenFile(fh.h.TempPath, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return errnoFor(err)
	}
	n, err := f.WriteAt(req.Data, req.Offset)
	f.Close()
	if n > 0 {
		fh.h.dirty = true
	}
	if err != nil {
		return errnoFor(err)
	}
	resp.Size = n
	return nil
}

// Flush is accepted and does nothing; uploads happen on release.
func (fh *fileHandle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return nil
}

// Release uploads the staging file if the handle is dirty or newly
// created, invalidates the parent listing, and frees the slot.
func (fh *fileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	if fh.h == nil {
		return nil
	}
	fh.fs.log.Debugf("release: %s (slot %d)", fh.path, fh.id)

	var uploadErr error
	fh.h.mu.Lock()
	if fh.h.dirty || fh.h.isNew {
		fh.fs.ftpMu.Lock()
		uploadErr = fh.fs.ops.Upload(fh.h.TempPath, fh.path)
		fh.fs.ftpMu.Unlock()
		fh.fs.invalidateParent(fh.path)
	}
	fh.h.mu.Unlock()

	fh.fs.handles.Release(fh.id)

	if uploadErr != nil {
		fh.fs.log.Warnf("release upload %s: %v", fh.path, uploadErr)
		return syscall.EIO
	}
	return nil
}

// errnoFor maps a local staging I/O failure to its errno.
func errnoFor(err error) error {
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	if pe, ok := err.(*os.PathError); ok {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno
		}
	}
	return syscall.EIO
}

// Interface conformance.
var (
	_ fs.FS                  = (*FS)(nil)
	_ fs.Node                = (*Dir)(nil)
	_ fs.NodeRequestLookuper = (*Dir)(nil)
	_ fs.HandleReadDirAller  = (*Dir)(nil)
	_ fs.NodeMkdirer         = (*Dir)(nil)
	_ fs.NodeCreater         = (*Dir)(nil)
	_ fs.NodeRemover         = (*Dir)(nil)
	_ fs.NodeRenamer         = (*Dir)(nil)
	_ fs.NodeSetattrer       = (*Dir)(nil)
	_ fs.Node                = (*File)(nil)
	_ fs.NodeOpener          = (*File)(nil)
	_ fs.NodeSetattrer       = (*File)(nil)
	_ fs.NodeFsyncer         = (*File)(nil)
	_ fs.Handle              = (*fileHandle)(nil)
	_ fs.HandleReader        = (*fileHandle)(nil)
	_ fs.HandleWriter        = (*fileHandle)(nil)
	_ fs.HandleFlusher       = (*fileHandle)(nil)
	_ fs.HandleReleaser      = (*fileHandle)(nil)
)
