package ftpfs

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockClient implements Operations against an in-memory tree, so the
// filesystem can be mounted and exercised without a server. Listings
// are rendered as Unix ls lines and run back through the listing
// parser, the same text path a real server produces.
type MockClient struct {
	mu     sync.Mutex
	files  map[string][]byte
	dirs   map[string]bool
	mtimes map[string]time.Time
}

// NewMockClient returns a mock backend seeded with a small tree.
func NewMockClient() *MockClient {
	m := &MockClient{
		files:  make(map[string][]byte),
		dirs:   make(map[string]bool),
		mtimes: make(map[string]time.Time),
	}
	m.dirs["/"] = true
	m.AddDir("/pub")
	m.AddFile("/readme.txt", []byte("cftpfs mock backend\n"))
	m.AddFile("/pub/notes.txt", []byte("nothing to see here\n"))
	return m
}

// NewEmptyMockClient returns a mock backend containing only the root.
func NewEmptyMockClient() *MockClient {
	m := &MockClient{
		files:  make(map[string][]byte),
		dirs:   make(map[string]bool),
		mtimes: make(map[string]time.Time),
	}
	m.dirs["/"] = true
	return m
}

// AddFile inserts a file, creating missing parents.
func (m *MockClient) AddFile(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addParentsLocked(p)
	m.files[p] = data
	m.mtimes[p] = time.Now()
}

// AddDir inserts a directory, creating missing parents.
func (m *MockClient) AddDir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addParentsLocked(p)
	m.dirs[p] = true
	m.mtimes[p] = time.Now()
}

func (m *MockClient) addParentsLocked(p string) {
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		m.dirs[dir] = true
	}
}

// formatUnixLine renders an item the way a Unix server lists it. Recent
// mtimes get the HH:MM form, older ones the year form, matching what ls
// emits and what the parser expects back.
func formatUnixLine(it Item) string {
	typ := "-"
	perms := "rw-r--r--"
	switch it.Kind {
	case KindDir:
		typ = "d"
		perms = "rwxr-xr-x"
	case KindLink:
		typ = "l"
		perms = "rwxrwxrwx"
	}
	var stamp string
	if it.Mtime.Year() == time.Now().Year() {
		stamp = it.Mtime.Format("Jan _2 15:04")
	} else {
		stamp = it.Mtime.Format("Jan _2 2006")
	}
	return fmt.Sprintf("%s%s 1 ftp ftp %12d %s %s", typ, perms, it.Size, stamp, it.Name)
}

// List renders the directory as listing text and parses it back.
func (m *MockClient) List(dirPath string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dirPath = cleanDir(dirPath)
	if !m.dirs[dirPath] {
		return nil, fmt.Errorf("list %s: no such directory", dirPath)
	}

	var names []string
	for p := range m.files {
		if path.Dir(p) == dirPath {
			names = append(names, p)
		}
	}
	for p := range m.dirs {
		if p != "/" && path.Dir(p) == dirPath {
			names = append(names, p)
		}
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, p := range names {
		it := Item{Name: path.Base(p), Mtime: m.mtimes[p]}
		if m.dirs[p] {
			it.Kind = KindDir
			it.Mode = dirMode
			it.Size = 4096
		} else {
			it.Kind = KindFile
			it.Mode = fileMode
			it.Size = uint64(len(m.files[p]))
		}
		sb.WriteString(formatUnixLine(it))
		sb.WriteString("\n")
	}
	return Parse(sb.String()), nil
}

func cleanDir(p string) string {
	if p == "" {
		return "/"
	}
	if p != "/" {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// Download writes the remote file's bytes to local.
func (m *MockClient) Download(remote, local string) error {
	m.mu.Lock()
	data, ok := m.files[remote]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("download %s: no such file", remote)
	}
	return os.WriteFile(local, data, 0600)
}

// Upload replaces the remote file with local's bytes, creating missing
// parent directories like the real upload path.
func (m *MockClient) Upload(local, remote string) error {
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addParentsLocked(remote)
	m.files[remote] = data
	m.mtimes[remote] = time.Now()
	return nil
}

// Delete removes a remote file.
func (m *MockClient) Delete(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; !ok {
		return fmt.Errorf("delete %s: no such file", p)
	}
	delete(m.files, p)
	delete(m.mtimes, p)
	return nil
}

// Mkdir creates a remote directory.
func (m *MockClient) Mkdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = cleanDir(p)
	if m.dirs[p] {
		return fmt.Errorf("mkdir %s: already exists", p)
	}
	m.addParentsLocked(p)
	m.dirs[p] = true
	m.mtimes[p] = time.Now()
	return nil
}

// Rmdir removes an empty remote directory.
func (m *MockClient) Rmdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = cleanDir(p)
	if !m.dirs[p] || p == "/" {
		return fmt.Errorf("rmdir %s: no such directory", p)
	}
	for f := range m.files {
		if strings.HasPrefix(f, p+"/") {
			return fmt.Errorf("rmdir %s: directory not empty", p)
		}
	}
	for d := range m.dirs {
		if strings.HasPrefix(d, p+"/") {
			return fmt.Errorf("rmdir %s: directory not empty", p)
		}
	}
	delete(m.dirs, p)
	delete(m.mtimes, p)
	return nil
}

// Rename moves a file or a whole directory subtree.
func (m *MockClient) Rename(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if data, ok := m.files[oldPath]; ok {
		delete(m.files, oldPath)
		m.files[newPath] = data
		m.mtimes[newPath] = m.mtimes[oldPath]
		delete(m.mtimes, oldPath)
		return nil
	}
	old := cleanDir(oldPath)
	if !m.dirs[old] {
		return fmt.Errorf("rename %s: no such file or directory", oldPath)
	}
	newDir := cleanDir(newPath)
	delete(m.dirs, old)
	m.dirs[newDir] = true
	m.mtimes[newDir] = m.mtimes[old]
	delete(m.mtimes, old)
	var moveFiles, moveDirs []string
	for f := range m.files {
		if strings.HasPrefix(f, old+"/") {
			moveFiles = append(moveFiles, f)
		}
	}
	for d := range m.dirs {
		if strings.HasPrefix(d, old+"/") {
			moveDirs = append(moveDirs, d)
		}
	}
	for _, f := range moveFiles {
		m.files[newDir+f[len(old):]] = m.files[f]
		delete(m.files, f)
	}
	for _, d := range moveDirs {
		m.dirs[newDir+d[len(old):]] = true
		delete(m.dirs, d)
	}
	return nil
}

// Close is a no-op; there is no session.
func (m *MockClient) Close() error { return nil }

var _ Operations = (*MockClient)(nil)
