package ftpfs

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"
)

// Operations is the FTP operation set the dispatcher composes. Download
// and Upload move whole files between the remote path and a local
// staging path; there is no partial-object I/O over the network.
type Operations interface {
	List(path string) ([]Item, error)
	Download(remote, local string) error
	Upload(local, remote string) error
	Delete(path string) error
	Mkdir(path string) error
	Rmdir(path string) error
	Rename(oldPath, newPath string) error
	Close() error
}

const (
	connectTimeout = 30 * time.Second
	opTimeout      = 300 * time.Second

	keepAliveIdle     = 120 * time.Second
	keepAliveInterval = 60 * time.Second
)

var errOpTimeout = errors.New("operation timed out")

// Client implements Operations over a single cached FTP session. The
// session is established on first use and torn down whenever an
// operation fails at the connection level, so the next call reconnects
// transparently.
type Client struct {
	host     string
	port     int
	user     string
	password string
	log      *zap.SugaredLogger

	connectTimeout time.Duration
	opTimeout      time.Duration

	mu   sync.Mutex // serializes session use; one operation in flight
	conn *ftp.ServerConn
}

// NewClient creates a client for host:port. No connection is made until
// the first operation.
func NewClient(host string, port int, user, password string, log *zap.SugaredLogger) *Client {
	return &Client{
		host:           host,
		port:           port,
		user:           user,
		password:       password,
		log:            log,
		connectTimeout: connectTimeout,
		opTimeout:      opTimeout,
	}
}

// ensureLocked returns the live session, dialing one if needed. Callers
// hold c.mu.
func (c *Client) ensureLocked() (*ftp.ServerConn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	addr := net.JoinHostPort(c.host, fmt.Sprint(c.port))
	c.log.Debugf("ftp: connecting to %s", addr)

	// Keep-alive on the control connection survives NAT idle timeouts
	// while a long transfer holds the session.
	dialer := net.Dialer{
		Timeout: c.connectTimeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     keepAliveIdle,
			Interval: keepAliveInterval,
		},
	}
	conn, err := ftp.Dial(addr,
		ftp.DialWithDialer(dialer),
		ftp.DialWithDisabledMLSD(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	if err := conn.Login(c.user, c.password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("login: %w", err)
	}
	if err := conn.Type(ftp.TransferTypeBinary); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("set binary type: %w", err)
	}

	c.conn = conn
	return conn, nil
}

// teardownLocked drops the session so the next call reconnects.
func (c *Client) teardownLocked() {
	if c.conn == nil {
		return
	}
	c.log.Debugf("ftp: tearing down session")
	c.conn.Quit()
	c.conn = nil
}

// isConnErr reports whether err means the session itself is unusable.
// Server replies are permanent refusals except the 421/425/426 family,
// and local file errors (*os.PathError) leave the session alone;
// everything else that reaches here is a transport failure.
func isConnErr(err error) bool {
	if err == nil {
		return false
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return false
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch tpErr.Code {
		case 421, 425, 426:
			return true
		}
		return false
	}
	return true
}

// do runs fn against the session under the overall operation timeout.
// Connection-class failures tear the session down. A timed-out session
// is abandoned immediately and quit once the stalled call returns, so
// its goroutine never touches a redialed connection.
func (c *Client) do(op string, fn func(conn *ftp.ServerConn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.ensureLocked()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- fn(conn) }()

	select {
	case err := <-done:
		if err != nil && isConnErr(err) {
			c.teardownLocked()
		}
		return err
	case <-time.After(c.opTimeout):
		c.conn = nil
		go func() {
			<-done
			conn.Quit()
		}()
		return fmt.Errorf("ftp %s: %w", op, errOpTimeout)
	}
}

// itemFromEntry normalizes a server entry into the uniform item record.
func itemFromEntry(e *ftp.Entry) Item {
	it := Item{Name: e.Name, Size: e.Size, Mtime: e.Time}
	switch e.Type {
	case ftp.EntryTypeFolder:
		it.Kind = KindDir
		it.Mode = dirMode
	case ftp.EntryTypeLink:
		it.Kind = KindLink
		it.Mode = linkMode
	default:
		it.Kind = KindFile
		it.Mode = fileMode
	}
	return it
}

// List lists the remote directory. "." and ".." entries are dropped.
func (c *Client) List(dirPath string) ([]Item, error) {
	var items []Item
	err := c.do("list", func(conn *ftp.ServerConn) error {
		entries, err := conn.List(dirPath)
		if err != nil {
			return fmt.Errorf("list %s: %w", dirPath, err)
		}
		for _, e := range entries {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			items = append(items, itemFromEntry(e))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Debugf("ftp: list %s: %d items", dirPath, len(items))
	return items, nil
}

// Download retrieves remote into the local file, which is created or
// truncated. A failed download removes the local file.
func (c *Client) Download(remote, local string) error {
	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	err = c.do("download", func(conn *ftp.ServerConn) error {
		r, err := conn.Retr(remote)
		if err != nil {
			return fmt.Errorf("retr %s: %w", remote, err)
		}
		defer r.Close()
		_, err = io.Copy(f, r)
		return err
	})
	f.Close()
	if err != nil {
		os.Remove(local)
		return err
	}
	c.log.Debugf("ftp: downloaded %s -> %s", remote, local)
	return nil
}

// Upload stores the local file at remote, replacing it. A refused store
// creates the missing remote parent directories and retries once.
func (c *Client) Upload(local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	err = c.do("upload", func(conn *ftp.ServerConn) error {
		err := conn.Stor(remote, f)
		if err == nil {
			return nil
		}
		if !isRefused(err) {
			return fmt.Errorf("stor %s: %w", remote, err)
		}
		makeParents(conn, remote)
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			return serr
		}
		if err := conn.Stor(remote, f); err != nil {
			return fmt.Errorf("stor %s: %w", remote, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.log.Debugf("ftp: uploaded %s -> %s", local, remote)
	return nil
}

// isRefused reports a permanent refusal reply, the class that can mean
// a missing parent directory.
func isRefused(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code >= 500
}

// makeParents best-effort creates every ancestor directory of remote.
// Directories that already exist refuse MKD; those errors are ignored.
func makeParents(conn *ftp.ServerConn, remote string) {
	dir := path.Dir(remote)
	if dir == "/" || dir == "." {
		return
	}
	cur := ""
	for _, p := range strings.Split(strings.Trim(dir, "/"), "/") {
		cur += "/" + p
		conn.MakeDir(cur)
	}
}

// Delete removes a remote file.
func (c *Client) Delete(filePath string) error {
	return c.do("delete", func(conn *ftp.ServerConn) error {
		return conn.Delete(filePath)
	})
}

// Mkdir creates a remote directory.
func (c *Client) Mkdir(dirPath string) error {
	return c.do("mkdir", func(conn *ftp.ServerConn) error {
		return conn.MakeDir(dirPath)
	})
}

// Rmdir removes a remote directory.
func (c *Client) Rmdir(dirPath string) error {
	return c.do("rmdir", func(conn *ftp.ServerConn) error {
		return conn.RemoveDir(dirPath)
	})
}

// Rename moves oldPath to newPath via the RNFR/RNTO pair.
func (c *Client) Rename(oldPath, newPath string) error {
	return c.do("rename", func(conn *ftp.ServerConn) error {
		return conn.Rename(oldPath, newPath)
	})
}

// Close quits the session if one is live.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Quit()
	c.conn = nil
	return err
}

var _ Operations = (*Client)(nil)
