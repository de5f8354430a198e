// Command cftpfs mounts a remote FTP server as a local filesystem.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/tuusuario/cftpfs/internal/ftpfs"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := ftpfs.ParseArgs(os.Args[1:])
	if errors.Is(err, ftpfs.ErrHelp) {
		fmt.Print(ftpfs.Usage)
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n%s", err, ftpfs.Usage)
		return 1
	}

	// Go cannot fork; daemonizing means re-executing ourselves detached
	// with --foreground appended.
	if !cfg.Foreground {
		return daemonize()
	}

	log := newLogger(cfg.Debug)
	defer log.Sync()

	fmt.Printf("cftpfs v%s - mounting %s on %s\n", version, cfg.Host, cfg.Mountpoint)
	fmt.Printf("User: %s, Port: %d\n", cfg.User, cfg.Port)

	var ops ftpfs.Operations
	if cfg.Mock {
		ops = ftpfs.NewMockClient()
	} else {
		ops = ftpfs.NewClient(cfg.Host, cfg.Port, cfg.User, cfg.Password, log)
	}

	filesys, err := ftpfs.New(ops, cfg.CacheTimeout, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		if err := filesys.Destroy(); err != nil {
			log.Warnf("teardown: %v", err)
		}
	}()

	log.Debugf("encoding %s (advisory), cache timeout %s, staging dir %s",
		cfg.Encoding, cfg.CacheTimeout, filesys.TempDir())

	options := []fuse.MountOption{
		fuse.FSName(fmt.Sprintf("cftpfs@%s:%d", cfg.Host, cfg.Port)),
		fuse.Subtype("cftpfs"),
	}
	if cfg.Debug {
		fuse.Debug = func(msg interface{}) {
			log.Debugf("fuse: %v", msg)
		}
	}

	conn, err := fuse.Mount(cfg.Mountpoint, options...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: mount %s: %v\n", cfg.Mountpoint, err)
		return 1
	}
	defer conn.Close()

	var g errgroup.Group
	served := make(chan struct{})
	g.Go(func() error {
		defer close(served)
		return fs.Serve(conn, filesys)
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Infof("signal %v, unmounting %s", sig, cfg.Mountpoint)
	case <-served:
	}

	unmount(cfg.Mountpoint, log)

	if err := g.Wait(); err != nil {
		log.Errorf("fuse serve: %v", err)
		return 1
	}
	return 0
}

// unmount detaches the mountpoint, falling back to fusermount when the
// direct unmount is refused.
func unmount(mountpoint string, log *zap.SugaredLogger) {
	if err := fuse.Unmount(mountpoint); err != nil {
		log.Warnf("unmount: %v", err)
		if err := exec.Command("fusermount", "-u", mountpoint).Run(); err != nil {
			log.Warnf("fusermount -u: %v", err)
		}
	}
}

// daemonize re-executes the process in the background and returns the
// parent's exit code.
func daemonize() int {
	args := append(os.Args[1:], "--foreground")
	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: daemonize: %v\n", err)
		return 1
	}
	return 0
}

// newLogger builds a console logger on standard error. Without --debug
// only warnings and errors are emitted.
func newLogger(debug bool) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		// Logger construction only fails on bad config; fall back to a
		// no-op logger rather than dying before the mount.
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
