package ftpfs

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrHelp is returned by ParseArgs when usage was requested.
var ErrHelp = errors.New("help requested")

// Config carries everything the mount needs. Every option is also
// settable through a CFTPFS_* environment variable (flags win), which
// keeps the password out of process listings.
type Config struct {
	Host       string `validate:"required"`
	Mountpoint string `validate:"required"`
	Port       int    `validate:"min=1,max=65535"`
	User       string `validate:"required"`
	Password   string
	Encoding   string `validate:"required"`

	// CacheTimeout bounds listing cache entries and doubles as the
	// kernel attr/entry validity. Clamped to [5s, 300s] at parse time.
	CacheTimeout time.Duration

	Debug      bool
	Foreground bool
	Mock       bool
}

// Usage is the help text printed for -h and argument errors.
const Usage = `Usage: cftpfs [options] <host> <mountpoint>

Options:
    -p, --port=PORT          FTP port (default: 21)
    -u, --user=USER          FTP user (default: anonymous)
    -P, --password=PASS      FTP password
    -e, --encoding=ENC       Encoding (default: utf-8)
    -c, --cache-timeout=SEC  Cache timeout in seconds (default: 30, min: 5, max: 300)
        --vscode             Optimized mode for VS Code (extended cache)
        --mock               Mount the in-memory mock backend (no server)
    -d, --debug              Debug mode with detailed logs
    -f, --foreground         Run in foreground
    -h, --help               Show this help

Every option is also read from the environment as CFTPFS_<OPTION>,
e.g. CFTPFS_PASSWORD.

Example:
    cftpfs ftp.example.com /mnt/ftp -u user -P password -f
    cftpfs ftp.example.com /mnt/ftp -u user -P password --vscode -f
`

// ParseArgs parses command-line arguments (without the program name)
// into a validated Config.
func ParseArgs(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("cftpfs", pflag.ContinueOnError)
	// The caller decides what reaches stderr.
	flags.SetOutput(io.Discard)

	flags.IntP("port", "p", 21, "FTP port")
	flags.StringP("user", "u", "anonymous", "FTP user")
	flags.StringP("password", "P", "", "FTP password")
	flags.StringP("encoding", "e", "utf-8", "encoding label (advisory)")
	flags.IntP("cache-timeout", "c", int(CacheTimeoutDefault/time.Second),
		"listing cache timeout in seconds")
	flags.Bool("vscode", false, "extend the cache timeout for VS Code")
	flags.Bool("mock", false, "mount the in-memory mock backend")
	flags.BoolP("debug", "d", false, "verbose logs")
	flags.BoolP("foreground", "f", false, "do not daemonize")
	help := flags.BoolP("help", "h", false, "print usage")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, err
	}
	if *help {
		return nil, ErrHelp
	}

	v := viper.New()
	v.SetEnvPrefix("CFTPFS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}

	pos := flags.Args()
	if len(pos) != 2 {
		return nil, fmt.Errorf("host and mountpoint required (got %d arguments)", len(pos))
	}

	cfg := &Config{
		Host:         pos[0],
		Mountpoint:   pos[1],
		Port:         v.GetInt("port"),
		User:         v.GetString("user"),
		Password:     v.GetString("password"),
		Encoding:     v.GetString("encoding"),
		CacheTimeout: time.Duration(v.GetInt("cache-timeout")) * time.Second,
		Debug:        v.GetBool("debug"),
		Foreground:   v.GetBool("foreground"),
		Mock:         v.GetBool("mock"),
	}
	if v.GetBool("vscode") {
		cfg.CacheTimeout = 60 * time.Second
	}
	cfg.CacheTimeout = ClampCacheTimeout(cfg.CacheTimeout)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the struct tags and reports the first failure in a
// readable form.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' (value: %v)",
			strings.ToLower(e.Field()), e.Tag(), e.Value())
	}
	return err
}
