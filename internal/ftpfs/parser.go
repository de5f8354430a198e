package ftpfs

import (
	"os"
	"strings"
	"time"
)

// Kind classifies a listing item.
type Kind int

const (
	KindUnknown Kind = iota
	KindFile
	KindDir
	KindLink
)

// Mode constants per item kind. FTP does not expose real permissions,
// so every item of a kind gets the same bits.
const (
	fileMode = os.FileMode(0644)
	dirMode  = os.ModeDir | 0755
	linkMode = os.ModeSymlink | 0777
)

// Item is one row of a directory listing, normalized from either the
// Unix or the Windows listing format.
type Item struct {
	Name  string
	Kind  Kind
	Size  uint64
	Mtime time.Time
	Mode  os.FileMode
}

var months = []string{
	"Jan", "Feb", "Mar", "Apr", "May", "Jun",
	"Jul", "Aug", "Sep", "Oct", "Nov", "Dec",
}

func parseMonth(s string) int {
	if len(s) < 3 {
		return -1
	}
	for i, m := range months {
		if strings.EqualFold(s[:3], m) {
			return i
		}
	}
	return -1
}

// lineScanner walks a listing line token by token. The last field of a
// listing is the name, which may itself contain spaces, so the scanner
// exposes both token and rest-of-line access.
type lineScanner struct {
	s string
	i int
}

func (sc *lineScanner) skipSpaces() {
	for sc.i < len(sc.s) && (sc.s[sc.i] == ' ' || sc.s[sc.i] == '\t') {
		sc.i++
	}
}

// token returns the next whitespace-delimited token, or "" at end of line.
func (sc *lineScanner) token() string {
	sc.skipSpaces()
	start := sc.i
	for sc.i < len(sc.s) && sc.s[sc.i] != ' ' && sc.s[sc.i] != '\t' {
		sc.i++
	}
	return sc.s[start:sc.i]
}

// rest returns everything after the current position with leading
// whitespace removed.
func (sc *lineScanner) rest() string {
	sc.skipSpaces()
	return sc.s[sc.i:]
}

// parseUint parses a non-negative decimal, rejecting empty or non-digit
// input.
func parseUint(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return n, true
}

// ParseLine parses one line of FTP LIST output. The format is detected
// from the first non-blank character: 'd', '-' or 'l' selects the Unix
// branch, a decimal digit the Windows branch. Lines that match neither,
// such as the "total N" header many servers prepend, are rejected and
// the caller is expected to drop them.
func ParseLine(line string) (Item, bool) {
	sc := &lineScanner{s: line}
	sc.skipSpaces()
	if sc.i >= len(sc.s) {
		return Item{}, false
	}
	switch c := sc.s[sc.i]; {
	case c == 'd' || c == '-' || c == 'l':
		return parseUnixLine(sc)
	case c >= '0' && c <= '9':
		return parseWindowsLine(sc)
	}
	return Item{}, false
}

// parseUnixLine handles the classic ls -l layout:
//
//	drwxr-xr-x 2 user group 4096 Jan  1 12:00 name
//	-rw-r--r-- 1 user group 1234 Jan  1 2023  name
func parseUnixLine(sc *lineScanner) (Item, bool) {
	var it Item
	switch sc.s[sc.i] {
	case 'd':
		it.Kind = KindDir
		it.Mode = dirMode
	case 'l':
		it.Kind = KindLink
		it.Mode = linkMode
	default:
		it.Kind = KindFile
		it.Mode = fileMode
	}

	// Permissions, link count, owner, group: present but not modeled.
	for i := 0; i < 4; i++ {
		if sc.token() == "" {
			return Item{}, false
		}
	}

	size, ok := parseUint(sc.token())
	if !ok {
		return Item{}, false
	}
	it.Size = size

	month := parseMonth(sc.token())
	if month < 0 {
		return Item{}, false
	}
	day, ok := parseUint(sc.token())
	if !ok || day == 0 {
		return Item{}, false
	}

	// Either "HH:MM" in the current year, or a plain year at 00:00.
	var year, hour, minute int
	tok := sc.token()
	if colon := strings.IndexByte(tok, ':'); colon >= 0 {
		h, hok := parseUint(tok[:colon])
		m, mok := parseUint(tok[colon+1:])
		if !hok || !mok {
			return Item{}, false
		}
		hour, minute = int(h), int(m)
		year = time.Now().Year()
	} else {
		y, yok := parseUint(tok)
		if !yok {
			return Item{}, false
		}
		year = int(y)
	}

	name := sc.rest()
	if name == "" {
		return Item{}, false
	}
	// Symlinks list as "name -> target"; the target is not modeled.
	if arrow := strings.Index(name, " -> "); arrow >= 0 {
		name = name[:arrow]
	}
	it.Name = name
	it.Mtime = time.Date(year, time.Month(month+1), int(day), hour, minute, 0, 0, time.Local)
	return it, true
}

// parseWindowsLine handles the DOS DIR layout:
//
//	01-01-24  12:00PM       <DIR>          Data
//	01-01-24  12:00PM             1234     file.txt
func parseWindowsLine(sc *lineScanner) (Item, bool) {
	var it Item

	date := sc.token()
	parts := strings.SplitN(date, "-", 3)
	if len(parts) != 3 {
		return Item{}, false
	}
	m, mok := parseUint(parts[0])
	d, dok := parseUint(parts[1])
	y, yok := parseUint(parts[2])
	if !mok || !dok || !yok || m < 1 || m > 12 || d < 1 || d > 31 {
		return Item{}, false
	}
	year := int(y)
	if year < 50 {
		year += 2000
	} else if year < 100 {
		year += 1900
	}

	clock := sc.token()
	colon := strings.IndexByte(clock, ':')
	if colon < 0 {
		return Item{}, false
	}
	h, hok := parseUint(clock[:colon])
	rest := clock[colon+1:]
	suffix := ""
	if len(rest) > 2 {
		suffix = rest[2:]
		rest = rest[:2]
	}
	mn, mnok := parseUint(rest)
	if !hok || !mnok {
		return Item{}, false
	}
	hour, minute := int(h), int(mn)
	switch {
	case strings.EqualFold(suffix, "PM"):
		if hour != 12 {
			hour += 12
		}
	case strings.EqualFold(suffix, "AM"):
		if hour == 12 {
			hour = 0
		}
	}

	tok := sc.token()
	if strings.EqualFold(tok, "<DIR>") {
		it.Kind = KindDir
		it.Mode = dirMode
		it.Size = 0
	} else {
		size, ok := parseUint(tok)
		if !ok {
			return Item{}, false
		}
		it.Kind = KindFile
		it.Mode = fileMode
		it.Size = size
	}

	name := strings.TrimRight(sc.rest(), " \t\r")
	if name == "" {
		return Item{}, false
	}
	it.Name = name
	it.Mtime = time.Date(year, time.Month(m), int(d), hour, minute, 0, 0, time.Local)
	return it, true
}

// Parse splits raw listing text into lines and parses each one,
// silently dropping lines the parser rejects.
func Parse(raw string) []Item {
	var items []Item
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if it, ok := ParseLine(line); ok {
			items = append(items, it)
		}
	}
	return items
}
