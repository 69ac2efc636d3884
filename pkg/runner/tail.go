package runner

import (
	"io"
	"os"
	"strings"
)

// DefaultTailBytes bounds how much stderr is echoed into EXIT files and
// console reports.
const DefaultTailBytes = 4096

// Tail returns at most maxBytes from the end of the file at path. A
// missing or unreadable file yields "".
func Tail(path string, maxBytes int64) string {
	if path == "" || maxBytes <= 0 {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return ""
	}
	offset := info.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	s := string(b)
	if offset > 0 {
		// drop the partial first line
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
	}
	return strings.TrimRight(s, "\n")
}
