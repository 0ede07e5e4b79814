package upstream

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// newScanner returns a bufio.Scanner configured for reading SSE lines with
// a 64KB ceiling. Each Scan() yields one line without the trailing newline.
func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// parseDataLine extracts the payload of a `data:` SSE line. Empty lines,
// comments, and non-data fields report ok=false.
func parseDataLine(line string) (data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found || key != "data" {
		return "", false
	}
	// Strip optional leading space after colon per SSE spec
	return strings.TrimPrefix(value, " "), true
}
