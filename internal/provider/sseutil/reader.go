// Package sseutil holds the line scanning shared by every vendor stream
// adapter. Vendors differ in payload shape but all speak SSE on the wire.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

// Vendor deltas are small; 64KB leaves ample room for tool-call arguments
// that arrive in one line.
const maxLineSize = 64 * 1024

// NewScanner wraps r in a line scanner sized for SSE payloads. Scan yields
// one line at a time with the newline stripped.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine splits one SSE line into its field name and value. ok is
// false for blank lines, comments, and lines with no colon, which callers
// skip. Only "event" and "data" fields are recognized; a leading space
// after the colon is trimmed as the format allows.
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}
