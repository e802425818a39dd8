package rules

import (
	"regexp"
	"strings"
)

// DefaultScreenSize is how much recent output a Screen keeps.
const DefaultScreenSize = 4096

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// Screen keeps the tail of the output as plain text, with escape sequences
// removed. It is a cheap stand-in for the rendered grid.
type Screen struct {
	size int
	text []byte
}

// NewScreen returns a screen holding at most size bytes.
func NewScreen(size int) *Screen {
	if size <= 0 {
		size = DefaultScreenSize
	}
	return &Screen{size: size}
}

// Append adds output.
func (s *Screen) Append(data []byte) {
	s.text = append(s.text, ansiEscape.ReplaceAll(data, nil)...)
	if over := len(s.text) - s.size; over > 0 {
		s.text = append(s.text[:0], s.text[over:]...)
	}
}

// Text returns everything kept.
func (s *Screen) Text() string {
	return string(s.text)
}

// LastLine returns the line the cursor is on, which is where prompts appear.
func (s *Screen) LastLine() string {
	text := string(s.text)
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	if i := strings.LastIndexByte(text, '\r'); i >= 0 && i < len(text)-1 {
		text = text[i+1:]
	}
	return strings.TrimRight(text, "\r")
}

// Reset discards the kept text.
func (s *Screen) Reset() {
	s.text = s.text[:0]
}
