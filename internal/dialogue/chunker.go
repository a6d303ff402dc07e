package dialogue

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinChunkChars is the default minimum length of a synthesized chunk.
const DefaultMinChunkChars = 20

// Chunker groups streamed model text into sentence-aligned chunks so speech
// synthesis can start before the reply is complete.
//
// A chunk is emitted once the buffer holds more than MinChars characters and
// contains a sentence terminator (". ", "! ", "? " or a terminator at the very
// end of the buffer). Everything up to and including the last terminator is
// emitted. Chunker is not safe for concurrent use.
type Chunker struct {
	MinChars int

	buf strings.Builder
}

// NewChunker returns a Chunker with the given minimum; values <= 0 select
// [DefaultMinChunkChars].
func NewChunker(minChars int) *Chunker {
	if minChars <= 0 {
		minChars = DefaultMinChunkChars
	}
	return &Chunker{MinChars: minChars}
}

// Push appends text and returns a chunk when one is ready, or "".
func (c *Chunker) Push(text string) string {
	c.buf.WriteString(text)
	s := c.buf.String()
	if utf8.RuneCountInString(s) <= c.MinChars {
		return ""
	}
	end := lastSentenceBoundary(s)
	if end < 0 {
		return ""
	}
	chunk := strings.TrimSpace(s[:end])
	rest := s[end:]
	c.buf.Reset()
	c.buf.WriteString(strings.TrimLeftFunc(rest, unicode.IsSpace))
	return chunk
}

// Flush returns any buffered residue and resets the Chunker.
func (c *Chunker) Flush() string {
	s := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return s
}

// lastSentenceBoundary returns the byte offset just past the last sentence
// terminator that is followed by whitespace or ends the string, or -1.
func lastSentenceBoundary(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			if i == len(s)-1 {
				return i + 1
			}
			r, _ := utf8.DecodeRuneInString(s[i+1:])
			if unicode.IsSpace(r) {
				return i + 1
			}
		}
	}
	return -1
}
