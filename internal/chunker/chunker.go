// Package chunker partitions a growing stream of generated text into speakable chunks.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Policy bounds chunk sizes in runes.
type Policy struct {
	MinChars int
	MaxChars int
}

func DefaultPolicy() Policy {
	return Policy{MinChars: 22, MaxChars: 160}
}

func (p Policy) normalized() Policy {
	if p.MinChars <= 0 {
		p.MinChars = 22
	}
	if p.MaxChars <= p.MinChars {
		p.MaxChars = p.MinChars * 8
	}
	return p
}

// Next extracts the leading chunk of buf. It returns ok=false and the
// unchanged buffer when no chunk is ready yet. chunk+rest always equals buf.
func Next(buf string, p Policy) (chunk, rest string, ok bool) {
	p = p.normalized()
	if strings.TrimSpace(buf) == "" {
		return "", buf, false
	}
	n := utf8.RuneCountInString(buf)
	if n < p.MinChars {
		return "", buf, false
	}
	if cut := boundaryCut(buf, p.MinChars, p.MaxChars); cut > 0 {
		return buf[:cut], buf[cut:], true
	}
	if n < p.MaxChars {
		return "", buf, false
	}
	cut := lastSpaceCut(buf, p.MinChars, p.MaxChars)
	if cut <= 0 {
		cut = byteIndexAtRune(buf, p.MaxChars)
	}
	return buf[:cut], buf[cut:], true
}

// ForceCut splits buf at the last whitespace within maxChars runes once at
// least minChars runes are buffered. Used when nothing has been spoken yet
// and waiting for a sentence boundary would leave the listener in silence.
func ForceCut(buf string, minChars, maxChars int) (chunk, rest string, ok bool) {
	if strings.TrimSpace(buf) == "" || utf8.RuneCountInString(buf) < minChars {
		return "", buf, false
	}
	cut := lastSpaceCut(buf, 1, maxChars)
	if cut <= 0 {
		return "", buf, false
	}
	if strings.TrimSpace(buf[:cut]) == "" {
		return "", buf, false
	}
	return buf[:cut], buf[cut:], true
}

// boundaryCut returns the byte offset just past the first sentence boundary
// whose end lies at or beyond minChars runes, scanning no further than
// maxChars runes. Whitespace trailing the boundary belongs to the chunk.
func boundaryCut(s string, minChars, maxChars int) int {
	runes := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		runes++
		if runes > maxChars {
			return 0
		}
		end := i + size
		boundary := false
		switch r {
		case '\n':
			boundary = true
		case '.', '!', '?':
			if end < len(s) {
				next, _ := utf8.DecodeRuneInString(s[end:])
				boundary = unicode.IsSpace(next)
			}
		}
		if boundary && runes >= minChars {
			for end < len(s) {
				next, sz := utf8.DecodeRuneInString(s[end:])
				if !unicode.IsSpace(next) {
					break
				}
				end += sz
			}
			return end
		}
		i = end
	}
	return 0
}

// lastSpaceCut returns the byte offset just past the last whitespace rune
// within the first maxChars runes, or 0. Cuts yielding fewer than minChars
// runes are ignored.
func lastSpaceCut(s string, minChars, maxChars int) int {
	runes := 0
	cut := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		runes++
		if runes > maxChars {
			break
		}
		if unicode.IsSpace(r) && runes >= minChars {
			cut = i + size
		}
		i += size
	}
	return cut
}

func byteIndexAtRune(s string, runes int) int {
	i := 0
	for r := 0; r < runes && i < len(s); r++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}

// Buffer is the restartable, append-only form of Next: Write deltas as they
// arrive, drain ready chunks, Flush what remains when the stream ends.
type Buffer struct {
	policy  Policy
	pending strings.Builder
}

func NewBuffer(p Policy) *Buffer {
	return &Buffer{policy: p.normalized()}
}

// Write appends delta and returns every chunk that became ready.
func (b *Buffer) Write(delta string) []string {
	b.pending.WriteString(delta)
	var out []string
	buf := b.pending.String()
	for {
		chunk, rest, ok := Next(buf, b.policy)
		if !ok {
			break
		}
		out = append(out, chunk)
		buf = rest
	}
	if len(out) > 0 {
		b.pending.Reset()
		b.pending.WriteString(buf)
	}
	return out
}

// ForceCut applies the escape-valve cut to the pending text.
func (b *Buffer) ForceCut(minChars, maxChars int) (string, bool) {
	chunk, rest, ok := ForceCut(b.pending.String(), minChars, maxChars)
	if !ok {
		return "", false
	}
	b.pending.Reset()
	b.pending.WriteString(rest)
	return chunk, true
}

// Flush returns the remaining text and empties the buffer. ok is false when
// the remainder is empty or whitespace only.
func (b *Buffer) Flush() (string, bool) {
	rest := b.pending.String()
	b.pending.Reset()
	if strings.TrimSpace(rest) == "" {
		return rest, false
	}
	return rest, true
}

// Pending reports the buffered, not yet emitted text.
func (b *Buffer) Pending() string {
	return b.pending.String()
}
