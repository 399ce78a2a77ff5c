// Package output turns the raw byte stream of a command into chat-sized,
// printable lines.
package output

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	// DefaultMaxLen is the longest line, in characters, sent as one message.
	DefaultMaxLen = 400

	// maxEscapeLen bounds how far an unterminated control sequence swallows
	// output before the chunker gives up on it. String sequences (OSC, DCS)
	// carry titles and hyperlinks and get a longer bound.
	maxEscapeLen       = 32
	maxStringEscapeLen = 512

	replacement = utf8.RuneError
)

// Chunk is one deliverable piece of output.
type Chunk struct {
	Seq   int    `json:"seq"`
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

// Option configures a Chunker.
type Option func(*Chunker)

// StripANSI controls removal of terminal escape sequences. On by default.
func StripANSI(on bool) Option {
	return func(c *Chunker) { c.stripANSI = on }
}

// KeepBlank keeps empty lines instead of dropping them.
func KeepBlank(on bool) Option {
	return func(c *Chunker) { c.keepBlank = on }
}

// Chunker is a forward-only decoder and line splitter. It is not safe for
// concurrent use.
type Chunker struct {
	maxLen    int
	stripANSI bool
	keepBlank bool

	dec   transform.Transformer
	carry []byte

	line    strings.Builder
	lineLen int  // runes in line
	split   bool // current line already produced a piece
	cr      bool // previous rune was '\r'
	esc     escState
	escLen  int

	seq  int
	out  []Chunk
	done bool
}

// New returns a Chunker that splits lines longer than maxLen characters.
func New(maxLen int, opts ...Option) *Chunker {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	c := &Chunker{
		maxLen:    maxLen,
		stripANSI: true,
		dec:       xunicode.UTF8.NewDecoder(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Feed consumes raw output and returns the lines it completed. An
// incomplete UTF-8 sequence at the end of b is held for the next call.
func (c *Chunker) Feed(b []byte) []Chunk {
	if c.done || len(b) == 0 {
		return nil
	}
	c.decode(b, false)
	return c.take()
}

// Flush ends the stream: a held partial sequence becomes U+FFFD and any
// unterminated line is emitted. Output that ended with a line break adds
// nothing. Further Feed calls are ignored.
func (c *Chunker) Flush() []Chunk {
	if c.done {
		return nil
	}
	c.decode(nil, true)
	c.esc = escNone
	c.cr = false
	if c.lineLen > 0 {
		c.endLine()
	}
	c.done = true
	return c.take()
}

func (c *Chunker) take() []Chunk {
	out := c.out
	c.out = nil
	return out
}

func (c *Chunker) decode(b []byte, atEOF bool) {
	src := b
	if len(c.carry) > 0 {
		src = append(c.carry, b...)
		c.carry = nil
	}
	// Each input byte decodes to at most one three-byte U+FFFD.
	dst := make([]byte, len(src)*3+utf8.UTFMax)
	for len(src) > 0 {
		nDst, nSrc, err := c.dec.Transform(dst, src, atEOF)
		c.consume(dst[:nDst])
		src = src[nSrc:]
		switch {
		case err == nil:
			if nSrc == 0 {
				src = nil
			}
		case errors.Is(err, transform.ErrShortSrc):
			c.carry = append([]byte(nil), src...)
			return
		case errors.Is(err, transform.ErrShortDst):
			dst = make([]byte, len(dst)*2)
		default:
			// The UTF-8 decoder only reports short buffers; anything else
			// would be a bug in the transformer. Keep going byte-wise.
			if len(src) > 0 {
				c.consume([]byte(string(replacement)))
				src = src[1:]
			}
		}
	}
}

func (c *Chunker) consume(s []byte) {
	for len(s) > 0 {
		r, size := utf8.DecodeRune(s)
		s = s[size:]
		c.rune(r)
	}
}

func (c *Chunker) rune(r rune) {
	if c.cr {
		c.cr = false
		if r == '\n' {
			return
		}
	}
	switch r {
	case '\n':
		c.esc = escNone
		c.endLine()
		return
	case '\r':
		c.esc = escNone
		c.endLine()
		c.cr = true
		return
	}

	if c.esc != escNone {
		c.escape(r)
		return
	}
	if r == 0x1b && c.stripANSI {
		c.esc = escStart
		c.escLen = 0
		return
	}
	if r != '\t' && unicode.IsControl(r) {
		r = replacement
	}

	c.line.WriteRune(r)
	c.lineLen++
	if c.lineLen == c.maxLen {
		c.emit(c.line.String())
		c.line.Reset()
		c.lineLen = 0
		c.split = true
	}
}

func (c *Chunker) endLine() {
	if c.lineLen > 0 || (c.keepBlank && !c.split) {
		c.emit(c.line.String())
	}
	c.line.Reset()
	c.lineLen = 0
	c.split = false
}

func (c *Chunker) emit(text string) {
	if text == "" && !c.keepBlank {
		return
	}
	c.seq++
	c.out = append(c.out, Chunk{Seq: c.seq, Text: text})
}

type escState uint8

const (
	escNone escState = iota
	escStart
	escCSI          // ESC [ ... final byte 0x40-0x7E
	escIntermediate // ESC, intermediates 0x20-0x2F, final byte 0x30-0x7E
	escString       // OSC, DCS, APC, PM: ends at BEL or ESC \
	escStringEsc    // ESC seen inside a string sequence
)

// escape consumes one rune of an escape sequence.
func (c *Chunker) escape(r rune) {
	c.escLen++
	switch c.esc {
	case escStart:
		switch {
		case r == '[':
			c.esc = escCSI
		case r == ']' || r == 'P' || r == '_' || r == '^':
			c.esc = escString
		case r >= 0x20 && r <= 0x2f:
			c.esc = escIntermediate
		default:
			c.esc = escNone
		}
	case escCSI:
		if r >= 0x40 && r <= 0x7e {
			c.esc = escNone
		}
	case escIntermediate:
		if r >= 0x30 && r <= 0x7e {
			c.esc = escNone
		}
	case escString:
		switch r {
		case 0x07:
			c.esc = escNone
		case 0x1b:
			c.esc = escStringEsc
		}
	case escStringEsc:
		if r == '\\' {
			c.esc = escNone
		} else {
			c.esc = escString
		}
	}

	limit := maxEscapeLen
	if c.esc == escString || c.esc == escStringEsc {
		limit = maxStringEscapeLen
	}
	if c.escLen >= limit {
		c.esc = escNone
	}
}
