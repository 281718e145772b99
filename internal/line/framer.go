// Package line reassembles a raw byte stream into decoded text lines.
package line

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// Policy selects what happens to a line whose bytes cannot be decoded.
type Policy int

const (
	// PolicyReplace emits the line with U+FFFD for each invalid sequence.
	PolicyReplace Policy = iota
	// PolicyDrop discards the whole line.
	PolicyDrop
)

// ParsePolicy maps "replace" and "drop" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "replace":
		return PolicyReplace, nil
	case "drop":
		return PolicyDrop, nil
	default:
		return PolicyReplace, fmt.Errorf("unknown decode policy %q (use replace|drop)", s)
	}
}

func (p Policy) String() string {
	if p == PolicyDrop {
		return "drop"
	}
	return "replace"
}

// reclaimThreshold is the capacity above which the accumulator's backing
// array is released once fully drained.
const reclaimThreshold = 16 * 1024

// Stats counts decoding events since the framer was created.
type Stats struct {
	Lines     uint64
	Replaced  uint64
	Dropped   uint64
	Overflows uint64
}

// Framer splits a byte stream on '\n', trims one trailing '\r' and decodes
// each completed line. It is not safe for concurrent use.
//
// The accumulator never holds a '\n' between calls. Unterminated data is
// kept until a terminator arrives, the line cap is exceeded (the fragment is
// then emitted as a line) or Reset is called.
type Framer struct {
	acc     *bytes.Buffer
	enc     encoding.Encoding
	utf8    bool
	policy  Policy
	maxLine int
	stats   Stats
}

// Option configures a Framer.
type Option func(*Framer) error

// WithEncoding selects the charset by WHATWG label (utf-8, iso-8859-1,
// windows-1252, shift_jis, ...). Framing happens on the raw '\n' byte, so
// only ASCII-compatible charsets frame correctly.
func WithEncoding(name string) Option {
	return func(f *Framer) error {
		if name == "" {
			return nil
		}
		e, err := htmlindex.Get(name)
		if err != nil {
			return fmt.Errorf("encoding %q: %w", name, err)
		}
		canonical, _ := htmlindex.Name(e)
		f.enc = e
		f.utf8 = canonical == "utf-8"
		return nil
	}
}

// WithPolicy sets the decode-failure policy.
func WithPolicy(p Policy) Option {
	return func(f *Framer) error { f.policy = p; return nil }
}

// WithMaxLine caps the unterminated fragment; zero means unbounded.
func WithMaxLine(n int) Option {
	return func(f *Framer) error {
		if n < 0 {
			return fmt.Errorf("max line must be >= 0 (got %d)", n)
		}
		f.maxLine = n
		return nil
	}
}

// NewFramer returns a UTF-8, replace-policy, unbounded framer unless configured otherwise.
func NewFramer(opts ...Option) (*Framer, error) {
	f := &Framer{acc: bytes.NewBuffer(nil), enc: unicode.UTF8, utf8: true}
	for _, o := range opts {
		if err := o(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Feed appends chunk and returns every line it completed, in stream order.
func (f *Framer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	f.acc.Write(chunk)
	var out []string
	for {
		data := f.acc.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if s, ok := f.decode(data[:i]); ok {
			out = append(out, s)
		}
		f.acc.Next(i + 1)
	}
	for f.maxLine > 0 && f.acc.Len() > f.maxLine {
		// no terminator left in acc here, so the cut cannot split a line early
		f.stats.Overflows++
		n := f.cutPoint(f.acc.Bytes())
		if s, ok := f.decode(f.acc.Bytes()[:n]); ok {
			out = append(out, s)
		}
		f.acc.Next(n)
	}
	f.compact()
	return out
}

// cutPoint returns where an over-long fragment is split: maxLine, moved back
// to a UTF-8 character boundary when one lies within utf8.UTFMax bytes.
func (f *Framer) cutPoint(data []byte) int {
	n := f.maxLine
	if !f.utf8 {
		return n
	}
	for i := n; i > 0 && i > n-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			return i
		}
	}
	return n
}

// Buffered returns the length of the pending unterminated fragment.
func (f *Framer) Buffered() int { return f.acc.Len() }

// Pending returns a copy of the unterminated fragment.
func (f *Framer) Pending() []byte { return bytes.Clone(f.acc.Bytes()) }

// Reset discards the pending fragment. Call it only when reframing, e.g. on reconnect.
func (f *Framer) Reset() {
	f.acc = bytes.NewBuffer(nil)
}

// Stats returns the decoding counters.
func (f *Framer) Stats() Stats { return f.stats }

// Policy reports the configured decode-failure policy.
func (f *Framer) Policy() Policy { return f.policy }

func (f *Framer) decode(raw []byte) (string, bool) {
	if n := len(raw); n > 0 && raw[n-1] == '\r' {
		raw = raw[:n-1]
	}
	var s string
	valid := true
	if f.utf8 {
		valid = utf8.Valid(raw)
		if valid {
			s = string(raw)
		} else {
			s = strings.ToValidUTF8(string(raw), string(utf8.RuneError))
		}
	} else {
		b, err := f.enc.NewDecoder().Bytes(raw)
		if err != nil {
			valid = false
			s = strings.ToValidUTF8(string(raw), string(utf8.RuneError))
		} else {
			s = string(b)
			valid = !bytes.ContainsRune(b, utf8.RuneError)
		}
	}
	if !valid {
		if f.policy == PolicyDrop {
			f.stats.Dropped++
			return "", false
		}
		f.stats.Replaced++
	}
	f.stats.Lines++
	return s, true
}

// compact drops consumed prefix capacity once the buffer is drained or mostly consumed.
func (f *Framer) compact() {
	data := f.acc.Bytes()
	if len(data) == 0 {
		if f.acc.Cap() > reclaimThreshold {
			f.acc = bytes.NewBuffer(nil)
		}
		return
	}
	if len(data) >= 1024 && len(data)*4 < f.acc.Cap() {
		f.acc = bytes.NewBuffer(bytes.Clone(data))
	}
}
