package statements

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultChunkSize is the number of source bytes read per chunk
const DefaultChunkSize = 64 * 1024

// boundary ends a statement: a semicolon followed by a line break.
// Quotes are not tracked, so a ";\n" inside a string literal also splits.
var boundary = regexp.MustCompile(`\s*;\s*\r?\n`)

// CommentMode controls how fragments that start with "--" comments are treated
type CommentMode int

const (
	// DropCommentedFragments discards any fragment whose text starts with "--",
	// including a statement that follows the comment lines
	DropCommentedFragments CommentMode = iota
	// StripCommentLines removes leading full-line comments from a fragment and
	// keeps whatever statement follows them
	StripCommentLines
)

// ParseCommentMode maps a configuration value to a CommentMode
func ParseCommentMode(s string) (CommentMode, error) {
	switch s {
	case "", "legacy":
		return DropCommentedFragments, nil
	case "strip-lines":
		return StripCommentLines, nil
	default:
		return 0, fmt.Errorf("unknown comment mode: %s", s)
	}
}

// Option configures a Scanner
type Option func(*Scanner)

// WithChunkSize sets how many bytes are read from the source at a time
func WithChunkSize(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.chunk = make([]byte, n)
		}
	}
}

// WithCommentMode sets the comment handling rule
func WithCommentMode(mode CommentMode) Option {
	return func(s *Scanner) {
		s.comments = mode
	}
}

// Scanner reads a SQL dump incrementally and yields complete statements.
// It is not restartable: once Scan returns false the scanner is exhausted.
type Scanner struct {
	src      io.Reader
	chunk    []byte
	dst      []byte
	dec      *encoding.Decoder
	carry    []byte // undecoded bytes of a rune split across reads
	pending  string // decoded text not yet resolved into a statement
	scanFrom int    // offset in pending where a boundary may still start
	ready    []string
	stmt     string
	count    int64
	comments CommentMode
	eof      bool
	err      error
}

// NewScanner creates a scanner over r. Text is decoded as UTF-8: a leading
// byte order mark is dropped and invalid bytes become U+FFFD.
func NewScanner(r io.Reader, opts ...Option) *Scanner {
	s := &Scanner{
		src:   r,
		chunk: make([]byte, DefaultChunkSize),
		dst:   make([]byte, 32*1024),
		dec:   unicode.UTF8BOM.NewDecoder(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan advances to the next statement. It returns false at the end of the
// input or on the first read error; Err reports which.
func (s *Scanner) Scan() bool {
	for len(s.ready) == 0 {
		if s.eof || s.err != nil {
			s.stmt = ""
			return false
		}
		s.fill()
	}
	s.stmt = s.ready[0]
	s.ready[0] = ""
	s.ready = s.ready[1:]
	s.count++
	return true
}

// Statement returns the statement produced by the last call to Scan,
// including its terminating semicolon.
func (s *Scanner) Statement() string {
	return s.stmt
}

// Count returns how many statements have been produced so far
func (s *Scanner) Count() int64 {
	return s.count
}

// Err returns the first non-EOF error encountered while reading
func (s *Scanner) Err() error {
	return s.err
}

// fill reads one chunk, decodes it and queues any statements it completes
func (s *Scanner) fill() {
	n, err := s.src.Read(s.chunk)
	if n > 0 {
		if derr := s.decode(s.chunk[:n], false); derr != nil {
			s.err = derr
			return
		}
		s.split()
	}
	if err == nil {
		return
	}
	if !errors.Is(err, io.EOF) {
		s.err = fmt.Errorf("failed to read dump: %w", err)
		return
	}

	if derr := s.decode(nil, true); derr != nil {
		s.err = derr
		return
	}
	s.split()
	s.flush()
	s.eof = true
}

// decode appends the text decoded from src to pending. Bytes of an
// incomplete rune at the end of src are kept for the next call.
func (s *Scanner) decode(src []byte, atEOF bool) error {
	if len(s.carry) > 0 {
		src = append(s.carry, src...)
		s.carry = nil
	}

	var sb strings.Builder
	sb.WriteString(s.pending)
	for {
		nDst, nSrc, err := s.dec.Transform(s.dst, src, atEOF)
		sb.Write(s.dst[:nDst])
		src = src[nSrc:]

		switch {
		case err == nil:
			s.pending = sb.String()
			return nil
		case errors.Is(err, transform.ErrShortDst):
			continue
		case errors.Is(err, transform.ErrShortSrc):
			s.carry = append([]byte(nil), src...)
			s.pending = sb.String()
			return nil
		default:
			return fmt.Errorf("failed to decode dump: %w", err)
		}
	}
}

// split moves every complete statement out of pending. The last fragment
// stays buffered because its boundary may arrive with the next chunk.
func (s *Scanner) split() {
	locs := boundary.FindAllStringIndex(s.pending[s.scanFrom:], -1)
	if len(locs) == 0 {
		s.scanFrom = trailingRun(s.pending)
		return
	}

	start := 0
	for _, loc := range locs {
		end := s.scanFrom + loc[0]
		s.emit(s.pending[start:end], false)
		start = s.scanFrom + loc[1]
	}
	s.pending = s.pending[start:]
	s.scanFrom = trailingRun(s.pending)
}

// flush emits whatever is left once the input is exhausted
func (s *Scanner) flush() {
	s.emit(s.pending, true)
	s.pending = ""
	s.scanFrom = 0
}

func (s *Scanner) emit(fragment string, last bool) {
	stmt := strings.TrimSpace(fragment)
	switch s.comments {
	case StripCommentLines:
		stmt = stripLeadingComments(stmt)
	default:
		if strings.HasPrefix(stmt, "--") {
			return
		}
	}
	if stmt == "" {
		return
	}

	if !last || !strings.HasSuffix(stmt, ";") {
		stmt += ";"
	}
	s.ready = append(s.ready, stmt)
}

// stripLeadingComments drops leading lines that are blank or start with "--"
func stripLeadingComments(stmt string) string {
	for strings.HasPrefix(stmt, "--") {
		i := strings.IndexByte(stmt, '\n')
		if i < 0 {
			return ""
		}
		stmt = strings.TrimSpace(stmt[i+1:])
	}
	return stmt
}

// trailingRun returns where the trailing run of whitespace and semicolons in
// text begins. A boundary completed by later input cannot start before it.
func trailingRun(text string) int {
	i := len(text)
	for i > 0 {
		switch text[i-1] {
		case ' ', '\t', '\n', '\r', '\f', ';':
			i--
		default:
			return i
		}
	}
	return 0
}
