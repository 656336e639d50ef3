package mailmsg

import (
	"bytes"
	"io"
)

// ByteSource is the abstract byte-producing device a body or a part body
// may be backed by. It generalizes over an in-memory buffer and an
// arbitrary streaming reader the way spec.md §9 asks: "model as a trait /
// interface ByteSource { read(buf) -> n | end; at_end() -> bool; close();
// is_sequential() -> bool }".
type ByteSource interface {
	io.Reader
	io.Closer

	// AtEnd reports whether the source has no more bytes to yield. For a
	// Sequential source this only becomes true after a Read has returned
	// io.EOF; for a random-access source it is exact at any time.
	AtEnd() bool

	// Sequential reports whether the source is forward-only (true) or
	// random-access/rewindable (false). Content-type sniffing (§4.3) needs
	// to know this: random-access sources are peeked without disturbing
	// their position; sequential sources are peeked by buffering.
	Sequential() bool
}

// memorySource is a random-access ByteSource backed by an in-memory slice.
type memorySource struct {
	b   []byte
	pos int
}

// NewMemorySource returns a random-access ByteSource over b. Closing it is
// a no-op.
func NewMemorySource(b []byte) ByteSource {
	return &memorySource{b: b}
}

func (s *memorySource) Read(p []byte) (int, error) {
	if s.pos >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.pos:])
	s.pos += n
	return n, nil
}

func (s *memorySource) AtEnd() bool    { return s.pos >= len(s.b) }
func (s *memorySource) Close() error   { return nil }
func (s *memorySource) Sequential() bool { return false }

// readerSource is a sequential ByteSource wrapping an io.ReadCloser, e.g. an
// open file or a network body. auto_dispose (spec.md §3) is a property of
// the owning Part, not of the source itself, and is applied by the caller
// (the renderer/transport) when it decides whether to Close the source.
type readerSource struct {
	r     io.ReadCloser
	atEnd bool
}

// NewReaderSource returns a sequential ByteSource wrapping r.
func NewReaderSource(r io.ReadCloser) ByteSource {
	return &readerSource{r: r}
}

func (s *readerSource) Read(p []byte) (int, error) {
	if s.atEnd {
		return 0, io.EOF
	}
	n, err := s.r.Read(p)
	if err == io.EOF {
		s.atEnd = true
	}
	return n, err
}

func (s *readerSource) AtEnd() bool    { return s.atEnd }
func (s *readerSource) Close() error   { return s.r.Close() }
func (s *readerSource) Sequential() bool { return true }

// prefixSource replays a buffered prefix before falling through to the
// wrapped source, letting a sequential source be "peeked" without losing
// the peeked bytes.
type prefixSource struct {
	prefix *bytes.Reader
	rest   ByteSource
}

func (s *prefixSource) Read(p []byte) (int, error) {
	if s.prefix.Len() > 0 {
		return s.prefix.Read(p)
	}
	return s.rest.Read(p)
}

func (s *prefixSource) AtEnd() bool {
	return s.prefix.Len() == 0 && s.rest.AtEnd()
}
func (s *prefixSource) Close() error     { return s.rest.Close() }
func (s *prefixSource) Sequential() bool { return s.rest.Sequential() }

// Sniff reads up to n bytes from src for content-type sniffing without
// disturbing the byte stream a subsequent full Read of the returned source
// would observe. For a source made by NewMemorySource this is a zero-copy
// peek at the current position and src itself is returned; for any other
// source the peeked bytes are buffered and replayed first by the returned
// source.
func Sniff(src ByteSource, n int) (peeked []byte, rest ByteSource, err error) {
	if !src.Sequential() {
		if m, ok := src.(*memorySource); ok {
			end := m.pos + n
			if end > len(m.b) {
				end = len(m.b)
			}
			return m.b[m.pos:end], src, nil
		}
	}
	buf := make([]byte, n)
	got, err := io.ReadFull(src, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, src, err
	}
	buf = buf[:got]
	return buf, &prefixSource{prefix: bytes.NewReader(buf), rest: src}, nil
}
