package encode

import "io"

const qpHexDigits = "0123456789ABCDEF"

// pushbackSource wraps an io.Reader with a one-or-more-byte pushback
// buffer, giving the quoted-printable encoder the peek/unget contract
// its algorithm needs (mirroring QIODevice::peek/ungetChar in
// original_source/src/qsrmailqpencoder.cpp). Unlike the Qt device this
// wraps, a Go io.Reader is synchronous: peek either returns the
// requested lookahead or definitively hits end of stream, so callers
// never need to "wait for more data and retry later".
type pushbackSource struct {
	r       io.Reader
	pending []byte
	eof     bool
	byteBuf [1]byte
}

func newPushbackSource(r io.Reader) *pushbackSource {
	return &pushbackSource{r: r}
}

func (s *pushbackSource) readByte() (byte, bool) {
	if len(s.pending) > 0 {
		b := s.pending[0]
		s.pending = s.pending[1:]
		return b, true
	}
	if s.eof {
		return 0, false
	}
	n, err := s.r.Read(s.byteBuf[:])
	if n == 1 {
		if err != nil {
			s.eof = true
		}
		return s.byteBuf[0], true
	}
	s.eof = true
	return 0, false
}

func (s *pushbackSource) unreadByte(b byte) {
	s.pending = append([]byte{b}, s.pending...)
}

// peek returns up to n bytes ahead without consuming them. complete is
// true only if all n bytes were available; otherwise the stream ended
// first and buf holds whatever was left.
func (s *pushbackSource) peek(n int) (buf []byte, complete bool) {
	for len(s.pending) < n && !s.eof {
		m, err := s.r.Read(s.byteBuf[:])
		if m == 1 {
			s.pending = append(s.pending, s.byteBuf[0])
		}
		if err != nil {
			s.eof = true
		}
	}
	if len(s.pending) < n {
		return s.pending, false
	}
	return s.pending[:n], true
}

func (s *pushbackSource) atEnd() bool {
	return s.eof && len(s.pending) == 0
}

// QPEncoder streams src through RFC2045 quoted-printable transfer
// encoding, applying the mail-safety rules of RFC2045 section 6.7: a
// leading dot on a line is always encoded (SMTP dot-stuffing safety),
// trailing whitespace immediately before a CRLF is always encoded, and
// lines are soft-broken with "=\r\n" before reaching LineWidth.
type QPEncoder struct {
	src       *pushbackSource
	LineWidth int

	// TextMode, when set, converts a bare "\n" not already part of a
	// "\r\n" pair into "\r\n", matching
	// qsrmailqpencoder.cpp:159-165's isTextModeEnabled() toggle for
	// sources that use Unix line endings internally.
	TextMode bool

	lineChars int
}

// NewQPEncoder returns a QPEncoder reading from src, with
// DefaultLineWidth folding.
func NewQPEncoder(src io.Reader) *QPEncoder {
	return &QPEncoder{src: newPushbackSource(src), LineWidth: DefaultLineWidth}
}

// Read implements io.Reader. As with Base64Encoder, a call may return
// fewer bytes than requested and callers should loop until io.EOF.
func (e *QPEncoder) Read(p []byte) (int, error) {
	if e.src.atEnd() {
		return 0, io.EOF
	}

	n := 0
	for {
		c, ok := e.src.readByte()
		if !ok {
			break
		}

		forceEncoding := false

		// Rule: trailing TAB/SPACE right before a line break must be encoded.
		if c == '\t' || c == ' ' {
			if look, complete := e.src.peek(2); complete {
				forceEncoding = look[0] == '\r' && look[1] == '\n'
			}
		}

		// Existing CRLF sequences pass through untouched.
		if c == '\r' {
			if c2, ok2 := e.src.readByte(); ok2 {
				if c2 == '\n' {
					if len(p)-n < 2 {
						e.src.unreadByte(c2)
						e.src.unreadByte(c)
						break
					}
					p[n], p[n+1] = '\r', '\n'
					n += 2
					e.lineChars = 0
					continue
				}
				e.src.unreadByte(c2)
			}
		}

		if e.TextMode && c == '\n' {
			if len(p)-n < 2 {
				e.src.unreadByte(c)
				break
			}
			p[n], p[n+1] = '\r', '\n'
			n += 2
			e.lineChars = 0
			continue
		}

		// A leading dot would be misread as an SMTP DATA terminator.
		if e.lineChars == 0 && c == '.' {
			forceEncoding = true
		}

		isPrintable := !forceEncoding &&
			((c >= 33 && c <= 60) || (c >= 62 && c <= 126) || c == '\t' || c == ' ')

		need := 2
		if !isPrintable {
			need = 4
		}
		if e.LineWidth > 0 && e.lineChars+need >= e.LineWidth {
			if len(p)-n < 3 {
				e.src.unreadByte(c)
				break
			}
			p[n], p[n+1], p[n+2] = '=', '\r', '\n'
			n += 3
			e.lineChars = 0
			if c == '.' {
				isPrintable = false
			}
		}

		if isPrintable {
			if len(p)-n < 1 {
				e.src.unreadByte(c)
				break
			}
			p[n] = c
			n++
			e.lineChars++
		} else {
			if len(p)-n < 3 {
				e.src.unreadByte(c)
				break
			}
			p[n] = '='
			p[n+1] = qpHexDigits[(c>>4)&0x0f]
			p[n+2] = qpHexDigits[c&0x0f]
			n += 3
			e.lineChars += 3
		}
	}

	if n == 0 && e.src.atEnd() {
		return 0, io.EOF
	}
	return n, nil
}
