// Package encode provides streaming, pull-based transfer-content encoders
// for building MIME message bodies. Both encoders wrap an io.Reader and
// present another io.Reader, converting bytes on the fly without
// buffering the whole source in memory, mirroring the QIODevice-wrapper
// design of the original C++ encoders (original_source/src/
// qsrmailbase64encoder.cpp, qsrmailqpencoder.cpp) re-expressed as Go's
// natural streaming idiom.
package encode

import "io"

const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// DefaultLineWidth is the line length used unless overridden, matching
// the source's 76-character mail-safe default.
const DefaultLineWidth = 76

// maxQuantumOutput is the worst-case number of bytes putQuantum can
// write for one quantum: 4 Base64 characters, each individually
// capable of triggering its own "\r\n" fold when LineWidth is as small
// as 1 or 2.
const maxQuantumOutput = 4 + 2*4

// Base64Encoder streams src through a Base64 transformation, folding
// lines with CRLF every LineWidth characters. Setting LineWidth to 0
// disables folding.
type Base64Encoder struct {
	src       io.Reader
	LineWidth int

	lineChars int
	quantum   uint32
	quantSize int
	eof       bool

	byteBuf [1]byte
}

// NewBase64Encoder returns a Base64Encoder reading from src, with
// DefaultLineWidth folding.
func NewBase64Encoder(src io.Reader) *Base64Encoder {
	return &Base64Encoder{src: src, LineWidth: DefaultLineWidth}
}

// Read implements io.Reader. A single call may return fewer bytes than
// requested; callers should loop until io.EOF as usual. At least
// maxQuantumOutput bytes of space are needed to make progress in a
// given call: a quantum is 4 characters, and with a pathologically
// small LineWidth (1 or 2, which spec.md §4.1.1 permits) each of those
// 4 characters can trigger its own "\r\n" fold.
func (e *Base64Encoder) Read(p []byte) (n int, err error) {
	if e.eof && e.quantSize == 0 {
		return 0, io.EOF
	}

	for !e.eof && len(p)-n >= maxQuantumOutput {
		for e.quantSize < 3 && !e.eof {
			m, rerr := e.src.Read(e.byteBuf[:])
			if m == 1 {
				shift := uint(2-e.quantSize) * 8
				e.quantum |= uint32(e.byteBuf[0]) << shift
				e.quantSize++
			}
			if rerr != nil {
				if rerr != io.EOF {
					return n, rerr
				}
				e.eof = true
			}
		}
		if e.quantSize == 3 {
			n += e.putQuantum(p[n:])
		}
	}

	if e.eof && e.quantSize > 0 && len(p)-n >= maxQuantumOutput {
		n += e.putQuantum(p[n:])
	}
	if n == 0 && e.eof && e.quantSize == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// putQuantum writes the accumulated 1-3 source bytes as 4 Base64
// characters (padding with '=' as needed) into dst, folding the line if
// LineWidth is reached, and resets the accumulator. dst must have at
// least maxQuantumOutput bytes of room.
func (e *Base64Encoder) putQuantum(dst []byte) int {
	pad := 3 - e.quantSize
	chars := [4]byte{
		base64Alphabet[(e.quantum&0xfc0000)>>18],
		base64Alphabet[(e.quantum&0x3f000)>>12],
		base64Alphabet[(e.quantum&0xfc0)>>6],
		base64Alphabet[e.quantum&0x3f],
	}
	if pad >= 2 {
		chars[2] = '='
	}
	if pad >= 1 {
		chars[3] = '='
	}

	i := 0
	for _, c := range chars {
		dst[i] = c
		i++
		if e.LineWidth > 0 {
			e.lineChars++
			if e.lineChars >= e.LineWidth {
				dst[i] = '\r'
				dst[i+1] = '\n'
				i += 2
				e.lineChars = 0
			}
		}
	}

	e.quantum = 0
	e.quantSize = 0
	return i
}
