package encode

import (
	"bytes"
	"encoding/base64"
	"io"
	"strings"
	"testing"
)

func encodeAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, 16)
	for {
		n, err := r.Read(buf)
		out.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			t.Fatalf("Read returned 0, nil without progress")
		}
	}
	return out.Bytes()
}

func TestBase64RoundTrip(t *testing.T) {
	input := []byte("The quick brown fox jumps over the lazy dog, repeatedly, to make sure line folding kicks in.")
	enc := NewBase64Encoder(bytes.NewReader(input))

	got := encodeAll(t, enc)

	for _, line := range strings.Split(strings.TrimRight(string(got), "\r\n"), "\r\n") {
		if len(line) > DefaultLineWidth {
			t.Fatalf("line exceeds LineWidth: %d chars: %q", len(line), line)
		}
	}

	stripped := strings.ReplaceAll(strings.ReplaceAll(string(got), "\r", ""), "\n", "")
	decoded, err := base64.StdEncoding.DecodeString(stripped)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, input) {
		t.Fatalf("round trip mismatch:\n got: %q\nwant: %q", decoded, input)
	}
}

func TestBase64NoLineWrap(t *testing.T) {
	enc := NewBase64Encoder(bytes.NewReader([]byte("hello world")))
	enc.LineWidth = 0
	got := encodeAll(t, enc)
	if bytes.ContainsAny(got, "\r\n") {
		t.Fatalf("expected no line breaks with LineWidth=0, got %q", got)
	}
}

func TestBase64TinyLineWidthDoesNotOverflow(t *testing.T) {
	input := []byte("The quick brown fox jumps over the lazy dog.")
	enc := NewBase64Encoder(bytes.NewReader(input))
	enc.LineWidth = 1

	got := encodeAll(t, enc)

	stripped := strings.ReplaceAll(strings.ReplaceAll(string(got), "\r", ""), "\n", "")
	decoded, err := base64.StdEncoding.DecodeString(stripped)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, input) {
		t.Fatalf("round trip mismatch:\n got: %q\nwant: %q", decoded, input)
	}
}

func TestBase64EmptyInput(t *testing.T) {
	enc := NewBase64Encoder(bytes.NewReader(nil))
	got := encodeAll(t, enc)
	if len(got) != 0 {
		t.Fatalf("expected empty output, got %q", got)
	}
}
