package render

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/fenderle/qsrmail/mailmsg"
)

func drain(t *testing.T, r io.Reader) string {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, 32)
	for {
		n, err := r.Read(buf)
		out.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	return out.String()
}

func TestRenderSimpleBody(t *testing.T) {
	m := mailmsg.New()
	m.SetSubject("hi")
	body := mailmsg.NewBodyPart()
	body.SetBodyBytes([]byte("hello there\r\n"))
	m.SetBody(body)

	r := New(&m)
	if err := r.Run(); err != nil {
		t.Fatal(err)
	}
	out := drain(t, r)

	if !strings.Contains(out, "Subject: hi\r\n") {
		t.Fatalf("missing Subject header:\n%s", out)
	}
	if !strings.Contains(out, "\r\n\r\nhello there\r\n") {
		t.Fatalf("expected blank line before body:\n%s", out)
	}
	if strings.Contains(out, "MIME-Version") {
		t.Fatalf("a non-multipart body must not get MIME-Version:\n%s", out)
	}
}

func TestRenderMultipartMixed(t *testing.T) {
	m := mailmsg.New()

	root := mailmsg.NewMimeMultipart(mailmsg.Mixed)
	root.SetBoundary("BOUNDARY")

	text := mailmsg.NewMimePart()
	text.SetContentType("text/plain; charset=us-ascii")
	text.SetBodyBytes([]byte("plain body\r\n"))
	root.AddPart(text)

	bin := mailmsg.NewMimePart()
	bin.SetContentType("application/octet-stream")
	bin.SetFilename("data.bin")
	bin.SetBodyBytes([]byte{0x00, 0x01, 0x02, 0x03})
	root.AddPart(bin)

	m.SetBody(root)

	r := New(&m)
	if err := r.Run(); err != nil {
		t.Fatal(err)
	}
	out := drain(t, r)

	if !strings.Contains(out, "MIME-Version: 1.0\r\n") {
		t.Fatalf("expected MIME-Version for a multipart body:\n%s", out)
	}
	if !strings.Contains(out, `Content-Type: multipart/mixed; boundary="BOUNDARY"`) {
		t.Fatalf("expected the root multipart's own Content-Type/boundary header:\n%s", out)
	}
	if !strings.Contains(out, "--BOUNDARY\r\n") {
		t.Fatalf("missing opening boundary:\n%s", out)
	}
	if !strings.Contains(out, "--BOUNDARY--\r\n") {
		t.Fatalf("missing closing boundary:\n%s", out)
	}
	if !strings.Contains(out, "Content-Transfer-Encoding: quoted-printable\r\n") {
		t.Fatalf("expected QP for text/ part:\n%s", out)
	}
	if !strings.Contains(out, "Content-Transfer-Encoding: base64\r\n") {
		t.Fatalf("expected Base64 for binary part:\n%s", out)
	}
	if !strings.Contains(out, "plain body") {
		t.Fatalf("QP-encoded plain text should stay readable:\n%s", out)
	}

	// The closing boundary of the binary (final, leaf) part must be
	// preceded by a CRLF terminating its body, distinct from the blank
	// line that separates its own headers from its body.
	if !strings.Contains(out, "AAECAw==\r\n--BOUNDARY--\r\n") {
		t.Fatalf("expected leading CRLF before the closing boundary:\n%s", out)
	}
}

func TestRenderProgressReachesTotal(t *testing.T) {
	m := mailmsg.New()
	root := mailmsg.NewMimeMultipart(mailmsg.Mixed)
	p1 := mailmsg.NewMimePart()
	p1.SetContentType("text/plain")
	p1.SetBodyBytes([]byte("a"))
	root.AddPart(p1)
	m.SetBody(root)

	r := New(&m)
	var last, total int
	r.OnProgress = func(processed, tot int) {
		last = processed
		total = tot
	}
	if err := r.Run(); err != nil {
		t.Fatal(err)
	}
	drain(t, r)

	if last != total || total == 0 {
		t.Fatalf("expected progress to reach total, got %d/%d", last, total)
	}
}

func TestRenderRunTwiceFails(t *testing.T) {
	m := mailmsg.New()
	m.SetBody(mailmsg.NewBodyPart())
	r := New(&m)
	if err := r.Run(); err != nil {
		t.Fatal(err)
	}
	if err := r.Run(); err != ErrAlreadyRun {
		t.Fatalf("expected ErrAlreadyRun, got %v", err)
	}
}

type closeTrackingSource struct {
	mailmsg.ByteSource
	closed *bool
}

func (s closeTrackingSource) Close() error {
	*s.closed = true
	return s.ByteSource.Close()
}

func TestRenderSniffPreservesAutoDispose(t *testing.T) {
	m := mailmsg.New()
	closed := false
	src := closeTrackingSource{ByteSource: mailmsg.NewReaderSource(io.NopCloser(strings.NewReader("plain text body"))), closed: &closed}

	part := mailmsg.NewMimePart()
	part.SetBodySource(src, true)
	m.SetBody(part)

	r := New(&m)
	if err := r.Run(); err != nil {
		t.Fatal(err)
	}
	drain(t, r)

	if !closed {
		t.Fatalf("expected auto-dispose source to be closed after sniffing and draining")
	}
}

func TestRenderAbort(t *testing.T) {
	m := mailmsg.New()
	body := mailmsg.NewBodyPart()
	body.SetBodyBytes(bytes.Repeat([]byte("x"), 1000))
	m.SetBody(body)

	r := New(&m)
	if err := r.Run(); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := r.Read(buf); err != nil {
		t.Fatal(err)
	}
	r.Abort()
	n, err := r.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("expected immediate EOF after Abort, got n=%d err=%v", n, err)
	}
}
