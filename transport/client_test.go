package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fenderle/qsrmail/address"
	"github.com/fenderle/qsrmail/mailmsg"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func b64decode(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	return string(b), err
}

// fakeServer runs script against one end of a net.Pipe on its own
// goroutine, following the readline/writeline idiom of
// _examples/mjl--mox/smtpclient/client_test.go's TestClient.
type fakeServer struct {
	conn net.Conn
	br   *bufio.Reader
	t    *testing.T
}

func (s *fakeServer) readline(prefix string) string {
	s.t.Helper()
	line, err := s.br.ReadString('\n')
	if err != nil {
		s.t.Fatalf("server: reading line: %v", err)
	}
	if prefix != "" && !strings.HasPrefix(strings.ToUpper(line), strings.ToUpper(prefix)) {
		s.t.Fatalf("server: expected %q, got %q", prefix, line)
	}
	return strings.TrimRight(line, "\r\n")
}

func (s *fakeServer) writeline(line string) {
	s.t.Helper()
	if _, err := fmt.Fprintf(s.conn, "%s\r\n", line); err != nil {
		s.t.Fatalf("server: writing line: %v", err)
	}
}

// readData reads DATA lines until the "." terminator, returning the
// message body lines (without dot-stuffing undone, since this test
// suite never sends a line starting with a literal dot).
func (s *fakeServer) readData() []string {
	s.t.Helper()
	var lines []string
	for {
		line, err := s.br.ReadString('\n')
		if err != nil {
			s.t.Fatalf("server: reading DATA: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			return lines
		}
		lines = append(lines, line)
	}
}

func newPipeTransport(t *testing.T, opts Opts, serve func(s *fakeServer)) *Transport {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		s := &fakeServer{conn: serverConn, br: bufio.NewReader(serverConn), t: t}
		serve(s)
	}()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("fake server goroutine did not finish")
		}
	})

	tp := New(opts)
	var once sync.Once
	tp.connFactory = func(ctx context.Context) (net.Conn, error) {
		var c net.Conn
		once.Do(func() { c = clientConn })
		if c == nil {
			return nil, fmt.Errorf("connFactory: already used")
		}
		return c, nil
	}
	return tp
}

func mustAddr(t *testing.T, s string) address.Address {
	t.Helper()
	a, err := address.Parse(s)
	if err != nil {
		t.Fatalf("parsing address %q: %v", s, err)
	}
	return a
}

func plainMessage(t *testing.T, from, to, subject, body string) *mailmsg.Message {
	t.Helper()
	m := mailmsg.New()
	m.AddFrom(mustAddr(t, from))
	m.AddTo(mustAddr(t, to))
	m.SetSubject(subject)
	part := mailmsg.NewBodyPart()
	part.SetBodyBytes([]byte(body))
	m.SetBody(part)
	return &m
}

func TestPlainSubmissionNoAuthNoTLS(t *testing.T) {
	opts := Opts{Host: "mail.example", Port: 25, Timeout: 2 * time.Second}

	tp := newPipeTransport(t, opts, func(s *fakeServer) {
		s.writeline("220 mail.example ESMTP")
		s.readline("EHLO")
		s.writeline("250 mail.example")
		s.readline("MAIL FROM:")
		s.writeline("250 2.1.0 OK")
		s.readline("RCPT TO:")
		s.writeline("250 2.1.5 OK")
		s.readline("DATA")
		s.writeline("354 send it")
		lines := s.readData()
		joined := strings.Join(lines, "\n")
		if !strings.Contains(joined, "Subject: hello") {
			t.Errorf("server: DATA missing Subject header, got:\n%s", joined)
		}
		s.writeline("250 2.0.0 queued")
		s.readline("QUIT")
		s.writeline("221 2.0.0 bye")
	})

	msg := plainMessage(t, "alice@example.com", "bob@example.net", "hello", "hi there\r\n")
	txn := tp.Enqueue(msg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tp.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if txn.Kind() != KindNone {
		t.Fatalf("Kind = %v, err = %v", txn.Kind(), txn.Err())
	}
}

func TestTLSRequiredButNotAdvertised(t *testing.T) {
	opts := Opts{Host: "mail.example", Port: 25, Timeout: 2 * time.Second, TLSLevel: TLSRequired}

	tp := newPipeTransport(t, opts, func(s *fakeServer) {
		s.writeline("220 mail.example ESMTP")
		s.readline("EHLO")
		s.writeline("250 mail.example")
		s.readline("QUIT")
		s.writeline("221 2.0.0 bye")
	})

	msg := plainMessage(t, "alice@example.com", "bob@example.net", "hello", "hi\r\n")
	txn := tp.Enqueue(msg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tp.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if txn.Kind() != KindTlsRequired {
		t.Fatalf("Kind = %v, want KindTlsRequired (err %v)", txn.Kind(), txn.Err())
	}
}

func TestTransientRcptErrorContinuesQueue(t *testing.T) {
	opts := Opts{Host: "mail.example", Port: 25, Timeout: 2 * time.Second}

	tp := newPipeTransport(t, opts, func(s *fakeServer) {
		s.writeline("220 mail.example ESMTP")
		s.readline("EHLO")
		s.writeline("250 mail.example")

		// First transaction: RCPT TO rejected transiently.
		s.readline("MAIL FROM:")
		s.writeline("250 2.1.0 OK")
		s.readline("RCPT TO:")
		s.writeline("450 4.2.1 mailbox busy")
		s.readline("RSET")
		s.writeline("250 2.0.0 OK")

		// Second transaction proceeds normally.
		s.readline("MAIL FROM:")
		s.writeline("250 2.1.0 OK")
		s.readline("RCPT TO:")
		s.writeline("250 2.1.5 OK")
		s.readline("DATA")
		s.writeline("354 send it")
		s.readData()
		s.writeline("250 2.0.0 queued")

		s.readline("QUIT")
		s.writeline("221 2.0.0 bye")
	})

	msg1 := plainMessage(t, "alice@example.com", "busy@example.net", "one", "body one\r\n")
	msg2 := plainMessage(t, "alice@example.com", "bob@example.net", "two", "body two\r\n")
	txn1 := tp.Enqueue(msg1)
	txn2 := tp.Enqueue(msg2)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tp.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if txn1.Kind() != KindResponse {
		t.Fatalf("txn1 Kind = %v, want KindResponse (err %v)", txn1.Kind(), txn1.Err())
	}
	if txn1.ServerStatus().Code != 450 {
		t.Fatalf("txn1 ServerStatus.Code = %d, want 450", txn1.ServerStatus().Code)
	}
	if txn2.Kind() != KindNone {
		t.Fatalf("txn2 Kind = %v, want KindNone (err %v)", txn2.Kind(), txn2.Err())
	}
}

func TestDataSentErrorSendsRsetLikeOtherPhases(t *testing.T) {
	opts := Opts{Host: "mail.example", Port: 25, Timeout: 2 * time.Second}

	tp := newPipeTransport(t, opts, func(s *fakeServer) {
		s.writeline("220 mail.example ESMTP")
		s.readline("EHLO")
		s.writeline("250 mail.example")

		s.readline("MAIL FROM:")
		s.writeline("250 2.1.0 OK")
		s.readline("RCPT TO:")
		s.writeline("250 2.1.5 OK")
		s.readline("DATA")
		s.writeline("354 send it")
		s.readData()
		s.writeline("554 5.6.0 message content rejected")
		s.readline("RSET")
		s.writeline("250 2.0.0 OK")

		s.readline("QUIT")
		s.writeline("221 2.0.0 bye")
	})

	msg := plainMessage(t, "alice@example.com", "bob@example.net", "rejected", "body\r\n")
	txn := tp.Enqueue(msg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tp.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if txn.Kind() != KindResponse {
		t.Fatalf("Kind = %v, want KindResponse (err %v)", txn.Kind(), txn.Err())
	}
	if txn.ServerStatus().Code != 554 {
		t.Fatalf("ServerStatus.Code = %d, want 554", txn.ServerStatus().Code)
	}
}

func TestCramMD5Authentication(t *testing.T) {
	opts := Opts{
		Host: "mail.example", Port: 25, Timeout: 2 * time.Second,
		User: "tim", Password: "tanstaaftanstaaf", AuthMech: AuthCramMD5,
	}

	const challenge = "<1896.697170952@postoffice.reston.mci.net>"
	const wantResponse = "tim b913a602c7eda7a495b4e6e7334d3890"

	tp := newPipeTransport(t, opts, func(s *fakeServer) {
		s.writeline("220 mail.example ESMTP")
		s.readline("EHLO")
		s.writeline("250-mail.example")
		s.writeline("250 AUTH CRAM-MD5")
		s.readline("AUTH CRAM-MD5")
		s.writeline("334 " + b64(challenge))
		resp := s.readline("")
		got, err := b64decode(resp)
		if err != nil {
			t.Fatalf("server: decoding AUTH response: %v", err)
		}
		if got != wantResponse {
			t.Errorf("server: AUTH response = %q, want %q", got, wantResponse)
		}
		s.writeline("235 2.7.0 authenticated")

		s.readline("MAIL FROM:")
		s.writeline("250 2.1.0 OK")
		s.readline("RCPT TO:")
		s.writeline("250 2.1.5 OK")
		s.readline("DATA")
		s.writeline("354 send it")
		s.readData()
		s.writeline("250 2.0.0 queued")
		s.readline("QUIT")
		s.writeline("221 2.0.0 bye")
	})

	msg := plainMessage(t, "tim@example.com", "bob@example.net", "auth test", "hi\r\n")
	txn := tp.Enqueue(msg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tp.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if txn.Kind() != KindNone {
		t.Fatalf("Kind = %v, err = %v", txn.Kind(), txn.Err())
	}
	ok, mech, username := txn.Authenticated()
	if !ok || mech != "CRAM-MD5" || username != "tim" {
		t.Fatalf("Authenticated = %v, %q, %q", ok, mech, username)
	}
}

// failingSource is a ByteSource that fails on its first Read, used to
// exercise the KindData path of spec.md §4.4.6: a renderer failure
// mid-DATA finalises the in-flight transaction with KindData and drops
// the connection, distinct from a socket-level failure.
type failingSource struct{}

var errBodyUnreadable = fmt.Errorf("failingSource: body unreadable")

func (failingSource) Read([]byte) (int, error) { return 0, errBodyUnreadable }
func (failingSource) AtEnd() bool               { return false }
func (failingSource) Close() error              { return nil }
func (failingSource) Sequential() bool          { return true }

func TestRendererErrorDuringDataFinalizesWithKindData(t *testing.T) {
	opts := Opts{Host: "mail.example", Port: 25, Timeout: 2 * time.Second}

	tp := newPipeTransport(t, opts, func(s *fakeServer) {
		s.writeline("220 mail.example ESMTP")
		s.readline("EHLO")
		s.writeline("250 mail.example")
		s.readline("MAIL FROM:")
		s.writeline("250 2.1.0 OK")
		s.readline("RCPT TO:")
		s.writeline("250 2.1.5 OK")
		s.readline("DATA")
		s.writeline("354 send it")
		// The client writes the rendered headers, then drops the connection
		// when the body fails, never reaching the DATA terminator; drain
		// what it sends until the connection closes.
		for {
			if _, err := s.br.ReadString('\n'); err != nil {
				return
			}
		}
	})

	m := mailmsg.New()
	m.AddFrom(mustAddr(t, "alice@example.com"))
	m.AddTo(mustAddr(t, "bob@example.net"))
	m.SetSubject("broken body")
	part := mailmsg.NewBodyPart()
	part.SetBodySource(failingSource{}, false)
	m.SetBody(part)
	txn := tp.Enqueue(&m)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tp.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if txn.Kind() != KindData {
		t.Fatalf("Kind = %v, want KindData (err %v)", txn.Kind(), txn.Err())
	}
}

func TestNoRecipientsFinalizesWithoutTouchingConnection(t *testing.T) {
	opts := Opts{Host: "mail.example", Port: 25, Timeout: 2 * time.Second}

	tp := newPipeTransport(t, opts, func(s *fakeServer) {
		s.writeline("220 mail.example ESMTP")
		s.readline("EHLO")
		s.writeline("250 mail.example")
		s.readline("QUIT")
		s.writeline("221 2.0.0 bye")
	})

	m := mailmsg.New()
	m.AddFrom(mustAddr(t, "alice@example.com"))
	part := mailmsg.NewBodyPart()
	part.SetBodyBytes([]byte("no recipients\r\n"))
	m.SetBody(part)
	txn := tp.Enqueue(&m)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tp.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if txn.Kind() != KindNoRecipients {
		t.Fatalf("Kind = %v, want KindNoRecipients", txn.Kind())
	}
}
