// Package transport implements the SMTP submission client: connection
// setup, STARTTLS, SASL authentication, and the MAIL/RCPT/DATA dialogue
// for a queue of messages. It is grounded on the connection-management
// idiom of _examples/mjl--mox/smtpclient/client.go (bufio-buffered
// response reading, an Error type carrying the SMTP status, a deadline
// reset around every blocking operation) but restructured as the
// explicit state progression spec.md §4.4 describes: one goroutine per
// Transport, taking messages off a queue that Enqueue may add to at any
// time, including while that goroutine is running.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fenderle/qsrmail/mailmsg"
	"github.com/fenderle/qsrmail/metrics"
	"github.com/fenderle/qsrmail/mlog"
	"github.com/fenderle/qsrmail/render"
	"github.com/fenderle/qsrmail/sasl"
)

// TLSLevel controls whether and how the transport upgrades to TLS.
type TLSLevel int

const (
	TLSDisabled TLSLevel = iota
	TLSOptional
	TLSRequired
)

// AuthMech selects the SASL mechanism used for authentication, or
// AuthAutoSelect to let sasl.Select pick the strongest one the server
// advertises.
type AuthMech int

const (
	AuthDisabled AuthMech = iota
	AuthAutoSelect
	AuthCramMD5
	AuthLogin
	AuthPlain
)

// DefaultBufferSize is the renderer read-buffer size used unless Opts
// overrides it (spec.md §6).
const DefaultBufferSize = 128 * 1024

// DefaultTimeout is the per-operation deadline used unless Opts
// overrides it (spec.md §4.4.6).
const DefaultTimeout = 60 * time.Second

// Opts configures a Transport.
type Opts struct {
	Host string
	Port int

	User, Password   string
	AuthMech         AuthMech
	SystemIdentifier string

	Timeout time.Duration

	TLSLevel  TLSLevel
	TLSConfig *tls.Config

	BufferSize int

	Log mlog.Log
}

func (o *Opts) setDefaults() {
	if o.SystemIdentifier == "" {
		o.SystemIdentifier = "localhost"
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Log.Logger == nil {
		o.Log = mlog.New("transport", nil)
	}
}

// ErrAlreadyRunning is returned by Run if the Transport is already
// executing on another goroutine.
var ErrAlreadyRunning = errors.New("transport: already running")

var transactionsTotal = metrics.NewCounterVec(
	"qsrmail_transactions_total",
	"SMTP transactions processed, by outcome.",
	"outcome",
)

// Transport drives message delivery to a single SMTP server, across
// possibly many Run calls, from a queue of Transactions submitted via
// Enqueue. Enqueue, Queued, InFlight and Abort may be called at any
// time, including concurrently with a running Run.
type Transport struct {
	opts Opts

	mu      sync.Mutex
	queue   []*Transaction
	running bool
	aborted bool
	conn    net.Conn
	current *Transaction

	br        *bufio.Reader
	encrypted bool
	ehlo      map[string][]string
	authMech  string

	// connFactory, when set, replaces resolve+dial. Tests use it to hand
	// the Transport one side of a net.Pipe without touching the network.
	connFactory func(ctx context.Context) (net.Conn, error)

	// readyToSendReached records whether this connection ever finished
	// authentication and reached the point of popping a transaction, so
	// a later mid-queue disconnect can be treated as a reconnect
	// opportunity instead of a hard failure of the remaining queue
	// (spec.md §4.4.2 Disconnected).
	readyToSendReached bool

	// OnFinished is called once per Run call, after every transaction
	// submitted before that call returned has been finalised.
	OnFinished func()
}

// New returns a Transport configured by opts. Opts.Host and Opts.Port
// are required.
func New(opts Opts) *Transport {
	opts.setDefaults()
	return &Transport{opts: opts}
}

// Enqueue queues msg for delivery and returns its Transaction.
func (tp *Transport) Enqueue(msg *mailmsg.Message) *Transaction {
	t := newTransaction(msg)
	tp.mu.Lock()
	tp.queue = append(tp.queue, t)
	tp.mu.Unlock()
	return t
}

// Queued returns the number of transactions waiting to be attempted.
func (tp *Transport) Queued() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.queue)
}

// InFlight reports whether Run is currently executing on some goroutine.
func (tp *Transport) InFlight() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.running
}

func (tp *Transport) popQueue() *Transaction {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if len(tp.queue) == 0 {
		return nil
	}
	t := tp.queue[0]
	tp.queue = tp.queue[1:]
	return t
}

func (tp *Transport) drainQueue() []*Transaction {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	q := tp.queue
	tp.queue = nil
	return q
}

func (tp *Transport) queueEmpty() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.queue) == 0
}

func (tp *Transport) setCurrent(t *Transaction) {
	tp.mu.Lock()
	tp.current = t
	tp.mu.Unlock()
}

func (tp *Transport) wasAborted() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.aborted
}

// Abort closes the connection, if any, and finalises the in-flight and
// every queued transaction with KindAborted. Idempotent.
func (tp *Transport) Abort() {
	tp.mu.Lock()
	if tp.aborted {
		tp.mu.Unlock()
		return
	}
	tp.aborted = true
	conn := tp.conn
	current := tp.current
	tp.current = nil
	tp.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if current != nil {
		current.finalize(kindErr(KindAborted))
	}
	for _, t := range tp.drainQueue() {
		t.finalize(kindErr(KindAborted))
	}
}

// Run drives the transport through connection setup and delivery of
// every transaction queued so far, returning once the queue is drained
// and the connection is closed. Run may be called again afterwards
// against a freshly populated queue.
func (tp *Transport) Run(ctx context.Context) error {
	tp.mu.Lock()
	if tp.running {
		tp.mu.Unlock()
		return ErrAlreadyRunning
	}
	tp.running = true
	tp.aborted = false
	tp.mu.Unlock()

	defer func() {
		tp.mu.Lock()
		tp.running = false
		tp.mu.Unlock()
		if tp.OnFinished != nil {
			tp.OnFinished()
		}
	}()

	if tp.queueEmpty() {
		return nil
	}

	for {
		tp.readyToSendReached = false
		if e := tp.connectSession(ctx); e != nil {
			tp.opts.Log.Errorx("session setup failed", e)
			tp.closeConn()
			tp.finalizeAll(e)
			return nil
		}

		e := tp.deliverQueue()
		tp.closeConn()
		if e == nil {
			return nil
		}
		tp.opts.Log.Errorx("connection lost mid-queue", e)
		if tp.readyToSendReached && !tp.queueEmpty() && !tp.wasAborted() {
			// The transaction that was on the wire when the connection
			// dropped is finalised with that error; the rest of the queue
			// is retried on a new connection.
			tp.mu.Lock()
			current := tp.current
			tp.current = nil
			tp.mu.Unlock()
			if current != nil {
				current.finalize(e)
			}
			continue
		}
		tp.finalizeAll(e)
		return nil
	}
}

func (tp *Transport) finalizeAll(e *Error) {
	tp.mu.Lock()
	current := tp.current
	tp.current = nil
	tp.mu.Unlock()
	if current != nil {
		current.finalize(e)
	}
	for _, t := range tp.drainQueue() {
		t.finalize(e)
	}
}

func (tp *Transport) closeConn() {
	tp.mu.Lock()
	conn := tp.conn
	tp.conn = nil
	tp.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	tp.br = nil
	tp.encrypted = false
	tp.ehlo = nil
	tp.authMech = ""
}

func (tp *Transport) resetDeadline() {
	tp.mu.Lock()
	conn := tp.conn
	tp.mu.Unlock()
	if conn != nil {
		conn.SetDeadline(time.Now().Add(tp.opts.Timeout))
	}
}

func (tp *Transport) writeLine(s string) error {
	tp.resetDeadline()
	tp.mu.Lock()
	conn := tp.conn
	tp.mu.Unlock()
	_, err := conn.Write([]byte(s + "\r\n"))
	return err
}

func (tp *Transport) readResponseDeadlined() (Response, error) {
	tp.resetDeadline()
	return readResponse(tp.br, true)
}

// fsmPanic carries a typed *Error across a panic/recover boundary inside
// one FSM step function, mirroring the teacher's xerrorf/recover idiom
// (_examples/mjl--mox/smtpclient/client.go): straight-line code inside
// the function calls xerrorf on any failure, and a deferred recover at
// the top converts the panic back into the function's typed return
// value. Any other panic value is not ours and propagates unchanged.
type fsmPanic struct{ err *Error }

// xerrorf aborts the current FSM step function with e.
func (tp *Transport) xerrorf(e *Error) {
	panic(fsmPanic{e})
}

// recoverErr is deferred at the top of an FSM step function as
// `defer tp.recoverErr(&rerr)`.
func (tp *Transport) recoverErr(rerr **Error) {
	x := recover()
	if x == nil {
		return
	}
	p, ok := x.(fsmPanic)
	if !ok {
		panic(x)
	}
	*rerr = p.err
}

// xwriteLine writes s plus CRLF, aborting the enclosing FSM step function
// on any I/O failure.
func (tp *Transport) xwriteLine(s string) {
	if err := tp.writeLine(s); err != nil {
		tp.opts.Log.Errorx("write failed", err, "line", s)
		tp.xerrorf(classifyIOErr(err))
	}
}

// xreadResponse reads one SMTP response, aborting the enclosing FSM step
// function on any I/O failure.
func (tp *Transport) xreadResponse() Response {
	resp, err := tp.readResponseDeadlined()
	if err != nil {
		tp.opts.Log.Errorx("read failed", err)
		tp.xerrorf(classifyIOErr(err))
	}
	return resp
}

// classifyIOErr distinguishes a deadline expiry (spec.md's Timeout
// kind) from any other connection failure.
func classifyIOErr(err error) *Error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return kindErr(KindTimeout)
	}
	return connErr(err)
}

func (tp *Transport) resolve(ctx context.Context) ([]net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", tp.opts.Host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("transport: no addresses for %s", tp.opts.Host)
	}
	return ips, nil
}

func (tp *Transport) dial(ctx context.Context, ip net.IP) (net.Conn, error) {
	d := net.Dialer{Timeout: tp.opts.Timeout}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(tp.opts.Port))
	return d.DialContext(ctx, "tcp", addr)
}

func (tp *Transport) handshakeTLS(ctx context.Context) error {
	cfg := tp.opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: tp.opts.Host}
	} else if cfg.ServerName == "" {
		clone := cfg.Clone()
		clone.ServerName = tp.opts.Host
		cfg = clone
	}

	tp.mu.Lock()
	plain := tp.conn
	tp.mu.Unlock()

	tlsConn := tls.Client(plain, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	tp.mu.Lock()
	tp.conn = tlsConn
	tp.mu.Unlock()
	tp.br = bufio.NewReader(tlsConn)
	tp.encrypted = true
	return nil
}

// parseEhloLines turns the response lines following EHLO into a map of
// extension keyword to its parameters, e.g. "AUTH" -> ["PLAIN",
// "LOGIN"]. The greeting line (the first) carries no keyword and is
// skipped.
func parseEhloLines(lines []string) map[string][]string {
	m := make(map[string][]string)
	for i, l := range lines {
		if i == 0 {
			continue
		}
		fields := strings.Fields(l)
		if len(fields) == 0 {
			continue
		}
		m[strings.ToUpper(fields[0])] = fields[1:]
	}
	return m
}

// connectSession resolves, dials, negotiates STARTTLS if applicable,
// and authenticates if configured. On success the Transport holds an
// open, ready-to-use connection positioned right after the final EHLO
// or authentication exchange.
func (tp *Transport) connectSession(ctx context.Context) (rerr *Error) {
	defer tp.recoverErr(&rerr)

	var conn net.Conn
	if tp.connFactory != nil {
		c, err := tp.connFactory(ctx)
		if err != nil {
			tp.xerrorf(classifyIOErr(err))
		}
		conn = c
	} else {
		ips, err := tp.resolve(ctx)
		if err != nil {
			tp.opts.Log.Errorx("resolving host failed", err, "host", tp.opts.Host)
			tp.xerrorf(resolverErr(err))
		}
		ip := ips[rand.Intn(len(ips))]
		c, err := tp.dial(ctx, ip)
		if err != nil {
			tp.opts.Log.Errorx("dial failed", err, "addr", ip.String())
			tp.xerrorf(classifyIOErr(err))
		}
		conn = c
	}
	tp.mu.Lock()
	tp.conn = conn
	tp.mu.Unlock()
	tp.br = bufio.NewReader(conn)

	resp := tp.xreadResponse()
	if resp.Code != 220 {
		tp.opts.Log.Info("unexpected banner", "code", resp.Code)
		tp.xerrorf(responseErr(resp))
	}
	tp.opts.Log.Debug("connected", "host", tp.opts.Host, "port", tp.opts.Port)

	tp.xwriteLine("EHLO " + tp.opts.SystemIdentifier)
	resp = tp.xreadResponse()
	switch {
	case resp.Code == 250:
		tp.ehlo = parseEhloLines(resp.Lines)
	case resp.Code >= 500 && resp.Code < 510:
		tp.opts.Log.Debug("EHLO not supported, falling back to HELO", "code", resp.Code)
		tp.xwriteLine("HELO " + tp.opts.SystemIdentifier)
		resp = tp.xreadResponse()
		if resp.Code != 250 {
			tp.xerrorf(responseErr(resp))
		}
		tp.ehlo = map[string][]string{}
	default:
		tp.xerrorf(responseErr(resp))
	}

	_, hasStartTLS := tp.ehlo["STARTTLS"]
	if tp.opts.TLSLevel == TLSRequired && !hasStartTLS {
		tp.opts.Log.Info("TLS required but not advertised by server")
		tp.writeLine("QUIT")
		tp.readResponseDeadlined()
		tp.xerrorf(kindErr(KindTlsRequired))
	}
	if tp.opts.TLSLevel != TLSDisabled && hasStartTLS {
		tp.xwriteLine("STARTTLS")
		resp = tp.xreadResponse()
		switch {
		case resp.Code == 220:
			if err := tp.handshakeTLS(ctx); err != nil {
				tp.opts.Log.Errorx("STARTTLS handshake failed", err)
				tp.xerrorf(classifyIOErr(err))
			}
			tp.opts.Log.Debug("TLS established")
			tp.xwriteLine("EHLO " + tp.opts.SystemIdentifier)
			resp = tp.xreadResponse()
			if resp.Code != 250 {
				tp.xerrorf(responseErr(resp))
			}
			tp.ehlo = parseEhloLines(resp.Lines)
		case tp.opts.TLSLevel == TLSRequired:
			tp.opts.Log.Info("STARTTLS refused by server", "code", resp.Code)
			tp.writeLine("QUIT")
			tp.readResponseDeadlined()
			tp.xerrorf(kindErr(KindTlsRequired))
		default:
			// TLSOptional and STARTTLS unavailable right now: continue
			// in the clear using the extensions from the plaintext EHLO.
		}
	}

	if e := tp.authenticate(ctx); e != nil {
		tp.xerrorf(e)
	}
	return nil
}

func filterMech(advertised []string, want string) []string {
	for _, m := range advertised {
		if strings.EqualFold(m, want) {
			return []string{m}
		}
	}
	return nil
}

// authenticate runs the AUTH dialogue if Opts.AuthMech requests one. It
// mirrors the SASL initial-response convention: the mechanism gets one
// chance to produce data before the AUTH command is even sent, and only
// falls back to a bare "AUTH <mech>" plus challenge/response rounds
// when it declines to (e.g. LOGIN, CRAM-MD5).
func (tp *Transport) authenticate(ctx context.Context) (rerr *Error) {
	defer tp.recoverErr(&rerr)

	if tp.opts.AuthMech == AuthDisabled {
		return nil
	}
	advertised := tp.ehlo["AUTH"]
	if len(advertised) == 0 {
		tp.xerrorf(connErr(fmt.Errorf("transport: server does not advertise AUTH")))
	}

	var candidates []string
	switch tp.opts.AuthMech {
	case AuthAutoSelect:
		candidates = advertised
	case AuthCramMD5:
		candidates = filterMech(advertised, "CRAM-MD5")
	case AuthLogin:
		candidates = filterMech(advertised, "LOGIN")
	case AuthPlain:
		candidates = filterMech(advertised, "PLAIN")
	}
	client, ok := sasl.Select(candidates, tp.opts.User, tp.opts.Password)
	if !ok {
		tp.xerrorf(connErr(fmt.Errorf("transport: no acceptable AUTH mechanism among %v", advertised)))
	}
	name, _ := client.Info()
	tp.opts.Log.Debug("authenticating", "mechanism", name)

	initial, _, err := client.Next(nil)
	if err != nil {
		tp.xerrorf(connErr(err))
	}
	cmd := "AUTH " + name
	if initial != nil {
		cmd += " " + base64.StdEncoding.EncodeToString(initial)
	}
	tp.xwriteLine(cmd)

	for {
		resp := tp.xreadResponse()
		if resp.Code == 235 {
			tp.authMech = name
			tp.opts.Log.Info("authenticated", "mechanism", name, "user", tp.opts.User)
			return nil
		}
		if resp.Code != 334 {
			tp.opts.Log.Info("authentication failed", "mechanism", name, "code", resp.Code)
			tp.xerrorf(responseErr(resp))
		}
		challenge, derr := base64.StdEncoding.DecodeString(resp.FirstLine())
		if derr != nil {
			tp.xerrorf(connErr(derr))
		}
		toServer, _, cerr := client.Next(challenge)
		if cerr != nil {
			tp.xerrorf(connErr(cerr))
		}
		tp.xwriteLine(base64.StdEncoding.EncodeToString(toServer))
	}
}

// deliverQueue pops and processes transactions until the queue empties
// (in which case it sends QUIT and returns nil) or a connection-level
// error occurs (in which case the in-flight transaction, if any, is
// left unfinalised for the caller's reconnect-or-fail decision).
func (tp *Transport) deliverQueue() *Error {
	for {
		t := tp.popQueue()
		if t == nil {
			tp.writeLine("QUIT")
			tp.readResponseDeadlined()
			return nil
		}
		tp.readyToSendReached = true
		tp.setCurrent(t)

		t.setEncrypted(tp.encrypted)
		if tp.authMech != "" {
			t.setAuthenticated(tp.authMech, tp.opts.User)
		}

		if e := tp.deliverOne(t); e != nil {
			return e
		}
		tp.setCurrent(nil)
	}
}

// deliverOne runs one MAIL/RCPT/DATA dialogue. A nil return means the
// transaction was finalised, one way or another; a non-nil return means
// a connection-level failure that the caller must treat as fatal to the
// rest of this connection.
func (tp *Transport) deliverOne(t *Transaction) (rerr *Error) {
	defer tp.recoverErr(&rerr)

	finish := func(e *Error) *Error {
		t.finalize(e)
		transactionsTotal.IncLabels(t.Kind().String())
		tp.opts.Log.Debug("transaction finished", "outcome", t.Kind().String())
		return nil
	}

	if t.env.sender == "" {
		return finish(kindErr(KindNoSender))
	}
	if len(t.env.recipients) == 0 {
		return finish(kindErr(KindNoRecipients))
	}

	tp.xwriteLine(fmt.Sprintf("MAIL FROM:<%s>", t.env.sender))
	resp := tp.xreadResponse()
	if resp.IsError() {
		tp.opts.Log.Debug("MAIL FROM rejected", "code", resp.Code)
		tp.writeLine("RSET")
		tp.readResponseDeadlined()
		return finish(responseErr(resp))
	}

	for _, rcpt := range t.env.recipients {
		tp.xwriteLine(fmt.Sprintf("RCPT TO:<%s>", rcpt))
		resp = tp.xreadResponse()
		if resp.IsError() {
			tp.opts.Log.Debug("RCPT TO rejected", "code", resp.Code, "recipient", rcpt)
			tp.writeLine("RSET")
			tp.readResponseDeadlined()
			return finish(responseErr(resp))
		}
	}

	tp.xwriteLine("DATA")
	resp = tp.xreadResponse()
	if resp.IsError() {
		tp.opts.Log.Debug("DATA rejected", "code", resp.Code)
		tp.writeLine("RSET")
		tp.readResponseDeadlined()
		return finish(responseErr(resp))
	}

	if err := tp.pumpData(t); err != nil {
		var re *renderError
		if errors.As(err, &re) {
			// spec.md §4.4.6: a renderer failure mid-DATA finalises the
			// in-flight transaction specifically with KindData (distinct
			// from a socket-level failure), then drops the connection;
			// there is no safe way to recover once DATA has begun but the
			// message turned out to be unreadable.
			tp.opts.Log.Errorx("rendering message body failed", re.err)
			finish(&Error{Kind: KindData, Err: re.err})
			tp.xerrorf(connErr(fmt.Errorf("transport: dropping connection after render failure: %w", re.err)))
		}
		tp.opts.Log.Errorx("streaming message body failed", err)
		tp.xerrorf(classifyIOErr(err))
	}

	resp = tp.xreadResponse()
	if resp.IsError() {
		tp.opts.Log.Debug("message rejected after DATA terminator", "code", resp.Code)
		tp.writeLine("RSET")
		tp.readResponseDeadlined()
		return finish(responseErr(resp))
	}
	t.serverStatus = resp
	return finish(nil)
}

// renderError wraps a failure that originated in the renderer (or the
// byte source it is reading from) rather than in the socket write that
// followed it, so deliverOne can tell the two apart and finalise the
// in-flight transaction with KindData instead of KindConnection.
type renderError struct{ err error }

func (e *renderError) Error() string { return e.err.Error() }
func (e *renderError) Unwrap() error { return e.err }

// pumpData streams the rendered message over the connection and closes
// the DATA phase with the "." terminator, inserting a leading CRLF only
// if the rendered stream did not already end in one.
func (tp *Transport) pumpData(t *Transaction) error {
	r := render.New(t.msg)
	r.OnProgress = t.reportProgress
	r.Log = tp.opts.Log.With("component", "render")
	if err := r.Run(); err != nil {
		return &renderError{err}
	}

	buf := make([]byte, tp.opts.BufferSize)
	var last1, last2 byte
	haveOutput := false

	tp.mu.Lock()
	conn := tp.conn
	tp.mu.Unlock()

	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			tp.resetDeadline()
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
			switch {
			case n >= 2:
				last2, last1 = buf[n-2], buf[n-1]
			default:
				last2, last1 = last1, buf[0]
			}
			haveOutput = true
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return &renderError{rerr}
		}
	}

	tp.resetDeadline()
	terminator := ".\r\n"
	if !haveOutput || last2 != '\r' || last1 != '\n' {
		terminator = "\r\n.\r\n"
	}
	_, err := conn.Write([]byte(terminator))
	return err
}
