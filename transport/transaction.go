package transport

import (
	"sync"

	"github.com/fenderle/qsrmail/mailmsg"
)

// Transaction represents the lifetime and outcome of delivering a
// single queued message. Callback fields are invoked from the goroutine
// running Transport.Run, except when Transaction.Abort or Transport.Abort
// finalises the transaction, in which case OnError and OnFinished run on
// the goroutine calling Abort. Callbacks must not block; this mirrors the
// "transport's main loop is the sole consumer" design note.
type Transaction struct {
	msg *mailmsg.Message
	env envelope

	mu       sync.Mutex
	finished bool

	kind          ErrorKind
	err           error
	serverStatus  Response
	encrypted     bool
	authenticated bool
	authMech      string
	username      string

	processed int
	total     int

	// OnProgress reports rendering progress for this transaction's
	// message, forwarded from the renderer.
	OnProgress func(processed, total int)

	// OnError is called at most once, before OnFinished, iff the
	// transaction did not complete with KindNone.
	OnError func(kind ErrorKind, err error)

	// OnFinished is called exactly once, after any OnError call.
	OnFinished func()
}

func newTransaction(msg *mailmsg.Message) *Transaction {
	return &Transaction{msg: msg, env: buildEnvelope(msg)}
}

// Abort finalises this transaction with KindAborted. It does not by
// itself close the transport's connection; see Transport.Abort for
// that. Idempotent: aborting an already-finalised transaction is a
// no-op.
func (t *Transaction) Abort() {
	t.finalize(kindErr(KindAborted))
}

// Kind returns the outcome classification. Valid only after
// OnFinished has fired; KindNone until then.
func (t *Transaction) Kind() ErrorKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kind
}

// Err returns the underlying error, if any.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// ServerStatus returns the last SMTP response associated with this
// transaction's outcome, the zero Response if none applies.
func (t *Transaction) ServerStatus() Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.serverStatus
}

// Encrypted reports whether the connection carrying this transaction
// was using TLS.
func (t *Transaction) Encrypted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encrypted
}

// Authenticated reports whether SASL authentication succeeded on the
// connection carrying this transaction, and with which mechanism and
// username.
func (t *Transaction) Authenticated() (ok bool, mech, username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authenticated, t.authMech, t.username
}

// finalize marks the transaction done exactly once, firing OnError (if
// e is non-nil and its Kind isn't KindNone) then OnFinished.
func (t *Transaction) finalize(e *Error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	if e != nil {
		t.kind = e.Kind
		t.err = e
		if e.Code != 0 {
			t.serverStatus = Response{Code: e.Code, Secode: e.Secode, Lines: append([]string{e.Line}, e.MoreLines...)}
		}
	}
	onError := t.OnError
	onFinished := t.OnFinished
	kind := t.kind
	err := t.err
	t.mu.Unlock()

	if kind != KindNone && onError != nil {
		onError(kind, err)
	}
	if onFinished != nil {
		onFinished()
	}
}

func (t *Transaction) reportProgress(processed, total int) {
	t.mu.Lock()
	t.processed, t.total = processed, total
	cb := t.OnProgress
	t.mu.Unlock()
	if cb != nil {
		cb(processed, total)
	}
}

func (t *Transaction) setEncrypted(v bool) {
	t.mu.Lock()
	t.encrypted = v
	t.mu.Unlock()
}

func (t *Transaction) setAuthenticated(mech, username string) {
	t.mu.Lock()
	t.authenticated = true
	t.authMech = mech
	t.username = username
	t.mu.Unlock()
}

func (t *Transaction) isFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}
