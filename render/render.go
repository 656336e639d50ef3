// Package render implements the MIME message renderer: a pull-based
// streaming encoder that turns a mailmsg.Message into the exact bytes
// that belong on the wire during an SMTP DATA phase. The Qt original
// (original_source/src/qsrmailrenderer.cpp) exposes this as a
// QIODevice-style ring buffer with bytesAvailable()/advance() and
// ready_read/progress signals; here the same state machine drives a
// plain io.Reader, which is the shape Go readers (io.Copy, bufio, the
// transport package) already expect.
package render

import (
	"bytes"
	"errors"
	"io"

	"github.com/fenderle/qsrmail/encode"
	"github.com/fenderle/qsrmail/mailmsg"
	"github.com/fenderle/qsrmail/mlog"
	"github.com/gabriel-vasile/mimetype"
)

// ErrAlreadyRun is returned by Run if called more than once: body
// sources are not rewindable, so the renderer is strictly single-use.
var ErrAlreadyRun = errors.New("render: renderer already run")

// errNotStarted is returned by Read before Run has been called.
var errNotStarted = errors.New("render: Read called before Run")

type state int

const (
	stateIdle state = iota
	stateSimpleBody
	stateBoundary
	statePartHeader
	statePartBody
	stateFinished
)

// sniffLen is how many leading bytes are offered to the content-type
// sniffer, generous enough for mimetype's signature matching.
const sniffLen = 3072

type frame struct {
	part mailmsg.Part
	idx  int
}

// Renderer streams the rendered form of a single Message. It is
// single-use: create a new Renderer per message.
type Renderer struct {
	msg  *mailmsg.Message
	body mailmsg.Part

	state   state
	started bool
	aborted bool
	err     error

	stack       []frame
	prevWasLeaf bool

	headerBuf    *bytes.Reader
	headerCounts bool

	bodyReader    io.Reader
	bodySource    mailmsg.ByteSource
	bodyAutoClose bool
	bodyCounts    bool
	afterBody     func()

	processed int
	total     int

	// OnProgress, if set, is called every time a countable chunk (per
	// spec.md's progress accounting) finishes draining.
	OnProgress func(processed, total int)

	// Log receives Renderer diagnostics: sniffing failures, aborts, and
	// state-machine step errors. New sets it to mlog.New("render", nil),
	// which writes text records to stderr; a Log with a nil Logger is not
	// usable here.
	Log mlog.Log
}

// New returns a Renderer for msg. msg is read, and for a multipart body
// given a MIME-Version header, when the first Read after Run cooks the
// headers; mutating msg after that is undefined.
func New(msg *mailmsg.Message) *Renderer {
	return &Renderer{msg: msg, Log: mlog.New("render", nil)}
}

// Run starts the renderer. It must be called exactly once, before the
// first Read.
func (r *Renderer) Run() error {
	if r.started {
		return ErrAlreadyRun
	}
	r.started = true
	r.state = stateIdle
	r.Log.Debug("render started")
	return nil
}

// Abort cancels rendering: any attached source is released and the
// renderer moves straight to Finished without emitting further bytes.
func (r *Renderer) Abort() {
	if r.aborted || r.state == stateFinished {
		return
	}
	r.aborted = true
	r.detachBody()
	r.headerBuf = nil
	r.state = stateFinished
	r.Log.Debug("render aborted", "processed", r.processed, "total", r.total)
}

// Read implements io.Reader, driving the renderer's state machine as
// needed to produce bytes. A single call may return fewer bytes than
// len(p); callers should loop until io.EOF, as with any io.Reader.
func (r *Renderer) Read(p []byte) (int, error) {
	if !r.started {
		return 0, errNotStarted
	}
	if r.aborted {
		return 0, io.EOF
	}
	if r.err != nil {
		return 0, r.err
	}

	n := 0
	for n < len(p) {
		switch {
		case r.headerBuf != nil:
			m, _ := r.headerBuf.Read(p[n:])
			n += m
			if r.headerBuf.Len() == 0 {
				r.headerBuf = nil
				if r.headerCounts {
					r.chunkDrained()
				}
			}
		case r.bodyReader != nil:
			m, rerr := r.bodyReader.Read(p[n:])
			n += m
			if m == 0 && rerr == nil {
				// The encoder needs more room than p[n:] offers to make
				// progress; hand back what is there and continue next call.
				return n, nil
			}
			if rerr != nil && rerr != io.EOF {
				r.err = rerr
				if n == 0 {
					return 0, r.err
				}
				return n, nil
			}
			if rerr == io.EOF {
				counts := r.bodyCounts
				after := r.afterBody
				r.detachBody()
				if after != nil {
					after()
				}
				if counts {
					r.chunkDrained()
				}
			}
		case r.state == stateFinished:
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		default:
			if err := r.step(); err != nil {
				r.err = err
				r.Log.Errorx("render step failed", err)
				if n == 0 {
					return 0, err
				}
				return n, nil
			}
		}
	}
	return n, nil
}

func (r *Renderer) chunkDrained() {
	r.processed++
	if r.OnProgress != nil {
		r.OnProgress(r.processed, r.total)
	}
}

func (r *Renderer) detachBody() {
	r.bodyReader = nil
	if r.bodySource != nil {
		if r.bodyAutoClose {
			r.bodySource.Close()
		}
		r.bodySource = nil
	}
	r.bodyAutoClose = false
	r.bodyCounts = false
	r.afterBody = nil
}

// attachBody wires up a leaf body (bytes or ByteSource) as the active
// reader, wrapping it in a transfer-content encoder when needed.
func (r *Renderer) attachBody(data []byte, src mailmsg.ByteSource, autoDispose bool, enc mailmsg.Encoder) {
	var raw io.Reader
	if src != nil {
		raw = src
		r.bodySource = src
		r.bodyAutoClose = autoDispose
	} else {
		raw = bytes.NewReader(data)
	}

	switch enc {
	case mailmsg.Base64:
		r.bodyReader = encode.NewBase64Encoder(raw)
	case mailmsg.QuotedPrintable:
		r.bodyReader = encode.NewQPEncoder(raw)
	default:
		r.bodyReader = raw
	}
}

func (r *Renderer) pushHeaderBytes(b []byte, counts bool) {
	r.headerBuf = bytes.NewReader(b)
	r.headerCounts = counts
}

// step performs exactly one state transition, producing header bytes
// and/or attaching a body reader as appropriate. It returns without
// looping so Read can drain what was produced before the next
// transition runs; the only exception is a transition that produces no
// output of its own (namely reaching Finished while popping the
// multipart stack), which is safe since Read will immediately notice
// the finished state.
func (r *Renderer) step() error {
	switch r.state {
	case stateIdle:
		return r.stepIdle()
	case stateBoundary:
		return r.stepBoundary()
	case statePartHeader:
		return r.stepPartHeader()
	default:
		// stateSimpleBody and statePartBody only ever exist while a
		// bodyReader is attached; once drained the state is advanced by
		// the afterBody callback before Read calls step() again.
		r.state = stateFinished
		return nil
	}
}

func (r *Renderer) stepIdle() error {
	root := r.msg.Body()
	if root.Kind() == mailmsg.KindMimePart {
		wrapper := mailmsg.NewMimeMultipart(mailmsg.Mixed)
		wrapper.AddPart(root)
		root = wrapper
	}
	r.body = root

	isMultipart := r.body.Kind() == mailmsg.KindMimeMultipart
	if isMultipart {
		r.msg.Headers().SetHeader("MIME-Version", "1.0")
	}

	headers := mailmsg.CookMessageHeaders(r.msg)
	var b bytes.Buffer
	headers.Render(&b)
	if isMultipart {
		partHeaders := mailmsg.CookPartHeaders(&r.body, "", "")
		partHeaders.Render(&b)
	}
	b.WriteString("\r\n")

	if isMultipart {
		r.total = 1 + countChunks(&r.body)
	} else {
		r.total = 2
	}

	r.pushHeaderBytes(b.Bytes(), true)

	if isMultipart {
		r.stack = append(r.stack, frame{part: r.body})
		r.state = stateBoundary
	} else {
		r.state = stateSimpleBody
		bodyData, bodySrc, autoDispose := r.body.Body()
		r.attachBody(bodyData, bodySrc, autoDispose, mailmsg.Passthrough)
		r.bodyCounts = true
		r.afterBody = func() { r.state = stateFinished }
	}
	return nil
}

func (r *Renderer) stepBoundary() error {
	top := &r.stack[len(r.stack)-1]
	children := top.part.Parts()

	var b bytes.Buffer
	if r.prevWasLeaf {
		b.WriteString("\r\n")
	}
	b.WriteString("--")
	b.WriteString(top.part.Boundary())

	if top.idx >= len(children) {
		b.WriteString("--\r\n")
		r.pushHeaderBytes(b.Bytes(), true)
		r.prevWasLeaf = false

		r.stack = r.stack[:len(r.stack)-1]
		if len(r.stack) == 0 {
			r.state = stateFinished
		} else {
			r.stack[len(r.stack)-1].idx++
			r.state = stateBoundary
		}
		return nil
	}

	b.WriteString("\r\n")
	r.pushHeaderBytes(b.Bytes(), true)
	r.prevWasLeaf = false
	r.state = statePartHeader
	return nil
}

func (r *Renderer) stepPartHeader() error {
	top := &r.stack[len(r.stack)-1]
	child := top.part.Parts()[top.idx]

	if child.Kind() == mailmsg.KindMimeMultipart {
		r.stack = append(r.stack, frame{part: child})
		headers := mailmsg.CookPartHeaders(&child, "", "")
		var b bytes.Buffer
		headers.Render(&b)
		b.WriteString("\r\n")
		r.pushHeaderBytes(b.Bytes(), true)
		r.state = stateBoundary
		return nil
	}

	contentType := child.ContentType()
	if contentType == "" {
		contentType = r.sniffContentType(&child)
	}

	enc := child.Encoder()
	if enc == mailmsg.AutoDetect {
		if len(contentType) >= 5 && contentType[:5] == "text/" {
			enc = mailmsg.QuotedPrintable
		} else {
			enc = mailmsg.Base64
		}
	}

	transferEncoding := ""
	switch enc {
	case mailmsg.Base64:
		transferEncoding = "base64"
	case mailmsg.QuotedPrintable:
		transferEncoding = "quoted-printable"
	default:
		transferEncoding = child.ContentEncoding()
		if transferEncoding == "" {
			transferEncoding = "7bit"
		}
	}

	child.SetContentType(contentType)
	headers := mailmsg.CookPartHeaders(&child, contentType, transferEncoding)
	var b bytes.Buffer
	headers.Render(&b)
	b.WriteString("\r\n")
	r.pushHeaderBytes(b.Bytes(), false)

	top.idx++
	r.state = statePartBody

	data, src, autoDispose := child.Body()
	r.attachBody(data, src, autoDispose, enc)
	r.bodyCounts = true
	r.afterBody = func() {
		r.prevWasLeaf = true
		r.state = stateBoundary
	}
	return nil
}

// sniffContentType inspects the first bytes of a leaf part's body
// through an external MIME-type database, falling back to
// text/plain;charset=us-ascii when detection is not possible.
func (r *Renderer) sniffContentType(p *mailmsg.Part) string {
	const fallback = "text/plain; charset=us-ascii"

	data, src, autoDispose := p.Body()
	var peek []byte
	if src != nil {
		peeked, rest, err := mailmsg.Sniff(src, sniffLen)
		if err != nil {
			r.Log.Errorx("sniffing content type failed, falling back", err)
			return fallback
		}
		peek = peeked
		p.SetBodySource(rest, autoDispose)
	} else {
		peek = data
		if len(peek) > sniffLen {
			peek = peek[:sniffLen]
		}
	}
	if len(peek) == 0 {
		return fallback
	}
	return mimetype.Detect(peek).String()
}

// countChunks returns the number of progress units the multipart p (and
// everything nested under it) will produce: one boundary per child, one
// header block per nested multipart child, one body per leaf child, and
// one closing boundary for p itself.
func countChunks(p *mailmsg.Part) int {
	n := 1
	for _, c := range p.Parts() {
		n++
		if c.Kind() == mailmsg.KindMimeMultipart {
			n++
			n += countChunks(&c)
		} else {
			n++
		}
	}
	return n
}
