package mailmsg

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the tagged Part union of spec.md §3, replacing the
// source's shared-null-sentinel pattern with an explicit variant per
// spec.md §9.
type Kind int

const (
	// KindNull is the zero value: an empty message body.
	KindNull Kind = iota
	KindBodyPart
	KindMimePart
	KindMimeMultipart
)

// Encoder selects the content-transfer-encoding a MimePart uses.
type Encoder int

const (
	AutoDetect Encoder = iota
	Passthrough
	Base64
	QuotedPrintable
)

// Disposition is the Content-Disposition keyword of a mime part.
type Disposition int

const (
	Inline Disposition = iota
	Attachment
)

// MultipartKind selects the multipart/<kind> subtype.
type MultipartKind int

const (
	Mixed MultipartKind = iota
	Alternative
	Digest
	Parallel
)

func (k MultipartKind) String() string {
	switch k {
	case Alternative:
		return "alternative"
	case Digest:
		return "digest"
	case Parallel:
		return "parallel"
	default:
		return "mixed"
	}
}

// Part is a node of the message body tree: Null, a plain BodyPart, a leaf
// MimePart, or a MimeMultipart container. Only the fields relevant to the
// active Kind are meaningful, mirroring the source's shared-attribute
// struct (spec.md §3) but constructed through the kind-specific
// constructors below rather than left as an ad hoc union.
type Part struct {
	kind Kind

	// BodyPart / MimePart.
	body       []byte
	bodySource ByteSource
	autoDispose bool

	// MimePart / MimeMultipart.
	headers            Headers
	contentType        string
	contentID          string
	contentEncoding    string
	contentDescription string
	disposition        Disposition
	filename           string
	createDate         time.Time
	modificationDate   time.Time
	readDate           time.Time
	size               int64

	// MimePart only.
	encoder Encoder

	// MimeMultipart only.
	multipartKind MultipartKind
	boundary      string
	parts         []Part
}

// Null returns the null part: no body at all.
func Null() Part { return Part{kind: KindNull} }

// IsNull reports whether p is the null part.
func (p Part) IsNull() bool { return p.kind == KindNull }

// Kind returns the part's variant.
func (p Part) Kind() Kind { return p.kind }

// NewBodyPart returns a plain (non-MIME) message body.
func NewBodyPart() Part { return Part{kind: KindBodyPart} }

// NewMimePart returns a leaf MIME part. Disposition defaults to Inline,
// switching to Attachment once a filename is set (SPEC_FULL.md §C item 3,
// after original_source/qsrmailabstractmimepart.cpp).
func NewMimePart() Part {
	return Part{kind: KindMimePart, encoder: AutoDetect, disposition: Inline}
}

// NewMimeMultipart returns a multipart container with a fresh
// UUID-derived boundary token, distinct per instance (spec.md §3).
func NewMimeMultipart(kind MultipartKind) Part {
	return Part{
		kind:          KindMimeMultipart,
		multipartKind: kind,
		boundary:      "==_qsr_" + uuid.NewString(),
	}
}

// SetBodyBytes attaches an in-memory body, clearing any previously set
// body source (spec.md §3: body and body_source are mutually exclusive in
// practice; SPEC_FULL.md §C item 2 enforces it at assignment time).
func (p *Part) SetBodyBytes(b []byte) {
	p.body = b
	p.bodySource = nil
}

// SetBodySource attaches a streaming body source. autoDispose controls
// whether the transport closes and releases src after it is fully
// consumed, or leaves that to the caller.
func (p *Part) SetBodySource(src ByteSource, autoDispose bool) {
	p.bodySource = src
	p.autoDispose = autoDispose
	p.body = nil
}

// Body returns either the body source with its autoDispose flag (a
// source takes precedence, per spec.md §3) or the body bytes with
// autoDispose false.
func (p *Part) Body() (bytes []byte, src ByteSource, autoDispose bool) {
	if p.bodySource != nil {
		return nil, p.bodySource, p.autoDispose
	}
	return p.body, nil, false
}

// Headers returns a pointer to the part's raw headers, for callers that
// want to add custom fields before cooking.
func (p *Part) Headers() *Headers { return &p.headers }

// SetContentType sets an explicit Content-Type, bypassing sniffing.
func (p *Part) SetContentType(ct string) { p.contentType = ct }

// ContentType returns the explicitly-set Content-Type, if any.
func (p *Part) ContentType() string { return p.contentType }

// SetContentID sets the Content-ID.
func (p *Part) SetContentID(id string) { p.contentID = id }

// SetContentEncoding declares an explicit Content-Transfer-Encoding for
// a Passthrough-encoded part. Ignored when Encoder is Base64 or
// QuotedPrintable, which always dictate their own token.
func (p *Part) SetContentEncoding(enc string) { p.contentEncoding = enc }

// ContentEncoding returns the explicitly declared Content-Transfer-Encoding.
func (p *Part) ContentEncoding() string { return p.contentEncoding }

// SetContentDescription sets the Content-Description.
func (p *Part) SetContentDescription(d string) { p.contentDescription = d }

// SetEncoder selects the content-transfer-encoding strategy.
func (p *Part) SetEncoder(e Encoder) { p.encoder = e }

// Encoder returns the selected content-transfer-encoding strategy.
func (p *Part) Encoder() Encoder { return p.encoder }

// SetFilename sets the attachment filename and switches the default
// disposition to Attachment, per SPEC_FULL.md §C item 3.
func (p *Part) SetFilename(name string) {
	p.filename = name
	if name != "" {
		p.disposition = Attachment
	}
}

// SetDisposition overrides the disposition explicitly.
func (p *Part) SetDisposition(d Disposition) { p.disposition = d }

// SetDates sets the optional creation/modification/read dates used in
// Content-Disposition parameters. A zero time.Time omits the parameter.
func (p *Part) SetDates(create, modify, read time.Time) {
	p.createDate, p.modificationDate, p.readDate = create, modify, read
}

// SetSize sets the declared size in bytes. size <= 0 means "unknown"
// (spec.md §3) and omits the parameter.
func (p *Part) SetSize(size int64) { p.size = size }

// Boundary returns the multipart boundary token.
func (p *Part) Boundary() string { return p.boundary }

// SetBoundary overrides the default random boundary token.
func (p *Part) SetBoundary(b string) { p.boundary = b }

// AddPart appends a child to a MimeMultipart. It panics if p is not a
// MimeMultipart or if child is a BodyPart or Null, per spec.md §3's
// invariant that a multipart must not contain those kinds directly.
func (p *Part) AddPart(child Part) {
	if p.kind != KindMimeMultipart {
		panic("mailmsg: AddPart on non-multipart Part")
	}
	if child.kind == KindNull || child.kind == KindBodyPart {
		panic("mailmsg: MimeMultipart cannot contain a Null or BodyPart child")
	}
	p.parts = append(p.parts, child)
}

// Parts returns the children of a MimeMultipart, in document order.
func (p *Part) Parts() []Part { return p.parts }
