package mailmsg

import (
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/fenderle/qsrmail/address"
	"github.com/google/uuid"
)

// Address pairs an envelope-valid address with an optional display name,
// per spec.md §3: "{ addr: string (ASCII), display: string (UTF-8
// allowed) }". The zero value is the null address.
type Address struct {
	Addr    address.Address
	Display string
}

// NewAddress returns an Address combining a (presumably already-parsed)
// envelope address with a display name. An empty display renders as
// just "<addr>"; SPEC_FULL.md §C item 1 asks for this bare-string-plus-
// display-name constructor alongside plain address.Address values.
func NewAddress(a address.Address, display string) Address {
	return Address{Addr: a, Display: display}
}

// IsZero reports whether a carries no envelope address.
func (a Address) IsZero() bool { return a.Addr.IsZero() }

// Pack renders the envelope (angle-bracket-free) address, e.g. for SMTP
// MAIL FROM/RCPT TO. The display name never appears here.
func (a Address) Pack() string { return a.Addr.Pack() }

// Message is the top-level object rendered by the render package (§4.3)
// and delivered by the transport package (§4.4). Message, Headers and
// Part are all treated as plain values: assigning or passing one copies
// it, matching the copy-on-write value semantics spec.md §9 asks for.
type Message struct {
	messageID string
	headers   Headers

	sender  Address
	from    []Address
	replyTo []Address
	to      []Address
	cc      []Address
	bcc     []Address

	date    time.Time
	subject string
	userAgent string

	body Part
}

// New returns an empty Message with a fresh UUID-derived Message-Id and
// Date set to now, matching the source's construction-time defaults
// (SPEC_FULL.md §C item 1).
func New() Message {
	return Message{
		messageID: defaultMessageID(),
		date:      time.Now(),
		body:      Null(),
	}
}

// defaultMessageID builds a <UUID-hex@localhost-short-name> Message-Id
// per spec.md §3, grounded on
// original_source/src/qsrmailmessage.cpp:158-161's
// `uuid.toHex()` (a raw, unhyphenated hex UUID) plus
// `QHostInfo::localHostName().split('.').value(0,"unknown")`.
func defaultMessageID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:]) + "@" + shortHostname()
}

func shortHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "unknown"
	}
	return name
}

// Headers returns a pointer to the message's raw custom headers, cooked
// in after the standard fields at render time (spec.md §4.2).
func (m *Message) Headers() *Headers { return &m.headers }

// MessageID returns the current Message-Id value.
func (m *Message) MessageID() string { return m.messageID }

// SetMessageID overrides the default Message-Id.
func (m *Message) SetMessageID(id string) { m.messageID = id }

// SetSender sets the envelope/header Sender address.
func (m *Message) SetSender(a address.Address) { m.sender = NewAddress(a, "") }

// SetSenderNamed is SetSender plus a display name, per SPEC_FULL.md §C
// item 1's bare-string-plus-display-name convenience constructor.
func (m *Message) SetSenderNamed(a address.Address, display string) {
	m.sender = NewAddress(a, display)
}

// Sender returns the Sender address, possibly the zero value if unset.
func (m *Message) Sender() Address { return m.sender }

// AddFrom appends an address to From, skipping duplicates already
// present, per the ordered-set de-duplication decided in DESIGN.md for
// spec.md §9's Open Question about recipient handling.
func (m *Message) AddFrom(a address.Address) { m.AddFromNamed(a, "") }

// AddFromNamed is AddFrom plus a display name.
func (m *Message) AddFromNamed(a address.Address, display string) {
	m.from = appendUnique(m.from, NewAddress(a, display))
}

// AddReplyTo appends an address to Reply-To, de-duplicated.
func (m *Message) AddReplyTo(a address.Address) { m.AddReplyToNamed(a, "") }

// AddReplyToNamed is AddReplyTo plus a display name.
func (m *Message) AddReplyToNamed(a address.Address, display string) {
	m.replyTo = appendUnique(m.replyTo, NewAddress(a, display))
}

// AddTo appends an address to To, de-duplicated.
func (m *Message) AddTo(a address.Address) { m.AddToNamed(a, "") }

// AddToNamed is AddTo plus a display name.
func (m *Message) AddToNamed(a address.Address, display string) {
	m.to = appendUnique(m.to, NewAddress(a, display))
}

// AddCc appends an address to Cc, de-duplicated.
func (m *Message) AddCc(a address.Address) { m.AddCcNamed(a, "") }

// AddCcNamed is AddCc plus a display name.
func (m *Message) AddCcNamed(a address.Address, display string) {
	m.cc = appendUnique(m.cc, NewAddress(a, display))
}

// AddBcc appends an address to Bcc, de-duplicated. Like From/To/
// Reply-To/Cc, Bcc addresses are rendered into headers, one per
// address (spec.md §3), and also contribute SMTP envelope recipients
// (spec.md §4.4.5).
func (m *Message) AddBcc(a address.Address) { m.AddBccNamed(a, "") }

// AddBccNamed is AddBcc plus a display name.
func (m *Message) AddBccNamed(a address.Address, display string) {
	m.bcc = appendUnique(m.bcc, NewAddress(a, display))
}

func (m *Message) From() []Address    { return m.from }
func (m *Message) ReplyTo() []Address { return m.replyTo }
func (m *Message) To() []Address      { return m.to }
func (m *Message) Cc() []Address      { return m.cc }
func (m *Message) Bcc() []Address     { return m.bcc }

// SetDate overrides the default (construction-time) Date.
func (m *Message) SetDate(t time.Time) { m.date = t }

// Date returns the message Date.
func (m *Message) Date() time.Time { return m.date }

// SetSubject sets the Subject header value.
func (m *Message) SetSubject(s string) { m.subject = s }

// Subject returns the Subject header value.
func (m *Message) Subject() string { return m.subject }

// SetUserAgent sets the User-Agent header value. Empty omits the header.
func (m *Message) SetUserAgent(s string) { m.userAgent = s }

// SetBody replaces the message body (a BodyPart, MimePart, or
// MimeMultipart tree).
func (m *Message) SetBody(p Part) { m.body = p }

// Body returns the message body.
func (m *Message) Body() Part { return m.body }

// EnvelopeRecipients returns the deduplicated union of To, Cc and Bcc, in
// first-seen order across the three lists, as used for SMTP RCPT TO
// commands (spec.md §4.4.5).
func (m *Message) EnvelopeRecipients() []Address {
	var out []Address
	for _, list := range [][]Address{m.to, m.cc, m.bcc} {
		for _, a := range list {
			out = appendUnique(out, a)
		}
	}
	return out
}

// EnvelopeSender returns the address to use as SMTP MAIL FROM: Sender if
// set, otherwise the first From address, otherwise the zero Address.
func (m *Message) EnvelopeSender() Address {
	if !m.sender.IsZero() {
		return m.sender
	}
	if len(m.from) > 0 {
		return m.from[0]
	}
	return Address{}
}

func appendUnique(list []Address, a Address) []Address {
	for _, existing := range list {
		if existing == a {
			return list
		}
	}
	return append(list, a)
}
