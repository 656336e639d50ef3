package mailmsg

import (
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"
	"unicode"
)

// Cooking turns the structured fields of a Message or Part into the final
// ordered Headers the renderer writes on the wire. RFC2047 encoded-word
// encoding and RFC5322 date formatting are external collaborators, not
// something worth a pack dependency for, so this file uses the standard
// library's mime.QEncoding and time.Format directly.

// CookMessageHeaders builds the final header block for a message: raw
// custom headers first, then the appended address-list fields, then the
// singleton fields that had no raw header of the same name (a raw one is
// overwritten in place instead).
func CookMessageHeaders(m *Message) Headers {
	var h Headers

	dateIdx, subjectIdx, msgIDIdx, uaIdx := -1, -1, -1, -1
	for _, e := range m.headers.list {
		h.AppendHeader(e.name, e.value)
		switch idx := len(h.list) - 1; e.name {
		case "Date":
			dateIdx = idx
		case "Subject":
			subjectIdx = idx
		case "Message-ID":
			msgIDIdx = idx
		case "User-Agent":
			uaIdx = idx
		}
	}

	if !m.sender.IsZero() {
		h.AppendHeader("Sender", formatAddress(m.sender))
	}
	appendAddressHeaders(&h, "From", m.from)
	appendAddressHeaders(&h, "Reply-To", m.replyTo)
	appendAddressHeaders(&h, "To", m.to)
	appendAddressHeaders(&h, "Cc", m.cc)
	appendAddressHeaders(&h, "Bcc", m.bcc)

	// A raw header of one of these names keeps its original position and
	// is overwritten in place; only an absent one is appended at the end.
	setCooked(&h, dateIdx, "Date", m.date.Format(time.RFC1123Z))
	setCooked(&h, subjectIdx, "Subject", encodeWord(m.subject))
	setCooked(&h, msgIDIdx, "Message-ID", "<"+m.messageID+">")
	if m.userAgent != "" {
		setCooked(&h, uaIdx, "User-Agent", m.userAgent)
	}

	return h
}

// setCooked overwrites the header at idx in place if idx is valid (a raw
// header of that name already existed at that position), otherwise it
// appends a new entry at the end.
func setCooked(h *Headers, idx int, name, value string) {
	if idx >= 0 {
		h.list[idx].value = value
		return
	}
	h.AppendHeader(name, value)
}

// CookPartHeaders builds the header block for a leaf MimePart or a
// MimeMultipart container, given the effective content type string
// (already resolved by the renderer via explicit setting or sniffing)
// and, for a leaf part, the transfer-encoding token actually used.
func CookPartHeaders(p *Part, contentType, transferEncoding string) Headers {
	var h Headers

	ct := contentType
	if p.kind == KindMimeMultipart {
		ct = fmt.Sprintf("multipart/%s; boundary=%q", p.multipartKind, p.boundary)
	} else if p.filename != "" {
		ct = fmt.Sprintf("%s; name=%s", ct, encodeParam(p.filename))
	}
	h.AppendHeader("Content-Type", ct)

	if transferEncoding != "" {
		h.AppendHeader("Content-Transfer-Encoding", transferEncoding)
	}
	if p.contentID != "" {
		h.AppendHeader("Content-ID", "<"+p.contentID+">")
	}
	if p.contentDescription != "" {
		h.AppendHeader("Content-Description", encodeWord(p.contentDescription))
	}

	if p.kind == KindMimePart {
		h.AppendHeader("Content-Disposition", contentDisposition(p))
	}

	return h
}

func contentDisposition(p *Part) string {
	var b strings.Builder
	if p.disposition == Attachment {
		b.WriteString("attachment")
	} else {
		b.WriteString("inline")
	}
	if p.filename != "" {
		fmt.Fprintf(&b, "; filename=%s", encodeParam(p.filename))
	}
	if !p.createDate.IsZero() {
		fmt.Fprintf(&b, "; creation-date=%q", p.createDate.Format(time.RFC1123Z))
	}
	if !p.modificationDate.IsZero() {
		fmt.Fprintf(&b, "; modification-date=%q", p.modificationDate.Format(time.RFC1123Z))
	}
	if !p.readDate.IsZero() {
		fmt.Fprintf(&b, "; read-date=%q", p.readDate.Format(time.RFC1123Z))
	}
	if p.size > 0 {
		fmt.Fprintf(&b, "; size=%d", p.size)
	}
	return b.String()
}

// formatAddress renders a as a header value: "<addr>" when it carries no
// display name, "Display <addr>" otherwise, with the display name
// RFC2047-encoded and/or quoted as RFC 5322 requires. spec.md §3 places
// the encoded-word producer out of scope as an external collaborator;
// net/mail.Address.String() is that collaborator's stdlib call target,
// grounded on the teacher's own Composer.HeaderAddrs
// (_examples/mjl--mox/message/compose.go), which builds a net/mail
// Address the same way before rendering it.
func formatAddress(a Address) string {
	na := mail.Address{Name: a.Display, Address: a.Addr.Pack()}
	return na.String()
}

// appendAddressHeaders appends one header named name per entry in list,
// in list order, per spec.md §3's "one header per address" rule for
// From/To/Reply-To/Cc/Bcc.
func appendAddressHeaders(h *Headers, name string, list []Address) {
	for _, a := range list {
		h.AppendHeader(name, formatAddress(a))
	}
}

// encodeWord RFC2047-encodes s as Q encoded-words (more than one for a
// long value) if it contains any non-ASCII byte, leaving pure-ASCII
// values untouched.
func encodeWord(s string) string {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return mime.QEncoding.Encode("utf-8", s)
		}
	}
	return s
}

// encodeParam renders a MIME parameter value, using RFC2231 extended
// syntax when name needs it and a plain quoted string otherwise.
func encodeParam(name string) string {
	for _, r := range name {
		if r > unicode.MaxASCII || r == '"' {
			return "utf-8''" + mime.BEncoding.Encode("utf-8", name)
		}
	}
	return `"` + name + `"`
}
