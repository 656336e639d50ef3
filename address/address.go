// Package address implements the minimal mail address parsing this
// library needs as an external collaborator: syntax validation of the
// addr-spec form used in From/To/Cc/Bcc/Sender headers and in the SMTP
// envelope. Display-name handling and RFC2047 encoding live in mailmsg,
// which is the caller of this package.
package address

import (
	"errors"
	"strings"
)

// ErrBadAddress is returned by Parse for syntactically invalid addresses.
var ErrBadAddress = errors.New("invalid email address")

// Localpart is the decoded local part of an address, before the "@".
type Localpart string

// String returns the local part in packed dot-atom or quoted-string form,
// escaping as needed for use on the wire.
func (lp Localpart) String() string {
	if lp.isDotString() {
		return string(lp)
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range lp {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

func (lp Localpart) isDotString() bool {
	if lp == "" {
		return false
	}
	for _, atom := range strings.Split(string(lp), ".") {
		if atom == "" {
			return false
		}
		for _, c := range atom {
			if !isAtomChar(c) {
				return false
			}
		}
	}
	return true
}

func isAtomChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c > 0x7f:
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '/', '=', '?', '^', '_', '`', '{', '|', '}', '~':
		return true
	}
	return false
}

// Address is a parsed addr-spec: localpart "@" domain.
type Address struct {
	Localpart Localpart
	Domain    string // ASCII or UTF-8 domain, lowercase not enforced.
}

// IsZero reports whether a is the zero value (an unset/null address).
func (a Address) IsZero() bool {
	return a == Address{}
}

// Pack renders the address in wire (angle-bracket-free) form.
func (a Address) Pack() string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain
}

// Parse parses an addr-spec. It accepts UTF-8 in both the local part and
// the domain; canonicalisation beyond lexical validation is explicitly
// out of scope (see spec.md Non-goals).
func Parse(s string) (Address, error) {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return Address{}, ErrBadAddress
	}
	lp, domain := s[:at], s[at+1:]
	local, err := parseLocalpart(lp)
	if err != nil {
		return Address{}, err
	}
	if !validDomain(domain) {
		return Address{}, ErrBadAddress
	}
	return Address{local, domain}, nil
}

func parseLocalpart(s string) (Localpart, error) {
	if s == "" {
		return "", ErrBadAddress
	}
	if strings.HasPrefix(s, `"`) {
		if !strings.HasSuffix(s, `"`) || len(s) < 2 {
			return "", ErrBadAddress
		}
		return Localpart(s[1 : len(s)-1]), nil
	}
	for _, atom := range strings.Split(s, ".") {
		if atom == "" {
			return "", ErrBadAddress
		}
		for _, c := range atom {
			if !isAtomChar(c) {
				return "", ErrBadAddress
			}
		}
	}
	return Localpart(s), nil
}

func validDomain(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" {
			return false
		}
		for _, c := range label {
			if c == ' ' || c == '@' || c < 0x21 {
				return false
			}
		}
	}
	return true
}
