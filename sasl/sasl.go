// Package sasl implements the client side of the SASL mechanisms this
// library speaks during SMTP AUTH: PLAIN, LOGIN and CRAM-MD5, adapted
// from _examples/mjl--mox/sasl/sasl.go's Client interface and per-step
// state machine style. SCRAM is dropped: nothing in spec.md's scope
// negotiates it, see DESIGN.md.
package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"fmt"
	"strings"
)

// Client is a SASL client mechanism, driven one round-trip at a time.
type Client interface {
	// Info returns the mechanism name as used in SMTP AUTH (e.g. "PLAIN")
	// and whether it exchanges credentials in clear text.
	Info() (name string, cleartextCredentials bool)

	// Next is called for each step of the exchange. The first call passes
	// a nil fromServer to obtain a possible initial response. last
	// indicates the client has sent its final message.
	Next(fromServer []byte) (toServer []byte, last bool, err error)
}

// preferenceOrder is the mechanism selection order Select and AutoSelect
// use when more than one advertised mechanism is usable: strongest
// (least likely to leak credentials) first.
var preferenceOrder = []string{"CRAM-MD5", "LOGIN", "PLAIN"}

// Select returns the first mechanism from preferenceOrder that appears
// in advertised (case-insensitively), or ok=false if none match.
func Select(advertised []string, username, password string) (client Client, ok bool) {
	set := make(map[string]bool, len(advertised))
	for _, m := range advertised {
		set[strings.ToUpper(m)] = true
	}
	for _, name := range preferenceOrder {
		if set[name] {
			return newClient(name, username, password), true
		}
	}
	return nil, false
}

// AutoSelect is an alias for Select, kept as a distinct name because the
// transport calls it from the auto-negotiation path specifically (as
// opposed to a caller pinning a mechanism explicitly).
func AutoSelect(advertised []string, username, password string) (Client, bool) {
	return Select(advertised, username, password)
}

func newClient(name, username, password string) Client {
	switch name {
	case "CRAM-MD5":
		return NewClientCRAMMD5(username, password)
	case "LOGIN":
		return NewClientLogin(username, password)
	default:
		return NewClientPlain(username, password)
	}
}

type clientPlain struct {
	username, password string
	step                int
}

var _ Client = (*clientPlain)(nil)

// NewClientPlain returns a client for SASL PLAIN authentication (RFC 4616).
func NewClientPlain(username, password string) Client {
	return &clientPlain{username, password, 0}
}

func (a *clientPlain) Info() (string, bool) { return "PLAIN", true }

func (a *clientPlain) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		user, pass := truncate(a.username, maxCredentialLen), truncate(a.password, maxCredentialLen)
		return []byte(fmt.Sprintf("\x00%s\x00%s", user, pass)), true, nil
	default:
		return nil, false, fmt.Errorf("sasl: PLAIN: invalid step %d", a.step)
	}
}

// maxCredentialLen is the truncation length applied to the username and
// password before building the PLAIN response, matching the original's
// user.left(255)/pass.left(255) (original_source/src/qsrmailtransport.cpp).
const maxCredentialLen = 255

// truncate returns s cut to at most n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type clientLogin struct {
	username, password string
	step                int
}

var _ Client = (*clientLogin)(nil)

// NewClientLogin returns a client for the (non-standard but widely
// deployed) SASL LOGIN mechanism: server prompts for "Username:" then
// "Password:", client answers each in turn.
func NewClientLogin(username, password string) Client {
	return &clientLogin{username, password, 0}
}

func (a *clientLogin) Info() (string, bool) { return "LOGIN", true }

func (a *clientLogin) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	if a.step == 0 {
		return nil, false, nil
	}
	prompt := strings.ToLower(string(fromServer))
	switch {
	case strings.Contains(prompt, "username"):
		return []byte(a.username), false, nil
	case strings.Contains(prompt, "password"):
		return []byte(a.password), true, nil
	default:
		return nil, false, nil
	}
}

type clientCRAMMD5 struct {
	username, password string
	step                int
}

var _ Client = (*clientCRAMMD5)(nil)

// NewClientCRAMMD5 returns a client for SASL CRAM-MD5 authentication (RFC 2195).
func NewClientCRAMMD5(username, password string) Client {
	return &clientCRAMMD5{username, password, 0}
}

func (a *clientCRAMMD5) Info() (string, bool) { return "CRAM-MD5", false }

func (a *clientCRAMMD5) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		s := string(fromServer)
		if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
			return nil, false, fmt.Errorf("sasl: CRAM-MD5: invalid challenge, missing angle brackets")
		}
		t := strings.SplitN(s, ".", 2)
		if len(t) != 2 || t[0] == "" {
			return nil, false, fmt.Errorf("sasl: CRAM-MD5: invalid challenge, missing dot or random digits")
		}
		t = strings.Split(t[1], "@")
		if len(t) == 1 || t[0] == "" || t[len(t)-1] == "" {
			return nil, false, fmt.Errorf("sasl: CRAM-MD5: invalid challenge, empty timestamp or hostname")
		}

		mac := hmac.New(md5.New, []byte(a.password))
		mac.Write(fromServer)
		return []byte(fmt.Sprintf("%s %x", a.username, mac.Sum(nil))), true, nil
	default:
		return nil, false, fmt.Errorf("sasl: CRAM-MD5: invalid step %d", a.step)
	}
}
