// Package authhdr is the external collaborator the core consumes through
// reqrep.Request.AuthorizationHeader: Basic and Digest (RFC 7616, md5)
// Authorization-header parsing plus Digest nonce issuance/validation, kept
// entirely outside the connection state machine per the auth-parsing
// Non-goal. No ecosystem HTTP-digest-auth library turned up anywhere in
// the retrieved examples, so this parses by hand against the standard
// library's crypto/md5 the way the core's own HTTP/1.x parser is
// hand-written against bufio rather than borrowed.
package authhdr

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	liberr "github.com/nabbar/golib/errors"
)

const MinPkgAuthHdr liberr.CodeError = liberr.MinAvailable + 400

const (
	ErrorMissingHeader liberr.CodeError = iota + MinPkgAuthHdr
	ErrorUnsupportedScheme
	ErrorMalformed
	ErrorNonceExpired
	ErrorNonceCountReplay
	ErrorBadCredentials
)

func init() {
	liberr.RegisterIdFctMessage(ErrorMissingHeader, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorMissingHeader:
		return "no Authorization header present"
	case ErrorUnsupportedScheme:
		return "unsupported Authorization scheme"
	case ErrorMalformed:
		return "malformed Authorization header"
	case ErrorNonceExpired:
		return "digest nonce has expired"
	case ErrorNonceCountReplay:
		return "digest nonce-count was reused"
	case ErrorBadCredentials:
		return "credentials did not match"
	}
	return ""
}

// Scheme identifies which Authorization scheme a header carried.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	SchemeBasic
	SchemeDigest
)

// DefaultNonceTimeout and DefaultMaxNC are the §6 defaults: a nonce minted
// by NonceTracker.New is accepted for 90s and for at most 1000 distinct
// nonce-count values before the server demands a fresh one.
const (
	DefaultNonceTimeout = 90 * time.Second
	DefaultMaxNC        = 1000
)

// BasicCredentials is the decoded payload of a Basic Authorization header.
type BasicCredentials struct {
	Username string
	Password string
}

// ParseBasic decodes "Basic <base64(user:pass)>". Unlike net/http's
// request.BasicAuth, this takes the raw header value already extracted by
// reqrep.Request.AuthorizationHeader rather than an *http.Request.
func ParseBasic(header string) (BasicCredentials, liberr.Error) {
	scheme, rest, ok := splitScheme(header)
	if !ok {
		return BasicCredentials{}, ErrorMalformed.Error(nil)
	}
	if scheme != SchemeBasic {
		return BasicCredentials{}, ErrorUnsupportedScheme.Error(nil)
	}

	raw, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return BasicCredentials{}, ErrorMalformed.Error(err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return BasicCredentials{}, ErrorMalformed.Error(nil)
	}
	return BasicCredentials{Username: user, Password: pass}, nil
}

// DigestCredentials is one parsed Digest Authorization header (RFC 7616
// §3.4's auth-scheme fields, qop=auth only — auth-int and non-md5
// algorithms are out of scope here).
type DigestCredentials struct {
	Username string
	Realm    string
	Nonce    string
	URI      string
	Response string
	CNonce   string
	NC       string
	QOP      string
	Opaque   string
}

// ParseDigest decodes a Digest Authorization header into its named fields.
func ParseDigest(header string) (DigestCredentials, liberr.Error) {
	scheme, rest, ok := splitScheme(header)
	if !ok {
		return DigestCredentials{}, ErrorMalformed.Error(nil)
	}
	if scheme != SchemeDigest {
		return DigestCredentials{}, ErrorUnsupportedScheme.Error(nil)
	}

	fields := parseDirectives(rest)
	d := DigestCredentials{
		Username: fields["username"],
		Realm:    fields["realm"],
		Nonce:    fields["nonce"],
		URI:      fields["uri"],
		Response: fields["response"],
		CNonce:   fields["cnonce"],
		NC:       fields["nc"],
		QOP:      fields["qop"],
		Opaque:   fields["opaque"],
	}
	if d.Username == "" || d.Nonce == "" || d.Response == "" {
		return DigestCredentials{}, ErrorMalformed.Error(nil)
	}
	return d, nil
}

// Verify recomputes the expected digest response for method+password and
// compares it against d.Response, per RFC 7616 §3.4.1's qop=auth case:
// HA1 = MD5(username:realm:password); HA2 = MD5(method:uri);
// response = MD5(HA1:nonce:nc:cnonce:qop:HA2).
func (d DigestCredentials) Verify(method, password string) bool {
	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", d.Username, d.Realm, password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, d.URI))

	var expected string
	if d.QOP != "" {
		expected = md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, d.Nonce, d.NC, d.CNonce, d.QOP, ha2))
	} else {
		expected = md5Hex(fmt.Sprintf("%s:%s:%s", ha1, d.Nonce, ha2))
	}
	return expected == d.Response
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func splitScheme(header string) (Scheme, string, bool) {
	header = strings.TrimSpace(header)
	name, rest, ok := strings.Cut(header, " ")
	if !ok {
		return SchemeUnknown, "", false
	}
	switch strings.ToLower(name) {
	case "basic":
		return SchemeBasic, strings.TrimSpace(rest), true
	case "digest":
		return SchemeDigest, strings.TrimSpace(rest), true
	default:
		return SchemeUnknown, "", false
	}
}

// parseDirectives splits a comma-separated key=value (optionally quoted)
// directive list, as carried by Digest Authorization and WWW-Authenticate
// headers.
func parseDirectives(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitDirectives(s) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		v = strings.Trim(v, `"`)
		out[k] = v
	}
	return out
}

// splitDirectives splits on commas that are not inside a quoted string,
// since quoted directive values (realm, nonce, uri, ...) may themselves
// contain commas.
func splitDirectives(s string) []string {
	var out []string
	var b strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			b.WriteRune(r)
		case ',':
			if inQuotes {
				b.WriteRune(r)
			} else {
				out = append(out, b.String())
				b.Reset()
			}
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// Challenge builds the WWW-Authenticate header value a 401 response sends
// back for Digest auth.
func Challenge(realm, nonce, opaque string, stale bool) string {
	v := fmt.Sprintf(`Digest realm="%s", qop="auth", nonce="%s", opaque="%s"`, realm, nonce, opaque)
	if stale {
		v += `, stale=true`
	}
	return v
}

// nonceEntry tracks one issued nonce's issue time and the set of
// nonce-count values seen so far, so a reused value can be rejected.
type nonceEntry struct {
	issuedAt time.Time
	seenNC   map[uint64]struct{}
	maxNC    int
}

// NonceTracker issues and validates Digest nonces, enforcing the 90s
// timeout and 1000-nc defaults (or caller-supplied overrides).
type NonceTracker struct {
	mu      sync.Mutex
	entries map[string]*nonceEntry
	timeout time.Duration
	maxNC   int
}

func NewNonceTracker(timeout time.Duration, maxNC int) *NonceTracker {
	if timeout <= 0 {
		timeout = DefaultNonceTimeout
	}
	if maxNC <= 0 {
		maxNC = DefaultMaxNC
	}
	return &NonceTracker{
		entries: make(map[string]*nonceEntry),
		timeout: timeout,
		maxNC:   maxNC,
	}
}

// New mints and registers a fresh nonce.
func (t *NonceTracker) New() (string, liberr.Error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", ErrorMalformed.Error(err)
	}
	nonce := hex.EncodeToString(buf)

	t.mu.Lock()
	t.entries[nonce] = &nonceEntry{issuedAt: time.Now(), seenNC: make(map[uint64]struct{}), maxNC: t.maxNC}
	t.mu.Unlock()
	return nonce, nil
}

// Validate checks nonce freshness and rejects an nc value already seen for
// this nonce, per RFC 7616 §3.3's server-side nonce-count bookkeeping;
// unseen values are accepted in any order. It does not itself
// verify the response digest; call DigestCredentials.Verify for that.
func (t *NonceTracker) Validate(nonce, nc string) liberr.Error {
	n, err := strconv.ParseUint(nc, 16, 64)
	if err != nil {
		return ErrorMalformed.Error(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[nonce]
	if !ok {
		return ErrorNonceExpired.Error(nil)
	}
	if time.Since(e.issuedAt) > t.timeout {
		delete(t.entries, nonce)
		return ErrorNonceExpired.Error(nil)
	}
	if _, seen := e.seenNC[n]; seen {
		return ErrorNonceCountReplay.Error(nil)
	}
	if len(e.seenNC) >= e.maxNC {
		delete(t.entries, nonce)
		return ErrorNonceExpired.Error(nil)
	}
	e.seenNC[n] = struct{}{}
	return nil
}

// Sweep evicts every nonce older than the configured timeout, for a caller
// that wants to bound tracker memory on an idle server independent of
// Validate calls.
func (t *NonceTracker) Sweep() {
	cut := time.Now().Add(-t.timeout)
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if e.issuedAt.Before(cut) {
			delete(t.entries, k)
		}
	}
}
