package authhdr_test

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/nabbar/microd/authhdr"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

var _ = Describe("ParseBasic", func() {
	It("decodes username and password", func() {
		raw := base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
		creds, err := ParseBasic("Basic " + raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(creds.Username).To(Equal("alice"))
		Expect(creds.Password).To(Equal("s3cret"))
	})

	It("rejects a non-Basic scheme", func() {
		_, err := ParseBasic("Digest foo=bar")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ParseDigest", func() {
	It("extracts every directive", func() {
		header := `Digest username="bob", realm="test", nonce="abc123", uri="/x", response="deadbeef", qop=auth, nc=00000001, cnonce="xyz"`
		d, err := ParseDigest(header)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.Username).To(Equal("bob"))
		Expect(d.Realm).To(Equal("test"))
		Expect(d.Nonce).To(Equal("abc123"))
		Expect(d.QOP).To(Equal("auth"))
		Expect(d.NC).To(Equal("00000001"))
	})
})

var _ = Describe("DigestCredentials.Verify", func() {
	It("round-trips a response computed from the same secret", func() {
		d := DigestCredentials{
			Username: "bob",
			Realm:    "test",
			Nonce:    "abc123",
			URI:      "/x",
			NC:       "00000001",
			CNonce:   "xyz",
			QOP:      "auth",
		}
		ha1 := md5Hex("bob:test:password123")
		ha2 := md5Hex("GET:/x")
		d.Response = md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, d.Nonce, d.NC, d.CNonce, d.QOP, ha2))

		Expect(d.Verify("GET", "password123")).To(BeTrue())
		Expect(d.Verify("GET", "wrong-password")).To(BeFalse())
	})
})

var _ = Describe("NonceTracker", func() {
	It("rejects a nonce past its timeout", func() {
		tr := NewNonceTracker(10*time.Millisecond, 1000)
		nonce, err := tr.New()
		Expect(err).ToNot(HaveOccurred())

		time.Sleep(20 * time.Millisecond)
		Expect(tr.Validate(nonce, "00000001")).To(HaveOccurred())
	})

	It("rejects a replayed nonce-count", func() {
		tr := NewNonceTracker(time.Minute, 1000)
		nonce, err := tr.New()
		Expect(err).ToNot(HaveOccurred())

		Expect(tr.Validate(nonce, "00000001")).ToNot(HaveOccurred())
		Expect(tr.Validate(nonce, "00000001")).To(HaveOccurred())
	})

	It("evicts a nonce once max-nc is exceeded", func() {
		tr := NewNonceTracker(time.Minute, 2)
		nonce, _ := tr.New()

		Expect(tr.Validate(nonce, "00000001")).ToNot(HaveOccurred())
		Expect(tr.Validate(nonce, "00000002")).ToNot(HaveOccurred())
		Expect(tr.Validate(nonce, "00000003")).To(HaveOccurred())
	})
})

var _ = Describe("Challenge", func() {
	It("includes the stale flag when requested", func() {
		v := Challenge("realm", "nonce123", "op123", true)
		Expect(v).ToNot(BeEmpty())
		Expect(v).To(ContainSubstring("stale=true"))
	})
})
