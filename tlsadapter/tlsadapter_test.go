package tlsadapter_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/nabbar/microd/tlsadapter"
)

func selfSignedCert() tls.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	Expect(err).ToNot(HaveOccurred())
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	Expect(err).ToNot(HaveOccurred())
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// staticTLSConfig adapts a plain *tls.Config to the
// github.com/nabbar/golib/certificates TLSConfig.TLS(serverName) shape
// without pulling in the full certificate-store machinery for this test.
type staticTLSConfig struct {
	cfg *tls.Config
}

func (s staticTLSConfig) TLS(string) *tls.Config { return s.cfg }

var _ = Describe("Session.Handshake", func() {
	It("reaches StateEstablished on both ends of a TLS handshake", func() {
		cert := selfSignedCert()
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()

		srvCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		sess := NewSession(server, staticTLSConfig{cfg: srvCfg}, "localhost")

		done := make(chan error, 1)
		go func() {
			tc := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
			done <- tc.Handshake()
		}()

		Expect(sess.Handshake()).ToNot(HaveOccurred())
		Expect(sess.State()).To(Equal(StateEstablished))
		Expect(<-done).ToNot(HaveOccurred())
	})
})
