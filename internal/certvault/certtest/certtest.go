// Package certtest issues throwaway CA-signed certificates wrapped in
// PKCS#12 containers for tests.
package certtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// Password protects every generated container.
const Password = "s3cret"

// Options controls the issued leaf certificate.
type Options struct {
	CommonName string // default "EMPRESA TESTE LTDA:<owner>"
	OwnerTaxID string // subject serialNumber; default "12345678000190"
	NotBefore  time.Time
	NotAfter   time.Time
	RSABits    int  // default 2048
	ECDSA      bool // P-256 leaf key instead of RSA
	SelfSigned bool
	DNSNames   []string
}

// Bundle is an issued identity.
type Bundle struct {
	PFX      []byte
	Password string
	Key      crypto.Signer
	Leaf     *x509.Certificate
	CA       *x509.Certificate
	CAKey    crypto.Signer
}

// Roots returns a pool holding the issuing CA (or the leaf when self-signed).
func (b *Bundle) Roots() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(b.CA)
	return p
}

// Issue generates a key pair and certificate per opts.
func Issue(t testing.TB, opts Options) *Bundle {
	t.Helper()
	if opts.OwnerTaxID == "" {
		opts.OwnerTaxID = "12345678000190"
	}
	if opts.CommonName == "" {
		opts.CommonName = "EMPRESA TESTE LTDA:" + opts.OwnerTaxID
	}
	now := time.Now()
	if opts.NotBefore.IsZero() {
		opts.NotBefore = now.Add(-24 * time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = now.Add(365 * 24 * time.Hour)
	}
	if opts.RSABits == 0 {
		opts.RSABits = 2048
	}

	var key crypto.Signer
	var err error
	if opts.ECDSA {
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	} else {
		key, err = rsa.GenerateKey(rand.Reader, opts.RSABits)
	}
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			SerialNumber: opts.OwnerTaxID,
			Organization: []string{"Empresa Teste"},
			Country:      []string{"BR"},
		},
		NotBefore:   opts.NotBefore,
		NotAfter:    opts.NotAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    opts.DNSNames,
	}

	b := &Bundle{Password: Password, Key: key}
	if opts.SelfSigned {
		tmpl.Issuer = tmpl.Subject
		tmpl.IsCA = true
		tmpl.BasicConstraintsValid = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
		if err != nil {
			t.Fatalf("create self-signed certificate: %v", err)
		}
		b.Leaf = mustParse(t, der)
		b.CA, b.CAKey = b.Leaf, key
	} else {
		b.CA, b.CAKey = newCA(t)
		der, err := x509.CreateCertificate(rand.Reader, tmpl, b.CA, key.Public(), b.CAKey)
		if err != nil {
			t.Fatalf("create leaf certificate: %v", err)
		}
		b.Leaf = mustParse(t, der)
	}

	var chain []*x509.Certificate
	if !opts.SelfSigned {
		chain = []*x509.Certificate{b.CA}
	}
	b.PFX, err = pkcs12.Modern.Encode(key, b.Leaf, chain, Password)
	if err != nil {
		t.Fatalf("encode pkcs12: %v", err)
	}
	return b
}

// TrustStoreOnly returns a container that holds certificates but no key.
func TrustStoreOnly(t testing.TB, b *Bundle) []byte {
	t.Helper()
	pfx, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{b.Leaf}, Password)
	if err != nil {
		t.Fatalf("encode trust store: %v", err)
	}
	return pfx
}

func newCA(t testing.TB) (*x509.Certificate, crypto.Signer) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "AC TESTE v5", Country: []string{"BR"}},
		NotBefore:             time.Now().Add(-10 * 365 * 24 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("create CA certificate: %v", err)
	}
	return mustParse(t, der), key
}

func mustParse(t testing.TB, der []byte) *x509.Certificate {
	t.Helper()
	c, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return c
}
