// Package certvault opens PKCS#12 containers and decides whether the
// certificate inside may sign eSocial events.
package certvault

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"math"
	"strings"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/model"
)

// DefaultNearExpiry is the window in which a still-valid certificate is
// reported with a warning.
const DefaultNearExpiry = 30 * 24 * time.Hour

// Certificate is a decrypted, inspected signing identity.
type Certificate struct {
	Signer crypto.Signer
	Leaf   *x509.Certificate
	Chain  []*x509.Certificate
	Report *Report
}

// TLSCertificate returns the identity as a client certificate for mTLS.
func (c *Certificate) TLSCertificate() tls.Certificate {
	raw := [][]byte{c.Leaf.Raw}
	for _, ca := range c.Chain {
		raw = append(raw, ca.Raw)
	}
	return tls.Certificate{Certificate: raw, PrivateKey: c.Signer, Leaf: c.Leaf}
}

// Fingerprint returns the hex SHA-256 of the leaf certificate.
func (c *Certificate) Fingerprint() string {
	return Fingerprint(c.Leaf)
}

// Fingerprint returns the hex SHA-256 of cert's DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Vault validates certificate containers.
type Vault struct {
	now        func() time.Time
	nearExpiry time.Duration
}

// Option configures a Vault.
type Option func(*Vault)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithNearExpiry overrides the near-expiry warning window.
func WithNearExpiry(d time.Duration) Option {
	return func(v *Vault) { v.nearExpiry = d }
}

// New creates a Vault.
func New(opts ...Option) *Vault {
	v := &Vault{now: time.Now, nearExpiry: DefaultNearExpiry}
	for _, o := range opts {
		o(v)
	}
	return v
}

// LoadAndValidate decrypts blob with password and runs every check. The
// returned Report is never nil. A non-nil error means the container could
// not yield a key pair (INVALID_CONTAINER or INCOMPLETE_CERTIFICATE); in
// that case the Certificate is nil. Other hard failures are expressed in
// the Report, see Report.Err.
func (v *Vault) LoadAndValidate(blob []byte, password, expectedOwnerTaxID string) (*Certificate, *Report, error) {
	r := &Report{}

	key, leaf, chain, err := pkcs12.DecodeChain(blob, password)
	if err != nil {
		return nil, r, v.containerFailure(r, blob, password, err)
	}
	r.add(CheckContainer, SeverityOK, "container decrypted")

	signer, ok := key.(crypto.Signer)
	if !ok || leaf == nil {
		r.add(CheckKeyPair, SeverityFailure, "container lacks a usable private key or certificate")
		r.finish()
		return nil, r, errs.Certificate(errs.CodeIncompleteCertificate, "certificate container is incomplete")
	}
	if !publicKeysEqual(signer.Public(), leaf.PublicKey) {
		r.add(CheckKeyPair, SeverityFailure, "private key does not match the certificate")
		r.finish()
		return nil, r, errs.Certificate(errs.CodeIncompleteCertificate, "private key does not match the certificate")
	}
	r.add(CheckKeyPair, SeverityOK, "private key matches certificate")

	now := v.now()
	v.fillMeta(r, leaf, now)
	v.checkValidity(r, leaf, now)
	checkKeyStrength(r, leaf)
	checkSignatureAlgorithm(r, leaf)
	checkOwnership(r, expectedOwnerTaxID)
	checkChain(r, leaf)
	r.finish()

	return &Certificate{Signer: signer, Leaf: leaf, Chain: chain, Report: r}, r, nil
}

// containerFailure classifies a DecodeChain error: a container that holds
// certificates but no key is incomplete, anything else is invalid.
func (v *Vault) containerFailure(r *Report, blob []byte, password string, err error) error {
	if errors.Is(err, pkcs12.ErrIncorrectPassword) {
		r.add(CheckContainer, SeverityFailure, "incorrect password")
		r.finish()
		return errs.Wrap(errs.KindCertificate, errs.CodeInvalidContainer, err, "cannot open certificate container")
	}
	if certs, tsErr := pkcs12.DecodeTrustStore(blob, password); tsErr == nil && len(certs) > 0 {
		r.add(CheckContainer, SeverityOK, "container decrypted")
		r.add(CheckKeyPair, SeverityFailure, "container holds no private key")
		r.finish()
		return errs.Wrap(errs.KindCertificate, errs.CodeIncompleteCertificate, err, "certificate container is incomplete")
	}
	r.add(CheckContainer, SeverityFailure, "malformed PKCS#12 container: %v", err)
	r.finish()
	return errs.Wrap(errs.KindCertificate, errs.CodeInvalidContainer, err, "cannot open certificate container")
}

func (v *Vault) fillMeta(r *Report, leaf *x509.Certificate, now time.Time) {
	m := &r.Meta
	m.Subject = leaf.Subject.String()
	m.Issuer = leaf.Issuer.String()
	m.SerialNumber = leaf.SerialNumber.String()
	m.NotBefore = leaf.NotBefore
	m.NotAfter = leaf.NotAfter
	m.DaysRemaining = int(math.Ceil(leaf.NotAfter.Sub(now).Hours() / 24))
	m.Fingerprint = Fingerprint(leaf)
	m.OwnerTaxID = ownerTaxID(leaf.Subject)
	switch len(m.OwnerTaxID) {
	case 14:
		m.OwnerKind = "employer"
	case 11:
		m.OwnerKind = "individual"
	}
}

func (v *Vault) checkValidity(r *Report, leaf *x509.Certificate, now time.Time) {
	switch {
	case now.Before(leaf.NotBefore):
		r.add(CheckTemporalValidity, SeverityFailure, "not valid before %s", leaf.NotBefore.Format(time.DateOnly))
		return
	case now.After(leaf.NotAfter):
		r.add(CheckTemporalValidity, SeverityFailure, "expired on %s", leaf.NotAfter.Format(time.DateOnly))
		return
	}
	r.add(CheckTemporalValidity, SeverityOK, "valid until %s", leaf.NotAfter.Format(time.DateOnly))

	if leaf.NotAfter.Sub(now) < v.nearExpiry {
		r.add(CheckExpiryWarning, SeverityWarning, "expires in %d day(s)", r.Meta.DaysRemaining)
	} else {
		r.add(CheckExpiryWarning, SeverityOK, "expires in %d day(s)", r.Meta.DaysRemaining)
	}
}

func checkKeyStrength(r *Report, leaf *x509.Certificate) {
	switch pub := leaf.PublicKey.(type) {
	case *rsa.PublicKey:
		bits := pub.N.BitLen()
		r.Meta.KeyAlgorithm, r.Meta.KeyBits = "RSA", bits
		if bits < 2048 {
			r.add(CheckKeyStrength, SeverityFailure, "weak key: RSA %d bits, minimum is 2048", bits)
			return
		}
		r.add(CheckKeyStrength, SeverityOK, "RSA %d bits", bits)
	case *ecdsa.PublicKey:
		bits := pub.Curve.Params().BitSize
		r.Meta.KeyAlgorithm, r.Meta.KeyBits = "ECDSA", bits
		if bits < 256 {
			r.add(CheckKeyStrength, SeverityFailure, "weak key: ECDSA %d bits, minimum is 256", bits)
			return
		}
		r.add(CheckKeyStrength, SeverityOK, "ECDSA %d bits", bits)
	case ed25519.PublicKey:
		r.Meta.KeyAlgorithm, r.Meta.KeyBits = "Ed25519", 256
		r.add(CheckKeyStrength, SeverityFailure, "Ed25519 keys cannot produce XML signatures accepted by eSocial")
	default:
		r.add(CheckKeyStrength, SeverityFailure, "unsupported key type %T", pub)
	}
}

type algorithmGrade int

const (
	gradeSecure algorithmGrade = iota
	gradeLegacy
	gradeBroken
)

type signatureAlgorithm struct {
	name  string
	grade algorithmGrade
}

var signatureAlgorithms = map[string]signatureAlgorithm{
	"1.2.840.113549.1.1.4":  {"md5WithRSAEncryption", gradeBroken},
	"1.2.840.113549.1.1.5":  {"sha1WithRSAEncryption", gradeLegacy},
	"1.2.840.113549.1.1.10": {"RSASSA-PSS", gradeSecure},
	"1.2.840.113549.1.1.11": {"sha256WithRSAEncryption", gradeSecure},
	"1.2.840.113549.1.1.12": {"sha384WithRSAEncryption", gradeSecure},
	"1.2.840.113549.1.1.13": {"sha512WithRSAEncryption", gradeSecure},
	"1.2.840.10045.4.1":     {"ecdsa-with-SHA1", gradeLegacy},
	"1.2.840.10045.4.3.2":   {"ecdsa-with-SHA256", gradeSecure},
	"1.2.840.10045.4.3.3":   {"ecdsa-with-SHA384", gradeSecure},
	"1.2.840.10045.4.3.4":   {"ecdsa-with-SHA512", gradeSecure},
}

// signatureOID extracts the outer signatureAlgorithm OID from the DER
// certificate.
func signatureOID(raw []byte) (string, error) {
	var outer struct {
		TBS    asn1.RawValue
		SigAlg pkix.AlgorithmIdentifier
		Sig    asn1.BitString
	}
	if _, err := asn1.Unmarshal(raw, &outer); err != nil {
		return "", err
	}
	return outer.SigAlg.Algorithm.String(), nil
}

func checkSignatureAlgorithm(r *Report, leaf *x509.Certificate) {
	oid, err := signatureOID(leaf.Raw)
	if err != nil {
		r.add(CheckSignatureAlgorithm, SeverityFailure, "cannot read signature algorithm: %v", err)
		return
	}
	r.Meta.SignatureOID = oid
	gradeSignatureOID(r, oid)
}

func gradeSignatureOID(r *Report, oid string) {
	alg, ok := signatureAlgorithms[oid]
	if !ok {
		r.add(CheckSignatureAlgorithm, SeverityFailure, "unrecognized signature algorithm %s", oid)
		return
	}
	r.Meta.SignatureAlgorithm = alg.name
	switch alg.grade {
	case gradeSecure:
		r.add(CheckSignatureAlgorithm, SeverityOK, "%s", alg.name)
	case gradeLegacy:
		r.add(CheckSignatureAlgorithm, SeverityWarning, "%s is a legacy algorithm", alg.name)
	default:
		r.add(CheckSignatureAlgorithm, SeverityFailure, "%s is not acceptable", alg.name)
	}
}

// ownerTaxID reads the CNPJ/CPF from the subject serialNumber attribute,
// falling back to the ICP-Brasil "NAME:digits" common name form.
func ownerTaxID(subject pkix.Name) string {
	if d := model.Digits(subject.SerialNumber); len(d) == 14 || len(d) == 11 {
		return d
	}
	if i := strings.LastIndex(subject.CommonName, ":"); i >= 0 {
		if d := model.Digits(subject.CommonName[i+1:]); len(d) == 14 || len(d) == 11 {
			return d
		}
	}
	return ""
}

func checkOwnership(r *Report, expected string) {
	owner := r.Meta.OwnerTaxID
	want := model.Digits(expected)
	switch {
	case want == "" && owner == "":
		r.add(CheckOwnership, SeverityWarning, "certificate carries no CNPJ/CPF")
	case want == "":
		r.add(CheckOwnership, SeverityOK, "issued to %s %s", r.Meta.OwnerKind, owner)
	case owner == "":
		r.add(CheckOwnership, SeverityFailure, "ownership mismatch: certificate carries no CNPJ/CPF, expected %s", want)
	case owner != want:
		r.add(CheckOwnership, SeverityFailure, "ownership mismatch: issued to %s, expected %s", owner, want)
	default:
		r.add(CheckOwnership, SeverityOK, "issued to %s %s", r.Meta.OwnerKind, owner)
	}
}

func checkChain(r *Report, leaf *x509.Certificate) {
	if leaf.Issuer.CommonName == leaf.Subject.CommonName {
		r.add(CheckChain, SeverityFailure, "self-signed certificate; only CA-issued certificates may sign")
		return
	}
	r.add(CheckChain, SeverityOK, "issued by %s", leaf.Issuer.CommonName)
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}
