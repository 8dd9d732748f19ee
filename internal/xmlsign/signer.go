// Package xmlsign applies and verifies enveloped XML-DSig signatures on
// eSocial event documents.
package xmlsign

import (
	"crypto/ecdsa"
	"crypto/x509"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/sstlabs/esocial-engine/internal/certvault"
	"github.com/sstlabs/esocial-engine/internal/errs"
)

// Signer signs event documents. The zero value is ready to use.
type Signer struct{}

// New creates a Signer.
func New() *Signer { return &Signer{} }

// Sign returns xml with an enveloped signature appended as the last child
// of the root element. The reference covers the whole document (URI="")
// and inclusive C14N 1.0 is used for SignedInfo and the transform chain.
func (s *Signer) Sign(xml []byte, cert *certvault.Certificate) ([]byte, error) {
	if cert == nil || cert.Signer == nil || cert.Leaf == nil {
		return nil, errs.New(errs.KindCertificate, errs.CodeSigningFailed, "no signing identity")
	}
	if cert.Report != nil {
		if err := cert.Report.Err(); err != nil {
			return nil, err
		}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xml); err != nil {
		return nil, errs.Wrap(errs.KindValidation, errs.CodeSigningFailed, err, "parse document to sign")
	}
	root := doc.Root()
	if root == nil {
		return nil, errs.New(errs.KindValidation, errs.CodeSigningFailed, "document to sign is empty")
	}

	certs := [][]byte{cert.Leaf.Raw}
	for _, ca := range cert.Chain {
		certs = append(certs, ca.Raw)
	}
	ctx, err := dsig.NewSigningContext(cert.Signer, certs)
	if err != nil {
		return nil, errs.Wrap(errs.KindCertificate, errs.CodeSigningFailed, err, "create signing context")
	}
	ctx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()
	method := dsig.RSASHA256SignatureMethod
	if _, ok := cert.Signer.Public().(*ecdsa.PublicKey); ok {
		method = dsig.ECDSASHA256SignatureMethod
	}
	if err := ctx.SetSignatureMethod(method); err != nil {
		return nil, errs.Wrap(errs.KindCertificate, errs.CodeSigningFailed, err, "select signature method")
	}

	signed, err := ctx.SignEnveloped(root)
	if err != nil {
		return nil, errs.Wrap(errs.KindCertificate, errs.CodeSigningFailed, err, "sign document")
	}

	out := etree.NewDocument()
	out.SetRoot(signed)
	b, err := out.WriteToBytes()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeSigningFailed, err, "serialize signed document")
	}
	return b, nil
}

// Verify checks the enveloped signature of signed against the trusted
// signing certificates, using the same canonicalization as Sign.
func Verify(signed []byte, trusted ...*x509.Certificate) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		return errs.Wrap(errs.KindValidation, errs.CodeSigningFailed, err, "parse signed document")
	}
	if doc.Root() == nil {
		return errs.New(errs.KindValidation, errs.CodeSigningFailed, "signed document is empty")
	}
	ctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{Roots: trusted})
	if _, err := ctx.Validate(doc.Root()); err != nil {
		return errs.Wrap(errs.KindValidation, errs.CodeSigningFailed, err, "signature does not verify")
	}
	return nil
}
