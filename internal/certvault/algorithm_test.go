package certvault

import (
	"crypto/x509/pkix"
	"testing"
)

func TestGradeSignatureOID(t *testing.T) {
	for _, tc := range []struct {
		oid  string
		want Severity
	}{
		{"1.2.840.113549.1.1.11", SeverityOK},
		{"1.2.840.113549.1.1.13", SeverityOK},
		{"1.2.840.10045.4.3.2", SeverityOK},
		{"1.2.840.113549.1.1.5", SeverityWarning}, // sha1WithRSA
		{"1.2.840.10045.4.1", SeverityWarning},    // ecdsa-with-SHA1
		{"1.2.840.113549.1.1.4", SeverityFailure}, // md5WithRSA
		{"1.2.3.4", SeverityFailure},
	} {
		r := &Report{}
		gradeSignatureOID(r, tc.oid)
		c, ok := r.Check(CheckSignatureAlgorithm)
		if !ok {
			t.Fatalf("%s: no check recorded", tc.oid)
		}
		if c.Severity != tc.want {
			t.Errorf("%s: severity = %s, want %s", tc.oid, c.Severity, tc.want)
		}
	}
}

func TestLegacyAlgorithmOnlyWarns(t *testing.T) {
	r := &Report{}
	r.add(CheckTemporalValidity, SeverityOK, "ok")
	gradeSignatureOID(r, "1.2.840.113549.1.1.5")
	r.finish()
	if r.Status != StatusWarning {
		t.Fatalf("Status = %s, want warning", r.Status)
	}
	if !r.Usable() {
		t.Error("legacy algorithm alone must not make the certificate unusable")
	}
}

func TestOwnerTaxID(t *testing.T) {
	for _, tc := range []struct {
		name pkix.Name
		want string
	}{
		{pkix.Name{SerialNumber: "12345678000190"}, "12345678000190"},
		{pkix.Name{CommonName: "EMPRESA X LTDA:12345678000190"}, "12345678000190"},
		{pkix.Name{CommonName: "FULANO DE TAL:12345678909"}, "12345678909"},
		{pkix.Name{SerialNumber: "abc", CommonName: "no tax id"}, ""},
	} {
		if got := ownerTaxID(tc.name); got != tc.want {
			t.Errorf("ownerTaxID(%+v) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestReportFinish(t *testing.T) {
	r := &Report{}
	r.add(CheckContainer, SeverityOK, "ok")
	r.finish()
	if r.Status != StatusValid {
		t.Errorf("no findings: Status = %s", r.Status)
	}

	r = &Report{}
	r.add(CheckExpiryWarning, SeverityWarning, "soon")
	r.add(CheckKeyStrength, SeverityFailure, "weak")
	r.finish()
	if r.Status != StatusInvalid {
		t.Errorf("hard failure must force invalid, got %s", r.Status)
	}
	if len(r.Failures()) != 1 || len(r.Warnings()) != 1 {
		t.Errorf("failures=%v warnings=%v", r.Failures(), r.Warnings())
	}
}
