package model

import "time"

// Certificate is the stored metadata of a digital identity authorized to
// sign events for one employer. The PKCS#12 container itself lives in blob
// storage under StorageLocation.
type Certificate struct {
	ID                 string    `json:"id"`
	EmployerID         string    `json:"employer_id"`
	StorageLocation    string    `json:"storage_location"`
	PasswordSecretRef  string    `json:"password_secret_ref"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	KeyBitLength       int       `json:"key_bit_length"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	OwnerTaxID         string    `json:"owner_tax_id"`
	Fingerprint        string    `json:"fingerprint"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ValidAt reports whether t falls inside the certificate validity window.
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}
