// Package idgen provides short, URL-safe entity identifiers backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Entity prefixes. An identifier's prefix names the table it belongs to,
// which keeps CLI output and audit records readable.
const (
	PrefixEvent       = "ev-"
	PrefixBatch       = "bt-"
	PrefixCertificate = "ct-"
	PrefixEmployer    = "er-"
	PrefixEmployee    = "ee-"
)

// Alphabet defines the character set used for the random portion of the ID.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
const Length = 12

// New returns a new identifier with the given prefix.
func New(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// Event returns a new event identifier.
func Event() (string, error) { return New(PrefixEvent) }

// Batch returns a new batch identifier.
func Batch() (string, error) { return New(PrefixBatch) }

// Certificate returns a new certificate identifier.
func Certificate() (string, error) { return New(PrefixCertificate) }

// Employee returns a new employee identifier.
func Employee() (string, error) { return New(PrefixEmployee) }

// Employer returns a new employer identifier.
func Employer() (string, error) { return New(PrefixEmployer) }
