package idgen

import (
	"regexp"
	"strings"
	"testing"
)

func TestNew_Shape(t *testing.T) {
	for _, gen := range []struct {
		prefix string
		fn     func() (string, error)
	}{
		{PrefixEvent, Event},
		{PrefixBatch, Batch},
		{PrefixCertificate, Certificate},
		{PrefixEmployee, Employee},
		{PrefixEmployer, Employer},
	} {
		id, err := gen.fn()
		if err != nil {
			t.Fatalf("%s: %v", gen.prefix, err)
		}
		if !strings.HasPrefix(id, gen.prefix) {
			t.Errorf("id %q lacks prefix %q", id, gen.prefix)
		}
		if len(id) != len(gen.prefix)+Length {
			t.Errorf("id %q length = %d, want %d", id, len(id), len(gen.prefix)+Length)
		}
	}
}

func TestNew_Charset(t *testing.T) {
	pattern := regexp.MustCompile(`^ev-[a-zA-Z0-9]+$`)
	for i := 0; i < 100; i++ {
		id, err := Event()
		if err != nil {
			t.Fatalf("Event() error on iteration %d: %v", i, err)
		}
		if !pattern.MatchString(id) {
			t.Fatalf("Event() = %q, does not match expected charset pattern", id)
		}
	}
}

func TestNew_Uniqueness(t *testing.T) {
	const count = 10_000
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		id, err := New("x-")
		if err != nil {
			t.Fatalf("New() error on iteration %d: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate ID after %d generations: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}
