package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sstlabs/esocial-engine/internal/errs"
)

func TestClassify(t *testing.T) {
	if Classify(nil, "event", "ev-1") != nil {
		t.Fatal("nil error must stay nil")
	}

	err := Classify(fmt.Errorf("get: %w", ErrNotFound), "event", "ev-1")
	if errs.KindOf(err) != errs.KindNotFound || err.Error() != "event ev-1 not found" {
		t.Errorf("not found classified as %v (%v)", errs.KindOf(err), err)
	}

	err = Classify(ErrConflict, "event", "ev-1")
	if !errors.Is(err, errs.ErrConcurrentUpdate) {
		t.Errorf("conflict classified as %v", errs.CodeOf(err))
	}

	tagged := errs.Validation("bad")
	if Classify(tagged, "event", "ev-1") != error(tagged) {
		t.Error("tagged error must pass through")
	}

	err = Classify(errors.New("connection reset"), "batch", "bt-1")
	if errs.KindOf(err) != errs.KindStorage {
		t.Errorf("driver error classified as %v", errs.KindOf(err))
	}
}
