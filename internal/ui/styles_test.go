package ui

import (
	"strings"
	"testing"
)

func TestRenderStatus(t *testing.T) {
	defer func(prev bool) { noColor = prev }(noColor)
	noColor = false

	for status, code := range map[string]string{
		"processed": "114",
		"completed": "114",
		"error":     "167",
		"failed":    "167",
		"preparing": "245",
		"sent":      "179",
		"running":   "179",
	} {
		got := RenderStatus(status)
		if !strings.Contains(got, "38;5;"+code+"m") || !strings.Contains(got, status) {
			t.Errorf("RenderStatus(%q) = %q, want color %s", status, got, code)
		}
	}
}

func TestForceNoColor(t *testing.T) {
	defer func(prev bool) { noColor = prev }(noColor)
	ForceNoColor()
	if got := RenderStatus("error"); got != "error" {
		t.Errorf("RenderStatus with no color = %q", got)
	}
	if got := RenderAccent("x"); got != "x" {
		t.Errorf("RenderAccent with no color = %q", got)
	}
}

func TestReadLine(t *testing.T) {
	for in, want := range map[string]string{
		"s3cret\n":   "s3cret",
		"s3cret\r\n": "s3cret",
		"no-newline": "no-newline",
		"":           "",
	} {
		got, err := readLine(strings.NewReader(in))
		if err != nil {
			t.Fatalf("readLine(%q) error = %v", in, err)
		}
		if got != want {
			t.Errorf("readLine(%q) = %q, want %q", in, got, want)
		}
	}
}
