package log

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestConfigureOnce(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "test-svc", Version: "1.2.3"})
	// A second call must not replace the writer.
	Configure(Config{Output: &bytes.Buffer{}})

	logger := WithComponent("scheduler")
	logger.Info().Str("job", "manual_1").Msg("started")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	for k, want := range map[string]string{
		"service":   "test-svc",
		"version":   "1.2.3",
		"component": "scheduler",
		"job":       "manual_1",
		"message":   "started",
	} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %q", k, entry[k], want)
		}
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error().Msg("dropped")
}
