package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRedactingWriterMasksTokens(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(NewRedactingWriter(&buf))

	logger.Info().
		Str("confirm_token", "deadbeefcafe").
		Str("api_key", "sk-123456").
		Str("symbol", "BTC/USDT").
		Msg("proposal created")

	out := buf.String()
	if strings.Contains(out, "deadbeefcafe") {
		t.Fatalf("confirm_token leaked: %s", out)
	}
	if strings.Contains(out, "sk-123456") {
		t.Fatalf("api_key leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction placeholder: %s", out)
	}
	if !strings.Contains(out, "BTC/USDT") {
		t.Fatalf("non-secret field should pass through: %s", out)
	}
}

func TestRedactingWriterPassthrough(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactingWriter(&buf)

	line := []byte(`{"level":"info","message":"ok"}` + "\n")
	n, err := w.Write(line)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != len(line) {
		t.Fatalf("short write reported: %d != %d", n, len(line))
	}
	if buf.String() != string(line) {
		t.Fatalf("line should be unchanged: %s", buf.String())
	}
}
