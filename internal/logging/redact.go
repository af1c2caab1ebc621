package logging

import (
	"io"
	"regexp"
)

// secretKeyPattern matches JSON fields whose names suggest credentials or
// single-use tokens. Confirm tokens must never land in log sinks verbatim.
var secretKeyPattern = regexp.MustCompile(`("(?:[a-zA-Z0-9_]*?(?:token|secret|api_key|apikey|password)[a-zA-Z0-9_]*?)"\s*:\s*")([^"]*)(")`)

const redactedPlaceholder = "[REDACTED]"

// RedactingWriter masks secret-shaped JSON fields before forwarding log lines.
type RedactingWriter struct {
	next io.Writer
}

// NewRedactingWriter wraps next with secret redaction.
func NewRedactingWriter(next io.Writer) *RedactingWriter {
	return &RedactingWriter{next: next}
}

// Write rewrites secret values and forwards the line. The reported length is
// the caller's input length so zerolog does not treat redaction as a short write.
func (w *RedactingWriter) Write(p []byte) (int, error) {
	masked := secretKeyPattern.ReplaceAll(p, []byte(`${1}`+redactedPlaceholder+`${3}`))
	if _, err := w.next.Write(masked); err != nil {
		return 0, err
	}
	return len(p), nil
}
