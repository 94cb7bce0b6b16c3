package logging

import (
	"bytes"
	"io"
	"sync"
)

// RedactedValue replaces every registered secret in log output.
const RedactedValue = "[REDACTED]"

// minSecretLen keeps short, common strings from being scrubbed out of every line.
const minSecretLen = 6

// Redactor holds the credential values resolved for this process.
// A nil Redactor redacts nothing.
type Redactor struct {
	mu      sync.RWMutex
	secrets [][]byte
}

func NewRedactor() *Redactor {
	return &Redactor{}
}

// Add registers secret values. Values shorter than minSecretLen are ignored.
func (r *Redactor) Add(values ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		if len(v) < minSecretLen {
			continue
		}
		r.secrets = append(r.secrets, []byte(v))
	}
}

// Redact returns p with every registered secret replaced.
func (r *Redactor) Redact(p []byte) []byte {
	if r == nil {
		return p
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.secrets {
		if bytes.Contains(p, s) {
			p = bytes.ReplaceAll(p, s, []byte(RedactedValue))
		}
	}
	return p
}

// Wrap returns a writer that redacts before delegating to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	if r == nil {
		return w
	}
	return &redactingWriter{r: r, w: w}
}

type redactingWriter struct {
	r *Redactor
	w io.Writer
}

// Write reports len(p) on success so callers never see a short write caused
// by a replacement changing the payload length.
func (rw *redactingWriter) Write(p []byte) (int, error) {
	if _, err := rw.w.Write(rw.r.Redact(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
