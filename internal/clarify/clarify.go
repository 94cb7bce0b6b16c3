// Package clarify holds the fixed clarification text returned to every
// framework question, which keeps human-in-the-loop behavior identical
// across frameworks and runs.
package clarify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

type Source struct {
	text   string
	digest string
}

// Load reads the version-controlled clarification blob. The text is served
// byte for byte, so Digest matches sha256sum of the file.
func Load(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading clarification source %s: %w", path, err)
	}
	return New(string(data))
}

func New(text string) (*Source, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("clarification source is empty")
	}
	return &Source{text: text, digest: Digest(text)}, nil
}

// Response returns the fixed text. The query never changes the answer.
func (s *Source) Response(string) string {
	return s.text
}

// Digest of the fixed response.
func (s *Source) Digest() string { return s.digest }

// Digest returns the hex sha256 of text.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
