// Package logging configures the process logger and provides the
// redaction helpers used wherever secret material might reach a log
// line.
package logging

import (
	"strings"

	"github.com/hashicorp/go-hclog"
)

// New creates the root logger. Components derive their own named
// sub-loggers from it via Named.
func New(level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "vaultd",
		Level:      hclog.LevelFromString(level),
		JSONFormat: true,
	})
}

// Secret wraps a sensitive value so that accidental formatting renders
// a placeholder instead of the value itself.
type Secret string

// String implements fmt.Stringer, always returning a redacted value.
func (s Secret) String() string {
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v formatting.
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// Redact replaces occurrences of the given secrets in s. Trivially
// short values are skipped to avoid mangling unrelated text.
func Redact(s string, secrets []string) string {
	result := s
	for _, secret := range secrets {
		if len(secret) > 3 {
			result = strings.ReplaceAll(result, secret, "[REDACTED]")
		}
	}
	return result
}
