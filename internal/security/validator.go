// Package security screens diagnostic free text before it ever reaches a
// prompt or a SQL parameter. The checks are deliberately coarse: the text is
// clinician-authored, so anything resembling injection tooling is treated as
// hostile and dropped rather than repaired.
package security

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	sqlInjectionPattern  = regexp.MustCompile(`(?i)(\b(union\s+select|insert\s+into|delete\s+from|drop\s+table|drop\s+database|truncate\s+table|exec(\s|\()|execute(\s|\()|xp_cmdshell)\b|--|;\s*shutdown|/\*.*\*/)`)
	pathTraversalPattern = regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%252e%252e%252f)`)
	controlCharPattern   = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
)

// Gate validates inbound diagnostic text. It implements domain.InputGate.
type Gate struct{}

func NewGate() *Gate { return &Gate{} }

// Validate reports whether the text is safe to process. When it is not, the
// second return value names the first check that failed.
func (g *Gate) Validate(text string) (bool, string) {
	if strings.TrimSpace(text) == "" {
		return false, "empty diagnostic text"
	}
	if sqlInjectionPattern.MatchString(text) {
		slog.Warn("input gate: SQL injection pattern detected")
		return false, "possible SQL injection pattern"
	}
	if pathTraversalPattern.MatchString(text) {
		slog.Warn("input gate: path traversal sequence detected")
		return false, "path traversal sequence"
	}
	if controlCharPattern.MatchString(text) {
		slog.Warn("input gate: control characters detected")
		return false, "control characters in text"
	}
	return true, ""
}

// TruncateSafely caps text at maxChars runes without splitting a multi-byte
// sequence. maxChars <= 0 disables the cap.
func TruncateSafely(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxChars])
}
