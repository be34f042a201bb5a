// Package sanitize scrubs credentials out of strings before they reach logs,
// error messages or serialized error payloads, and cleans device names
// received from the cloud API.
//
// Redacted material:
//   - Email addresses
//   - Bearer / Token authorization values
//   - JSON or query-string fields named password, token, access_token, refresh_token, secret
package sanitize

import (
	"regexp"
	"strings"
)

// Placeholder replaces any redacted value.
const Placeholder = "[REDACTED]"

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	bearerPattern = regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9\-._~+/]+=*`)

	// "Token <value>" only when the value looks like a credential, so that
	// messages such as "token expired" survive.
	tokenHeaderPattern = regexp.MustCompile(`(?i)\b(token)\s+[A-Za-z0-9\-._~+/]{16,}=*`)

	// "password":"hunter2" and "token": "abc"
	jsonFieldPattern = regexp.MustCompile(`(?i)"(password|passwd|token|access_token|refresh_token|secret|authorization)"\s*:\s*"[^"]*"`)

	// password=hunter2&token=abc
	queryFieldPattern = regexp.MustCompile(`(?i)\b(password|passwd|token|access_token|refresh_token|secret)=[^&\s"]+`)
)

// Redact removes credentials, tokens and email addresses from s.
func Redact(s string) string {
	if s == "" {
		return s
	}

	s = jsonFieldPattern.ReplaceAllString(s, `"$1":"`+Placeholder+`"`)
	s = queryFieldPattern.ReplaceAllString(s, `$1=`+Placeholder)
	s = bearerPattern.ReplaceAllString(s, `$1 `+Placeholder)
	s = tokenHeaderPattern.ReplaceAllString(s, `$1 `+Placeholder)
	s = emailPattern.ReplaceAllString(s, Placeholder)

	return s
}

// RedactSecret masks a known secret entirely, keeping only a short prefix
// so that two log lines can still be correlated.
func RedactSecret(secret string) string {
	if len(secret) <= 8 {
		return Placeholder
	}
	return secret[:4] + "..." + Placeholder
}

// RedactEmail masks the local part of an email address.
//
//	user@example.com → u***@example.com
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return Placeholder
	}
	return email[:1] + "***" + email[at:]
}

// removeInvisibleChars removes zero-width and other invisible Unicode characters
func removeInvisibleChars(s string) string {
	invisibleChars := []string{
		"\u200B", // Zero-width space
		"\u200C", // Zero-width non-joiner
		"\u200D", // Zero-width joiner
		"\uFEFF", // Zero-width no-break space (BOM)
		"\u00AD", // Soft hyphen
		"\u2060", // Word joiner
		"\u180E", // Mongolian vowel separator
	}

	for _, char := range invisibleChars {
		s = strings.ReplaceAll(s, char, "")
	}

	return s
}

// SanitizeField cleans a display field (device name, model) received from the API.
func SanitizeField(field string) string {
	if field == "" {
		return field
	}

	field = removeInvisibleChars(field)

	return strings.TrimSpace(field)
}
