package sefaz

import (
	"regexp"
	"strings"
)

// cStat 656 is SEFAZ's "consumo indevido" rejection: the client queried the
// distribution service too often and is blocked until the stated time.
const RateLimitCStat = "656"

// SanitizedRateLimitMessage is the stable operator-facing text persisted in
// place of the raw upstream wording, which changes without notice and may
// leak block timestamps.
const SanitizedRateLimitMessage = "temporary cooldown imposed by upstream for excessive requests"

var rateLimitSignature = regexp.MustCompile(`(?i)(consumo\s+indevido|cstat[:=\s]*656|\b656\b.*bloqueado|rejei[cç][aã]o[:\s]*656)`)

// IsRateLimitError reports whether raw upstream error text carries the
// admission-control block signature.
func IsRateLimitError(raw string) bool {
	if raw == "" {
		return false
	}
	return rateLimitSignature.MatchString(raw)
}

// Sanitize rewrites raw upstream error text into a stable, non-leaking
// message before it is persisted or surfaced. The boolean reports whether
// the error was the upstream rate-limit block, so callers can impose the
// extended cooldown instead of treating it as an ordinary failure.
func Sanitize(raw string) (string, bool) {
	if IsRateLimitError(raw) {
		return SanitizedRateLimitMessage, true
	}

	// Ordinary errors keep their text, trimmed to a bounded length so the
	// ledger never stores unbounded SOAP payloads.
	clean := strings.TrimSpace(raw)
	const maxLen = 500
	if len(clean) > maxLen {
		clean = clean[:maxLen]
	}
	return clean, false
}
