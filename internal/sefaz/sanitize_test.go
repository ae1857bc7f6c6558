package sefaz

import (
	"strings"
	"testing"
)

func TestSanitize_DetectsUpstreamBlockSignatures(t *testing.T) {
	raws := []string{
		"Rejeicao: Consumo Indevido (bloqueado ate 2026-08-25T13:00:00)",
		"cStat: 656 - Consumo Indevido",
		"cstat=656 xMotivo=Rejeicao",
		"Rejeição: 656",
		"codigo 656 cliente bloqueado temporariamente",
		"CONSUMO  INDEVIDO",
	}

	for _, raw := range raws {
		clean, rateLimited := Sanitize(raw)
		if !rateLimited {
			t.Errorf("expected %q to be classified as an upstream block", raw)
			continue
		}
		if clean != SanitizedRateLimitMessage {
			t.Errorf("expected stable message, got %q", clean)
		}
	}
}

func TestSanitize_NeverLeaksRawBlockWording(t *testing.T) {
	clean, _ := Sanitize("Rejeicao 656: Consumo Indevido, bloqueado ate 14:30:00")
	lower := strings.ToLower(clean)

	if strings.Contains(lower, "consumo") || strings.Contains(lower, "656") || strings.Contains(lower, "14:30") {
		t.Errorf("sanitized message leaks upstream wording: %q", clean)
	}
}

func TestSanitize_OrdinaryErrorsPassThrough(t *testing.T) {
	raws := []string{
		"dial tcp 10.0.0.1:443: connect: connection refused",
		"certificate expired",
		"cStat: 589 - Duplicidade de NSU",
	}

	for _, raw := range raws {
		clean, rateLimited := Sanitize(raw)
		if rateLimited {
			t.Errorf("%q should not be classified as an upstream block", raw)
		}
		if clean != raw {
			t.Errorf("ordinary error text should be preserved, got %q", clean)
		}
	}
}

func TestSanitize_TrimsUnboundedText(t *testing.T) {
	raw := strings.Repeat("x", 2000)
	clean, rateLimited := Sanitize(raw)
	if rateLimited {
		t.Fatal("padding should not look like a block")
	}
	if len(clean) != 500 {
		t.Errorf("expected text bounded at 500 chars, got %d", len(clean))
	}
}

func TestIsRateLimitError_EmptyString(t *testing.T) {
	if IsRateLimitError("") {
		t.Error("empty text should not match")
	}
}
