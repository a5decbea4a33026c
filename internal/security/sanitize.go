// Package security provides inbound input sanitization and prompt/command
// injection detection for the first pipeline stage.
package security

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

// ThreatKind labels a detected suspicious pattern.
type ThreatKind string

const (
	ThreatPromptInjection  ThreatKind = "prompt_injection"
	ThreatCommandInjection ThreatKind = "command_injection"
)

// Threat is one detection on an inbound message.
type Threat struct {
	Kind    ThreatKind `json:"kind"`
	Pattern string     `json:"pattern"`
}

// Result is the sanitized input plus any threat annotations.
type Result struct {
	Text    string   `json:"text"`
	Threats []Threat `json:"threats,omitempty"`
}

var promptInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts)`),
	regexp.MustCompile(`(?i)disregard\s+(your|the)\s+(system\s+)?(prompt|instructions)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)\s*mode`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+system\s+prompt`),
	regexp.MustCompile(`(?i)<\s*/?\s*system\s*>`),
}

var commandInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile("`[^`]+`"),
	regexp.MustCompile(`\$\([^)]+\)`),
	regexp.MustCompile(`(?i)(;|&&|\|\|)\s*(rm|curl|wget|chmod|sudo|sh|bash)\b`),
}

// Sanitizer applies normalization and detection according to its toggles.
type Sanitizer struct {
	EscapeHTML      bool
	DetectInjection bool
}

// NewSanitizer returns a sanitizer with both passes enabled.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{EscapeHTML: true, DetectInjection: true}
}

// Sanitize trims, normalizes, optionally HTML-escapes, and annotates
// injection threats. Detection never mutates text; it only annotates.
func (s *Sanitizer) Sanitize(text string) Result {
	cleaned := normalize(text)

	var threats []Threat
	if s.DetectInjection {
		threats = detect(cleaned)
	}
	if s.EscapeHTML {
		cleaned = html.EscapeString(cleaned)
	}
	return Result{Text: cleaned, Threats: threats}
}

// normalize trims surrounding whitespace, strips control and zero-width
// characters, and collapses CRLF to LF.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case unicode.IsControl(r):
			// dropped
		case r == '\u200b' || r == '\u200c' || r == '\u200d' || r == '\ufeff':
			// zero-width characters hide payloads from review
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func detect(text string) []Threat {
	var threats []Threat
	for _, re := range promptInjectionPatterns {
		if m := re.FindString(text); m != "" {
			threats = append(threats, Threat{Kind: ThreatPromptInjection, Pattern: m})
		}
	}
	for _, re := range commandInjectionPatterns {
		if m := re.FindString(text); m != "" {
			threats = append(threats, Threat{Kind: ThreatCommandInjection, Pattern: m})
		}
	}
	return threats
}
