package dialog

import (
	"regexp"
	"strings"
)

// The heuristics below are load-bearing even when the LLM classifier is
// available: they gate escalation and the identity round trip, so they stay
// deterministic and cheap.

var wantsHumanPattern = regexp.MustCompile(`(?i)asesor|agente|humano|persona|hablar con alguien|no entiendo`)

// WantsHuman reports whether the text is an explicit request for a human
// operator.
func WantsHuman(text string) bool {
	return wantsHumanPattern.MatchString(text)
}

// serviceKeywords are words that mark a text as a service question rather
// than a candidate name.
var serviceKeywords = []string{
	"internet", "señal", "senal", "wifi", "pago", "pagar", "deuda", "recibo",
	"factura", "plan", "precio", "cuanto", "cuánto", "corte", "cortaron",
	"lento", "lenta", "router", "modem", "módem", "ayuda", "problema",
	"reclamo", "hola", "buenas", "buenos",
}

// LooksLikeName reports whether a text plausibly is a person's name: short,
// no question marks, no service vocabulary, no digits. A single word counts;
// the billing search matches partial names and a failed lookup escalates
// anyway, so rejecting "Juan" outright would skip the search entirely.
func LooksLikeName(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.ContainsAny(trimmed, "?¿") {
		return false
	}
	tokens := strings.Fields(trimmed)
	if len(tokens) > 6 {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, kw := range serviceKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	for _, tok := range tokens {
		for _, r := range tok {
			if r >= '0' && r <= '9' {
				return false
			}
		}
	}
	return true
}

// Answer is the outcome of classifying a text as a yes/no reply.
type Answer int

const (
	AnswerOther Answer = iota
	AnswerYes
	AnswerNo
)

var yesWords = map[string]bool{
	"si": true, "sí": true, "sii": true, "sip": true, "yes": true,
	"claro": true, "correcto": true, "afirmativo": true, "exacto": true,
	"asi": true, "así": true, "ok": true, "okey": true, "ya": true,
	"aja": true, "ajá": true, "efectivamente": true,
}

var noWords = map[string]bool{
	"no": true, "nop": true, "nope": true, "negativo": true,
	"incorrecto": true, "falso": true,
}

// ClassifyYesNo classifies a short Spanish reply as yes, no or other. Longer
// texts count as yes/no only when they open with an unambiguous marker.
func ClassifyYesNo(text string) Answer {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	trimmed = strings.Trim(trimmed, ".,!¡")
	if trimmed == "" {
		return AnswerOther
	}
	tokens := strings.Fields(trimmed)
	if len(tokens) <= 3 {
		if yesWords[tokens[0]] {
			return AnswerYes
		}
		if noWords[tokens[0]] {
			return AnswerNo
		}
	}
	switch {
	case strings.HasPrefix(trimmed, "si soy"), strings.HasPrefix(trimmed, "sí soy"),
		strings.HasPrefix(trimmed, "si, soy"), strings.HasPrefix(trimmed, "sí, soy"):
		return AnswerYes
	case strings.HasPrefix(trimmed, "no soy"), strings.HasPrefix(trimmed, "no, soy"):
		return AnswerNo
	}
	return AnswerOther
}

// LooksLikeQuestion reports whether a text reads as a question or service
// request rather than an identity answer. Used when an expected name turns
// out to be something else entirely.
func LooksLikeQuestion(text string) bool {
	if strings.ContainsAny(text, "?¿") {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range serviceKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
