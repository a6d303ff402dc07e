// Package lang classifies caller speech as French or English.
//
// Classification is a cheap lexicon heuristic re-evaluated on every final
// transcript so a caller can switch language mid-call.
package lang

import "strings"

// Language is a supported conversation language.
type Language string

const (
	French  Language = "fr"
	English Language = "en"
)

// Default is the language assumed before the caller has spoken.
const Default = French

// IsValid reports whether l is a supported language.
func (l Language) IsValid() bool {
	return l == French || l == English
}

// Locale returns the BCP-47 locale used for speech synthesis.
func (l Language) Locale() string {
	if l == English {
		return "en-CA"
	}
	return "fr-CA"
}

// Parse maps a language code ("fr", "fr-CA", "en-US", ...) to a Language.
// Unknown codes yield def.
func Parse(code string, def Language) Language {
	code = strings.ToLower(strings.TrimSpace(code))
	switch {
	case strings.HasPrefix(code, "fr"):
		return French
	case strings.HasPrefix(code, "en"):
		return English
	}
	return def
}

// frenchMarkers are common words and markers of spoken Québécois French.
// Matching is by substring on the lower-cased transcript.
var frenchMarkers = []string{
	"bonjour", "merci", "oui", "non", "je", "vous", "rendez-vous",
	"docteur", "s'il vous plaît", "clinique", "santé", "médecin",
	"disponible", "quand", "aujourd'hui", "demain", "semaine",
	"voudrais", "pouvez", "avez", "est-ce", "comment", "pourquoi",
	"salut", "allo", "allô", "bien", "mal", "ça", "c'est",
	"un", "deux", "trois", "quatre", "cinq", "six", "sept", "huit", "neuf", "dix",
}

// Detect classifies text. Any French marker yields [French], otherwise
// [English].
func Detect(text string) Language {
	lower := strings.ToLower(text)
	for _, m := range frenchMarkers {
		if strings.Contains(lower, m) {
			return French
		}
	}
	return English
}

// Pick returns fr when l is French and en otherwise.
func Pick[T any](l Language, fr, en T) T {
	if l == English {
		return en
	}
	return fr
}
