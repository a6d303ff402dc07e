package dialogue

import "strings"

// Emergency phrases in both languages. A caller may switch language at any
// moment, so both lists are always checked.
var emergencyPhrases = []string{
	// fr
	"douleur thoracique", "mal au coeur", "mal au cœur", "douleur poitrine",
	"douleur à la poitrine", "difficulté à respirer", "ne peut pas respirer",
	"peux pas respirer", "étouffe", "saignement", "hémorragie",
	"perte de conscience", "évanoui", "urgence", "911", "ambulance",
	// en
	"chest pain", "heart attack", "can't breathe", "cannot breathe",
	"difficulty breathing", "choking", "bleeding", "hemorrhage", "unconscious",
	"passed out", "emergency",
}

var transferPhrases = []string{
	// fr
	"parler à quelqu'un", "parler à une personne", "parler à un humain",
	"une vraie personne", "réceptionniste", "quelqu'un d'autre",
	// en
	"speak to someone", "speak to a person", "speak to a human", "real person",
	"receptionist", "someone else", "talk to a human", "talk to someone",
}

// Safety classifies caller text against the emergency and transfer lexicons.
// Matching is a case-insensitive substring test. The zero value uses the
// built-in lexicons.
type Safety struct {
	Emergency []string
	Transfer  []string
}

// IsEmergency reports whether text contains an emergency phrase.
func (s Safety) IsEmergency(text string) bool {
	return containsAny(text, orDefault(s.Emergency, emergencyPhrases))
}

// WantsTransfer reports whether text asks for a human.
func (s Safety) WantsTransfer(text string) bool {
	return containsAny(text, orDefault(s.Transfer, transferPhrases))
}

func orDefault(list, def []string) []string {
	if len(list) == 0 {
		return def
	}
	return list
}

// apostrophes normalises typographic apostrophes that recognizers emit for
// French elisions.
var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "`", "'")

func containsAny(text string, phrases []string) bool {
	lower := apostrophes.Replace(strings.ToLower(text))
	for _, p := range phrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
