package prompts

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/MrWong99/medvoice/pkg/lang"
)

// Welcome is played by the telephony platform while the media stream is
// being set up.
func Welcome(l lang.Language, c Clinic) string {
	c = c.WithDefaults()
	return lang.Pick(l,
		fmt.Sprintf("Bonjour, bienvenue à la %s, un moment s'il vous plaît.", c.Name),
		fmt.Sprintf("Hello, welcome to %s, one moment please.", c.NameEN))
}

// Greeting is the first sentence spoken once the media stream is live.
func Greeting(l lang.Language, c Clinic) string {
	c = c.WithDefaults()
	return lang.Pick(l,
		fmt.Sprintf("Bonjour, %s, comment puis-je vous aider?", c.Name),
		fmt.Sprintf("Hello, %s, how may I help you?", c.NameEN))
}

// Transfer is spoken before the call is handed to staff.
func Transfer(l lang.Language) string {
	return lang.Pick(l,
		"Bien sûr, je vous transfère à un membre de notre équipe. Un instant s'il vous plaît.",
		"Of course, I'll transfer you to a team member. One moment please.")
}

// Emergency is the fixed safety message. It never goes through the model.
func Emergency(l lang.Language) string {
	return lang.Pick(l,
		"Ceci semble être une urgence médicale. Veuillez raccrocher immédiatement et appeler le 911. Je répète, appelez le 911 maintenant.",
		"This sounds like a medical emergency. Please hang up immediately and call 911. I repeat, call 911 now.")
}

// Apology replaces any model failure.
func Apology(l lang.Language) string {
	return lang.Pick(l,
		"Je suis désolé, j'ai un petit problème technique. Pouvez-vous répéter s'il vous plaît?",
		"I'm sorry, I'm having a small technical issue. Could you please repeat that?")
}

// Goodbye closes a call.
func Goodbye(l lang.Language, c Clinic) string {
	c = c.WithDefaults()
	return lang.Pick(l,
		fmt.Sprintf("Merci d'avoir appelé la %s. Bonne journée!", c.ShortName),
		fmt.Sprintf("Thank you for calling %s. Have a great day!", c.ShortNameEN))
}

var (
	fillersFR = []string{"Un instant, je vérifie.", "Laissez-moi regarder ça.", "Je consulte l'horaire."}
	fillersEN = []string{"One moment, let me check.", "Let me look that up.", "Checking the schedule now."}
)

// Fillers returns the filler phrases for l.
func Fillers(l lang.Language) []string {
	return lang.Pick(l, fillersFR, fillersEN)
}

// Filler returns a random filler phrase.
func Filler(l lang.Language) string {
	f := Fillers(l)
	return f[rand.IntN(len(f))]
}

var (
	ordinalsFR = []string{"Premier", "Deuxième", "Troisième"}
	ordinalsEN = []string{"First", "Second", "Third"}
)

// SlotsForSpeech reads out at most three formatted slot times.
func SlotsForSpeech(l lang.Language, formatted []string) string {
	if len(formatted) == 0 {
		return lang.Pick(l,
			"Je suis désolé, il n'y a pas de disponibilités pour cette période. Voulez-vous essayer une autre date?",
			"I'm sorry, there are no availabilities for this period. Would you like to try another date?")
	}
	if len(formatted) > 3 {
		formatted = formatted[:3]
	}
	ordinals := lang.Pick(l, ordinalsFR, ordinalsEN)
	parts := make([]string, len(formatted))
	for i, f := range formatted {
		parts[i] = ordinals[i] + ", " + f
	}
	return lang.Pick(l, "Voici les prochaines disponibilités: ", "Here are the next available slots: ") +
		strings.Join(parts, ". ") +
		lang.Pick(l, ". Lequel préférez-vous?", ". Which one would you prefer?")
}

// BookingConfirmation is spoken after a successful booking.
func BookingConfirmation(l lang.Language, name, when, confirmation string) string {
	if l == lang.English {
		return fmt.Sprintf("Perfect %s, your appointment is confirmed for %s. Your confirmation number is %s. "+
			"You'll receive an SMS reminder. Is there anything else I can help you with?", name, when, confirmation)
	}
	return fmt.Sprintf("Parfait %s, votre rendez-vous est confirmé pour %s. Votre numéro de confirmation est %s. "+
		"Vous recevrez un SMS de rappel. Y a-t-il autre chose que je peux faire pour vous?", name, when, confirmation)
}

// Cancelled confirms a cancellation.
func Cancelled(l lang.Language) string {
	return lang.Pick(l,
		"Votre rendez-vous a été annulé. Y a-t-il autre chose que je peux faire pour vous?",
		"Your appointment has been cancelled. Is there anything else I can help you with?")
}

// Rescheduled confirms a moved appointment.
func Rescheduled(l lang.Language, when, confirmation string) string {
	if l == lang.English {
		return fmt.Sprintf("Your appointment has been moved to %s. Your new confirmation number is %s. "+
			"Is there anything else I can help you with?", when, confirmation)
	}
	return fmt.Sprintf("Votre rendez-vous a été déplacé au %s. Votre nouveau numéro de confirmation est %s. "+
		"Y a-t-il autre chose que je peux faire pour vous?", when, confirmation)
}

// CallbackCreated confirms a callback request.
func CallbackCreated(l lang.Language, reference string) string {
	if l == lang.English {
		return fmt.Sprintf("Noted. A member of our team will call you back. Your reference number is %s.", reference)
	}
	return fmt.Sprintf("C'est noté. Un membre de notre équipe vous rappellera. Votre numéro de référence est %s.", reference)
}

// BookingSMS is the text message sent after a booking.
func BookingSMS(l lang.Language, c Clinic, name, when, confirmation string) string {
	c = c.WithDefaults()
	if l == lang.English {
		return fmt.Sprintf("Hello %s, your appointment at %s is confirmed for %s. Your confirmation code is: %s. Thank you!",
			name, c.ShortNameEN, when, confirmation)
	}
	return fmt.Sprintf("Bonjour %s, votre rendez-vous chez %s est confirmé pour le %s. Votre code de confirmation est: %s. Merci!",
		name, c.ShortName, when, confirmation)
}
