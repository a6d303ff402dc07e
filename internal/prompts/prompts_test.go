package prompts_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/medvoice/internal/prompts"
	"github.com/MrWong99/medvoice/pkg/lang"
)

func TestGreeting(t *testing.T) {
	t.Parallel()

	c := prompts.DefaultClinic()
	if got := prompts.Greeting(lang.French, c); got != "Bonjour, Clinique Médicale Saint-Laurent, comment puis-je vous aider?" {
		t.Errorf("fr greeting = %q", got)
	}
	if got := prompts.Greeting(lang.English, c); got != "Hello, Saint-Laurent Medical Clinic, how may I help you?" {
		t.Errorf("en greeting = %q", got)
	}
}

func TestGoodbye_EmptyClinicUsesDefaults(t *testing.T) {
	t.Parallel()

	if got := prompts.Goodbye(lang.French, prompts.Clinic{}); got != "Merci d'avoir appelé la Clinique Saint-Laurent. Bonne journée!" {
		t.Errorf("fr goodbye = %q", got)
	}
	if got := prompts.Goodbye(lang.English, prompts.Clinic{}); got != "Thank you for calling Saint-Laurent Clinic. Have a great day!" {
		t.Errorf("en goodbye = %q", got)
	}
}

func TestSlotsForSpeech(t *testing.T) {
	t.Parallel()

	slots := []string{"lundi le 15 janvier à 9h", "lundi le 15 janvier à 9h30", "lundi le 15 janvier à 10h", "lundi le 15 janvier à 10h30"}
	got := prompts.SlotsForSpeech(lang.French, slots)
	want := "Voici les prochaines disponibilités: Premier, lundi le 15 janvier à 9h. Deuxième, lundi le 15 janvier à 9h30. Troisième, lundi le 15 janvier à 10h. Lequel préférez-vous?"
	if got != want {
		t.Errorf("fr slots =\n%q\nwant\n%q", got, want)
	}

	got = prompts.SlotsForSpeech(lang.English, []string{"Monday, January 15 at 9:00 AM"})
	want = "Here are the next available slots: First, Monday, January 15 at 9:00 AM. Which one would you prefer?"
	if got != want {
		t.Errorf("en slots = %q", got)
	}

	if got := prompts.SlotsForSpeech(lang.English, nil); !strings.HasPrefix(got, "I'm sorry, there are no availabilities") {
		t.Errorf("empty en slots = %q", got)
	}
}

func TestBookingConfirmation(t *testing.T) {
	t.Parallel()

	got := prompts.BookingConfirmation(lang.French, "Marie Tremblay", "lundi le 15 janvier à 9h", "KM-AB12CD")
	if !strings.HasPrefix(got, "Parfait Marie Tremblay, votre rendez-vous est confirmé pour lundi le 15 janvier à 9h. Votre numéro de confirmation est KM-AB12CD.") {
		t.Errorf("fr confirmation = %q", got)
	}
	got = prompts.BookingConfirmation(lang.English, "John", "Monday, January 15 at 9:00 AM", "KM-AB12CD")
	if !strings.Contains(got, "You'll receive an SMS reminder.") {
		t.Errorf("en confirmation = %q", got)
	}
}

func TestFiller(t *testing.T) {
	t.Parallel()

	for _, l := range []lang.Language{lang.French, lang.English} {
		f := prompts.Filler(l)
		if !slices.Contains(prompts.Fillers(l), f) {
			t.Errorf("%s filler %q not in set", l, f)
		}
	}
}

func TestSystemPrompt(t *testing.T) {
	t.Parallel()

	fr := prompts.SystemPrompt(lang.French, prompts.DefaultClinic())
	for _, want := range []string{"Clinique Médicale Saint-Laurent à Montréal", "1234 Rue Saint-Laurent", "NE JAMAIS donner de conseils médicaux", "get_available_slots"} {
		if !strings.Contains(fr, want) {
			t.Errorf("fr prompt missing %q", want)
		}
	}
	en := prompts.SystemPrompt(lang.English, prompts.Clinic{Name: "Clinique du Parc", City: "Laval"})
	for _, want := range []string{"Clinique du Parc in Laval", "NEVER give medical advice", "Stationnement: Gratuit"} {
		if !strings.Contains(en, want) {
			t.Errorf("en prompt missing %q", want)
		}
	}
}

func TestFixedMessagesDifferByLanguage(t *testing.T) {
	t.Parallel()

	for name, fn := range map[string]func(lang.Language) string{
		"transfer":  prompts.Transfer,
		"emergency": prompts.Emergency,
		"apology":   prompts.Apology,
		"cancelled": prompts.Cancelled,
	} {
		if fn(lang.French) == fn(lang.English) {
			t.Errorf("%s: French and English texts are identical", name)
		}
	}
	if !strings.Contains(prompts.Emergency(lang.English), "call 911") {
		t.Error("emergency message must mention 911")
	}
}
