// Package prompts holds every fixed sentence MedVoice says or sends, in both
// languages, and the system prompts given to the language model.
//
// Nothing in this package calls a model; callers pick the text for the
// conversation language in force and speak it verbatim.
package prompts

// Clinic is the practice information quoted in system prompts, greetings and
// text messages.
type Clinic struct {
	// Name is the formal French name ("Clinique Médicale Saint-Laurent").
	Name string `yaml:"name"`
	// NameEN is the English form used in English greetings.
	NameEN string `yaml:"name_en"`
	// ShortName and ShortNameEN are used in goodbyes and SMS.
	ShortName   string `yaml:"short_name"`
	ShortNameEN string `yaml:"short_name_en"`

	City     string `yaml:"city"`
	Address  string `yaml:"address"`
	Hours    string `yaml:"hours"`
	Services string `yaml:"services"`
	Parking  string `yaml:"parking"`
}

// DefaultClinic returns the clinic MedVoice ships configured for.
func DefaultClinic() Clinic {
	return Clinic{
		Name:        "Clinique Médicale Saint-Laurent",
		NameEN:      "Saint-Laurent Medical Clinic",
		ShortName:   "Clinique Saint-Laurent",
		ShortNameEN: "Saint-Laurent Clinic",
		City:        "Montréal",
		Address:     "1234 Rue Saint-Laurent, Montréal QC",
		Hours:       "Lundi-Vendredi 8h-17h, Samedi 9h-12h",
		Services:    "Médecine générale, suivis, vaccinations, examens annuels",
		Parking:     "Gratuit derrière le bâtiment",
	}
}

// WithDefaults fills every empty field from DefaultClinic.
func (c Clinic) WithDefaults() Clinic {
	d := DefaultClinic()
	set := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	set(&c.Name, d.Name)
	set(&c.NameEN, d.NameEN)
	set(&c.ShortName, d.ShortName)
	set(&c.ShortNameEN, d.ShortNameEN)
	set(&c.City, d.City)
	set(&c.Address, d.Address)
	set(&c.Hours, d.Hours)
	set(&c.Services, d.Services)
	set(&c.Parking, d.Parking)
	return c
}
