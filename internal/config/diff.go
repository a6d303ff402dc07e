package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
//
// Hot-reloadable sections are applied to calls that start after the reload.
// Changes to anything else are listed in RestartRequired and only logged.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ClinicChanged   bool
	DialogueChanged bool
	VoicesChanged   bool
	GatewayChanged  bool

	// RestartRequired names the top-level sections whose changes take
	// effect only after a restart.
	RestartRequired []string
}

// HotReload reports whether anything that can be applied live changed.
func (d ConfigDiff) HotReload() bool {
	return d.LogLevelChanged || d.ClinicChanged || d.DialogueChanged || d.VoicesChanged || d.GatewayChanged
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ClinicChanged = old.Clinic != new.Clinic
	d.DialogueChanged = !dialogueEqual(old.Dialogue, new.Dialogue)
	d.VoicesChanged = old.Voices != new.Voices || old.Twilio.SayVoices != new.Twilio.SayVoices
	d.GatewayChanged = old.Gateway != new.Gateway

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldTwilio, newTwilio := old.Twilio, new.Twilio
	oldTwilio.SayVoices, newTwilio.SayVoices = SayVoices{}, SayVoices{}

	restart := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"providers", old.Providers, new.Providers},
		{"twilio", oldTwilio, newTwilio},
		{"storage", old.Storage, new.Storage},
		{"duplex", old.Duplex, new.Duplex},
		{"booking", old.Booking, new.Booking},
	}
	for _, s := range restart {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

func dialogueEqual(a, b DialogueConfig) bool {
	return a.DefaultLanguage == b.DefaultLanguage &&
		a.SilenceTimeout == b.SilenceTimeout &&
		a.MinChunkChars == b.MinChunkChars &&
		a.Temperature == b.Temperature &&
		a.MaxTokens == b.MaxTokens &&
		slices.Equal(a.EmergencyPhrases, b.EmergencyPhrases) &&
		slices.Equal(a.TransferPhrases, b.TransferPhrases)
}
