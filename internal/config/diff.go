package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything requiring
// a session restart (audio parameters, history backend) is deliberately not.
type ConfigDiff struct {
	LogLevelChanged  bool
	NewLogLevel      LogLevel
	VoiceChanged     bool // voice model, name, or language changed
	ChatModelChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	if old.Voice != new.Voice {
		d.VoiceChanged = true
	}
	if old.ChatModel != new.ChatModel {
		d.ChatModelChanged = true
	}
	return d
}

// Empty reports whether no hot-reloadable field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && !d.ChatModelChanged
}
