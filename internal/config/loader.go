package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/MrWong99/voxchat/pkg/provider/live/gemini"
	"gopkg.in/yaml.v3"
)

// APIKeyEnv is the environment variable consulted when api_key is not set in
// the config file. Keeping the key out of the file is the recommended setup.
const APIKeyEnv = "GEMINI_API_KEY"

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in the API key from the
// environment when absent, applies defaults, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(APIKeyEnv)
	}
	*cfg = cfg.Defaulted()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Voice.Language != "" && !strings.Contains(cfg.Voice.Language, "-") {
		errs = append(errs, fmt.Errorf("voice.language %q is not a BCP-47 tag (expected e.g. \"en-US\")", cfg.Voice.Language))
	}
	if cfg.Voice.Name != "" && !slices.Contains(gemini.Voices, cfg.Voice.Name) {
		slog.Warn("unknown voice name — may be a typo or a newly released voice",
			"name", cfg.Voice.Name,
			"known", gemini.Voices,
		)
	}

	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}

	if cfg.History.PostgresDSN != "" && cfg.History.Dir != "" {
		slog.Warn("history.postgres_dsn takes precedence; history.dir is ignored")
	}
	if cfg.History.PostgresDSN == "" && cfg.History.Dir == "" {
		errs = append(errs, errors.New("history requires either history.dir or history.postgres_dsn"))
	}

	if cfg.APIKey == "" {
		errs = append(errs, fmt.Errorf("api_key is required (set it in the config or via %s)", APIKeyEnv))
	}

	return errors.Join(errs...)
}
