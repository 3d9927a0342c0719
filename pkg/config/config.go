// Package config loads ChronoGo's optional chrono.yaml configuration
// file: default compression, verbosity, and donor settings for the
// checkpoint/restore CLI.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the settings chrono.yaml can override.
type Config struct {
	// Verbosity is the default -v level when the flag isn't given.
	Verbosity int `yaml:"verbosity"`

	// Compression selects the image codec's default payload
	// compression: "none" or "zstd".
	Compression string `yaml:"compression"`

	// DonorProgram is the path to the trivial no-op executable used to
	// spawn a donor process during restore. Empty keeps the restore
	// default, /bin/sleep.
	DonorProgram string `yaml:"donor_program"`

	// VDSOTeleport enables the janky vDSO-replay fallback, for kernels
	// where the move-mapping primitive can't relocate the vDSO.
	VDSOTeleport bool `yaml:"vdso_teleport"`
}

// Default returns the built-in defaults used when no chrono.yaml is
// present.
func Default() Config {
	return Config{
		Verbosity:    0,
		Compression:  "zstd",
		VDSOTeleport: false,
	}
}

// Load reads and parses the chrono.yaml at path, overlaying its values
// on top of Default(). A missing file is not an error — Load returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
