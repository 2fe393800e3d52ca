// Package config manages the firmware's persistent settings: the front-end
// toggles of §4.2, the cloud conversation service address, and the device
// identity override used in development. Settings are stored as YAML, read
// with pflag-overridable defaults the way the rest of the ambient stack is
// layered (see SPEC_FULL.md).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"hitony/internal/frontend"
)

// Config holds all persistent firmware settings.
type Config struct {
	ServerAddr    string `yaml:"server_addr"`
	DeviceIDOverride string `yaml:"device_id_override,omitempty"`
	LogLevel      string `yaml:"log_level"`

	WakeModelID      string `yaml:"wake_model_id"`
	VADSensitivity   int    `yaml:"vad_sensitivity"`
	EchoCancel       bool   `yaml:"echo_cancel"`
	NoiseSuppression bool   `yaml:"noise_suppression"`
	AGC              bool   `yaml:"agc"`
	WithReference    bool   `yaml:"with_reference_mic"`

	AGCTargetLevel int `yaml:"agc_target_level"`
	AGCGain        int `yaml:"agc_gain"`
}

// Default returns a Config populated with the front-end's own defaults.
func Default() Config {
	fc := frontend.DefaultConfig()
	return Config{
		ServerAddr:       "localhost:8080",
		LogLevel:         "info",
		WakeModelID:      fc.WakeModelID,
		VADSensitivity:   fc.VADSensitivity,
		EchoCancel:       fc.EchoCancel,
		NoiseSuppression: fc.NoiseSuppression,
		AGC:              fc.AGC,
		WithReference:    fc.WithReference,
		AGCTargetLevel:   fc.AGCTargetLevel,
		AGCGain:          fc.AGCGain,
	}
}

// ToFrontendConfig builds a frontend.Config from the persisted settings,
// filling in the sample-rate/chunk parameters the caller owns.
func (c Config) ToFrontendConfig(sampleRate, chunkSamples int) frontend.Config {
	return frontend.Config{
		SampleRate:       sampleRate,
		ChunkSamples:     chunkSamples,
		WithReference:    c.WithReference,
		EchoCancel:       c.EchoCancel,
		NoiseSuppression: c.NoiseSuppression,
		AGC:              c.AGC,
		VAD:              true,
		WakeDetection:    true,
		VADSensitivity:   c.VADSensitivity,
		AGCTargetLevel:   c.AGCTargetLevel,
		AGCGain:          c.AGCGain,
		WakeModelID:      c.WakeModelID,
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "hitony", "config.yaml"), nil
}

// Load reads the config file, falling back to Default for a missing or
// unreadable file.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
