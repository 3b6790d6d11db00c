package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidTransportNames lists the transports that ship with liveconsult.
// Used by [Validate] to warn about unrecognised names.
var ValidTransportNames = []string{"gemini-live", "genai-live"}

// apiKeyEnv lists the environment variables consulted, in order, when no
// API key is configured.
var apiKeyEnv = []string{"GEMINI_API_KEY", "API_KEY"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default. The API key
// falls back to the GEMINI_API_KEY, then API_KEY environment variables.
func ApplyDefaults(cfg *Config) {
	applyDefaults(cfg, os.Getenv)
}

func applyDefaults(cfg *Config, getenv func(string) string) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	t := &cfg.Transport
	if t.Name == "" {
		t.Name = DefaultTransport
	}
	if t.Model == "" {
		t.Model = DefaultModel
	}
	for _, key := range apiKeyEnv {
		if t.APIKey != "" {
			break
		}
		t.APIKey = getenv(key)
	}

	for i := range cfg.Fallbacks {
		f := &cfg.Fallbacks[i]
		if f.APIKey == "" {
			f.APIKey = t.APIKey
		}
		if f.Model == "" {
			f.Model = t.Model
		}
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = DefaultBreakerMaxFailures
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = DefaultBreakerResetTimeout
	}

	s := &cfg.Session
	if s.SystemInstruction == "" {
		s.SystemInstruction = DefaultSystemInstruction
	}
	if s.Voice == "" {
		s.Voice = DefaultVoice
	}
	if s.ResponseModality == "" {
		s.ResponseModality = ModalityAudio
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.MaxConsecutiveDecodeErrors == 0 {
		s.MaxConsecutiveDecodeErrors = DefaultMaxDecodeErrors
	}
	if s.CloseDrain == 0 {
		s.CloseDrain = DefaultCloseDrain
	}

	a := &cfg.Audio
	if a.CaptureSampleRate == 0 {
		a.CaptureSampleRate = DefaultCaptureSampleRate
	}
	if a.CaptureFrameSize == 0 {
		a.CaptureFrameSize = DefaultCaptureFrameSize
	}
	if a.PlaybackSampleRate == 0 {
		a.PlaybackSampleRate = DefaultPlaybackSampleRate
	}
	if a.PlaybackBufferFrames == 0 {
		a.PlaybackBufferFrames = DefaultPlaybackBufferFrames
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}

	// Transport
	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	} else if !slices.Contains(ValidTransportNames, cfg.Transport.Name) {
		slog.Warn("unknown transport name; may be a typo or third-party transport",
			"name", cfg.Transport.Name,
			"known", ValidTransportNames,
		)
	} else if cfg.Transport.APIKey == "" {
		errs = append(errs, fmt.Errorf("transport.api_key is required for %q; set it in the config or via GEMINI_API_KEY", cfg.Transport.Name))
	}
	for i, f := range cfg.Fallbacks {
		switch {
		case f.Name == "":
			errs = append(errs, fmt.Errorf("fallbacks[%d].name is required", i))
		case !slices.Contains(ValidTransportNames, f.Name):
			slog.Warn("unknown fallback transport name", "index", i, "name", f.Name)
		case f.APIKey == "":
			errs = append(errs, fmt.Errorf("fallbacks[%d].api_key is required for %q", i, f.Name))
		}
	}
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout %s must not be negative", cfg.Breaker.ResetTimeout))
	}

	// Session
	s := cfg.Session
	if s.ResponseModality != "" && !s.ResponseModality.IsValid() {
		errs = append(errs, fmt.Errorf("session.response_modality %q is invalid; valid values: AUDIO", s.ResponseModality))
	}
	if s.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.handshake_timeout %s must be positive", s.HandshakeTimeout))
	}
	if s.MaxConsecutiveDecodeErrors < 0 {
		errs = append(errs, fmt.Errorf("session.max_consecutive_decode_errors %d must not be negative", s.MaxConsecutiveDecodeErrors))
	}

	// Audio
	a := cfg.Audio
	for _, f := range []struct {
		name  string
		value int
	}{
		{"audio.capture_sample_rate", a.CaptureSampleRate},
		{"audio.capture_frame_size", a.CaptureFrameSize},
		{"audio.playback_sample_rate", a.PlaybackSampleRate},
		{"audio.playback_buffer_frames", a.PlaybackBufferFrames},
	} {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("%s %d must be positive", f.name, f.value))
		}
	}
	if a.CaptureSampleRate > 0 && a.CaptureFrameSize > 0 && a.CaptureFrameSize > a.CaptureSampleRate {
		slog.Warn("audio.capture_frame_size exceeds one second of audio; expect high latency",
			"frame_size", a.CaptureFrameSize,
			"sample_rate", a.CaptureSampleRate,
		)
	}

	return errors.Join(errs...)
}
