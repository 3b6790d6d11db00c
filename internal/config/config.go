// Package config provides the configuration schema, loader, and transport
// registry for the liveconsult voice consultation host.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the liveconsult host.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ResponseModality is the kind of response requested from the remote model.
type ResponseModality string

// ModalityAudio requests synthesised speech. It is the only modality the
// playback pipeline can consume.
const ModalityAudio ResponseModality = "AUDIO"

// IsValid reports whether m is a supported response modality.
func (m ResponseModality) IsValid() bool {
	return m == ModalityAudio
}

// Default values applied by [ApplyDefaults].
const (
	DefaultTransport            = "gemini-live"
	DefaultModel                = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice                = "Kore"
	DefaultSystemInstruction    = "Eres un asistente de enfermería especializado en el cuidado de heridas. Responde preguntas brevemente en español sobre protocolos de curación, higiene y signos de emergencia. Sé amable y profesional."
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultMaxDecodeErrors      = 8
	DefaultCloseDrain           = 2 * time.Second
	DefaultCaptureSampleRate    = 16000
	DefaultCaptureFrameSize     = 4096
	DefaultPlaybackSampleRate   = 24000
	DefaultPlaybackBufferFrames = 512
	DefaultBreakerMaxFailures   = 3
	DefaultBreakerResetTimeout  = 30 * time.Second
)

// Config is the root configuration structure for liveconsult.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig  `yaml:"server"`
	Transport ProviderEntry `yaml:"transport"`

	// Fallbacks are dialled in order when the primary transport cannot
	// connect. Unset api_key and model fields inherit the primary's.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Breaker tunes the per-transport circuit breakers. It only applies
	// when Fallbacks is non-empty.
	Breaker BreakerConfig `yaml:"breaker"`

	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
}

// BreakerConfig tunes the circuit breaker kept for each transport.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed handshakes after which
	// a transport is skipped.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long a tripped transport is skipped before it is
	// tried again.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ServerConfig holds the operational HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address /healthz, /readyz and /metrics are
	// served on (e.g., ":9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// TraceSampleRatio is the fraction of consultation traces recorded, in
	// [0, 1]. Zero or one records every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures the transport backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered transport (e.g., "gemini-live", "genai-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the remote endpoint. Falls back to the
	// GEMINI_API_KEY and API_KEY environment variables.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the transport's default endpoint.
	// Leave empty to use the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects the remote voice model.
	Model string `yaml:"model"`

	// Options holds transport-specific configuration values not covered by
	// the standard fields above. Values may be strings, numbers, booleans,
	// or nested maps.
	Options map[string]any `yaml:"options"`
}

// SessionConfig holds the per-consultation parameters.
type SessionConfig struct {
	// SystemInstruction frames the assistant's persona and scope.
	SystemInstruction string `yaml:"system_instruction"`

	// Voice is the prebuilt synthesis voice name.
	Voice string `yaml:"voice"`

	// ResponseModality must be AUDIO.
	ResponseModality ResponseModality `yaml:"response_modality"`

	// HandshakeTimeout bounds the wait for the remote to accept the session.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// MaxConsecutiveDecodeErrors is how many malformed audio chunks in a row
	// are dropped before the session fails.
	MaxConsecutiveDecodeErrors int `yaml:"max_consecutive_decode_errors"`

	// CloseDrain lets speech that already started finish when the
	// consultation is closed, for at most this long. A negative value cuts it
	// off immediately.
	CloseDrain time.Duration `yaml:"close_drain"`

	// Status overrides the user-facing status strings.
	Status StatusConfig `yaml:"status"`
}

// StatusConfig holds the user-facing status strings. Empty fields keep the
// built-in Spanish defaults.
type StatusConfig struct {
	Connecting  string `yaml:"connecting"`
	Listening   string `yaml:"listening"`
	Closed      string `yaml:"closed"`
	DeviceError string `yaml:"device_error"`
	Error       string `yaml:"error"`
}

// AudioConfig holds the device parameters.
type AudioConfig struct {
	// CaptureSampleRate is the microphone rate streamed to the remote.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// CaptureFrameSize is the number of samples per sent chunk.
	CaptureFrameSize int `yaml:"capture_frame_size"`

	// PlaybackSampleRate is the speaker rate.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`

	// PlaybackBufferFrames is the speaker callback buffer size in samples.
	PlaybackBufferFrames int `yaml:"playback_buffer_frames"`
}
