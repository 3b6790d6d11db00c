package config_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/liveconsult/internal/config"
	"github.com/MrWong99/liveconsult/pkg/transport"
	tmock "github.com/MrWong99/liveconsult/pkg/transport/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

transport:
  name: gemini-live
  api_key: test-key
  base_url: wss://example.test
  model: test-model
  options:
    keepalive: 15s

session:
  system_instruction: You are a wound care assistant.
  voice: Puck
  response_modality: AUDIO
  handshake_timeout: 5s
  max_consecutive_decode_errors: 3
  close_drain: 1500ms
  status:
    connecting: Connecting...
    listening: Listening...

audio:
  capture_sample_rate: 16000
  capture_frame_size: 2048
  playback_sample_rate: 24000
  playback_buffer_frames: 256
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Transport.Name != "gemini-live" || cfg.Transport.APIKey != "test-key" || cfg.Transport.Model != "test-model" {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if got := cfg.Transport.Options["keepalive"]; got != "15s" {
		t.Errorf("options.keepalive = %v", got)
	}
	s := cfg.Session
	if s.Voice != "Puck" || s.SystemInstruction != "You are a wound care assistant." {
		t.Errorf("session = %+v", s)
	}
	if s.HandshakeTimeout != 5*time.Second {
		t.Errorf("handshake_timeout = %v, want 5s", s.HandshakeTimeout)
	}
	if s.CloseDrain != 1500*time.Millisecond {
		t.Errorf("close_drain = %v, want 1.5s", s.CloseDrain)
	}
	if s.MaxConsecutiveDecodeErrors != 3 {
		t.Errorf("max_consecutive_decode_errors = %d", s.MaxConsecutiveDecodeErrors)
	}
	if s.Status.Connecting != "Connecting..." || s.Status.Closed != "" {
		t.Errorf("status = %+v", s.Status)
	}
	if cfg.Audio.CaptureFrameSize != 2048 || cfg.Audio.PlaybackBufferFrames != 256 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "transport:\n  api_key: k\n")

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Transport.Name != config.DefaultTransport || cfg.Transport.Model != config.DefaultModel {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	s := cfg.Session
	if s.Voice != "Kore" {
		t.Errorf("voice = %q, want Kore", s.Voice)
	}
	if !strings.Contains(s.SystemInstruction, "cuidado de heridas") {
		t.Errorf("system_instruction = %q", s.SystemInstruction)
	}
	if s.ResponseModality != config.ModalityAudio {
		t.Errorf("response_modality = %q", s.ResponseModality)
	}
	if s.HandshakeTimeout != 10*time.Second || s.MaxConsecutiveDecodeErrors != 8 {
		t.Errorf("handshake_timeout = %v, max decode errors = %d", s.HandshakeTimeout, s.MaxConsecutiveDecodeErrors)
	}
	if s.CloseDrain != 2*time.Second {
		t.Errorf("close_drain = %v, want 2s", s.CloseDrain)
	}
	want := config.AudioConfig{
		CaptureSampleRate:    16000,
		CaptureFrameSize:     4096,
		PlaybackSampleRate:   24000,
		PlaybackBufferFrames: 512,
	}
	if cfg.Audio != want {
		t.Errorf("audio = %+v, want %+v", cfg.Audio, want)
	}
}

func TestLoadFromReader_Fallbacks(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML+`
fallbacks:
  - name: genai-live
  - name: gemini-live
    api_key: other-key
    model: other-model
breaker:
  max_failures: 5
`)

	if len(cfg.Fallbacks) != 2 {
		t.Fatalf("fallbacks = %+v", cfg.Fallbacks)
	}
	if f := cfg.Fallbacks[0]; f.APIKey != "test-key" || f.Model != "test-model" {
		t.Errorf("fallbacks[0] = %+v, want key and model inherited from transport", f)
	}
	if f := cfg.Fallbacks[1]; f.APIKey != "other-key" || f.Model != "other-model" {
		t.Errorf("fallbacks[1] = %+v, want explicit values kept", f)
	}
	if cfg.Breaker.MaxFailures != 5 || cfg.Breaker.ResetTimeout != config.DefaultBreakerResetTimeout {
		t.Errorf("breaker = %+v", cfg.Breaker)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("sesion:\n  voice: Kore\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
	if !strings.Contains(err.Error(), "sesion") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/liveconsult.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestApplyDefaults_APIKeyFromEnvironment(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("API_KEY", "fallback-key")

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if cfg.Transport.APIKey != "fallback-key" {
		t.Errorf("api_key = %q, want API_KEY fallback", cfg.Transport.APIKey)
	}

	t.Setenv("GEMINI_API_KEY", "gemini-key")
	cfg = &config.Config{}
	config.ApplyDefaults(cfg)
	if cfg.Transport.APIKey != "gemini-key" {
		t.Errorf("api_key = %q, want GEMINI_API_KEY to win", cfg.Transport.APIKey)
	}

	cfg = &config.Config{Transport: config.ProviderEntry{APIKey: "explicit"}}
	config.ApplyDefaults(cfg)
	if cfg.Transport.APIKey != "explicit" {
		t.Errorf("api_key = %q, want configured key to win", cfg.Transport.APIKey)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "invalid log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "verbose" },
			wantErr: "server.log_level",
		},
		{
			name:    "missing api key",
			mutate:  func(c *config.Config) { c.Transport.APIKey = "" },
			wantErr: "transport.api_key",
		},
		{
			name:    "text modality",
			mutate:  func(c *config.Config) { c.Session.ResponseModality = "TEXT" },
			wantErr: "session.response_modality",
		},
		{
			name:    "negative handshake timeout",
			mutate:  func(c *config.Config) { c.Session.HandshakeTimeout = -time.Second },
			wantErr: "session.handshake_timeout",
		},
		{
			name:    "negative decode errors",
			mutate:  func(c *config.Config) { c.Session.MaxConsecutiveDecodeErrors = -1 },
			wantErr: "max_consecutive_decode_errors",
		},
		{
			name:    "negative sample rate",
			mutate:  func(c *config.Config) { c.Audio.PlaybackSampleRate = -1 },
			wantErr: "audio.playback_sample_rate",
		},
		{
			name:    "unnamed fallback",
			mutate:  func(c *config.Config) { c.Fallbacks = []config.ProviderEntry{{APIKey: "k"}} },
			wantErr: "fallbacks[0].name",
		},
		{
			name:    "fallback without key",
			mutate:  func(c *config.Config) { c.Fallbacks = []config.ProviderEntry{{Name: "genai-live"}} },
			wantErr: "fallbacks[0].api_key",
		},
		{
			name:    "negative breaker timeout",
			mutate:  func(c *config.Config) { c.Breaker.ResetTimeout = -time.Second },
			wantErr: "breaker.reset_timeout",
		},
		{
			name:    "half tls",
			mutate:  func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "cert.pem"} },
			wantErr: "server.tls",
		},
		{
			name:    "sample ratio above one",
			mutate:  func(c *config.Config) { c.Server.TraceSampleRatio = 1.5 },
			wantErr: "server.trace_sample_ratio",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := mustLoad(t, sampleYAML)
			tc.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q should mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)
	cfg.Server.LogLevel = "loud"
	cfg.Session.ResponseModality = "TEXT"
	cfg.Audio.CaptureFrameSize = -5

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "session.response_modality", "audio.capture_frame_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_UnknownTransportNeedsNoKey(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)
	cfg.Transport = config.ProviderEntry{Name: "local-echo"}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("unexpected error for third-party transport: %v", err)
	}
}

func TestRegistry_CreateTransport(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &tmock.Provider{}

	var got config.ProviderEntry
	reg.RegisterTransport("mock", func(entry config.ProviderEntry) (transport.Provider, error) {
		got = entry
		return want, nil
	})

	p, err := reg.CreateTransport(config.ProviderEntry{Name: "mock", Model: "m"})
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	if p != transport.Provider(want) {
		t.Error("CreateTransport returned a different provider")
	}
	if got.Model != "m" {
		t.Errorf("factory received entry %+v", got)
	}
	if _, err := p.Connect(context.Background(), transport.Config{}); err != nil {
		t.Errorf("Connect on created provider: %v", err)
	}
	if names := reg.Transports(); len(names) != 1 || names[0] != "mock" {
		t.Errorf("Transports() = %v", names)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateTransport(config.ProviderEntry{Name: "missing"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("bad options")
	reg.RegisterTransport("broken", func(config.ProviderEntry) (transport.Provider, error) {
		return nil, boom
	})
	if _, err := reg.CreateTransport(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("error = %v, want factory error", err)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	t.Run("identical", func(t *testing.T) {
		t.Parallel()
		a, b := mustLoad(t, sampleYAML), mustLoad(t, sampleYAML)
		d := config.Diff(a, b)
		if d.LogLevelChanged || d.SessionChanged || d.StatusChanged || len(d.RestartRequired) != 0 {
			t.Errorf("Diff of identical configs = %+v", d)
		}
	})

	t.Run("log level", func(t *testing.T) {
		t.Parallel()
		a, b := mustLoad(t, sampleYAML), mustLoad(t, sampleYAML)
		b.Server.LogLevel = config.LogWarn
		d := config.Diff(a, b)
		if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
			t.Errorf("Diff = %+v, want log level change to warn", d)
		}
	})

	t.Run("status only", func(t *testing.T) {
		t.Parallel()
		a, b := mustLoad(t, sampleYAML), mustLoad(t, sampleYAML)
		b.Session.Status.Closed = "Bye"
		d := config.Diff(a, b)
		if !d.StatusChanged || !d.SessionChanged {
			t.Errorf("Diff = %+v, want status and session change", d)
		}
	})

	t.Run("voice", func(t *testing.T) {
		t.Parallel()
		a, b := mustLoad(t, sampleYAML), mustLoad(t, sampleYAML)
		b.Session.Voice = "Kore"
		d := config.Diff(a, b)
		if !d.SessionChanged || d.StatusChanged {
			t.Errorf("Diff = %+v, want session change only", d)
		}
	})

	t.Run("restart sections", func(t *testing.T) {
		t.Parallel()
		a, b := mustLoad(t, sampleYAML), mustLoad(t, sampleYAML)
		b.Transport.Model = "other"
		b.Audio.CaptureFrameSize = 1024
		b.Server.ListenAddr = ":9191"
		d := config.Diff(a, b)
		want := []string{"transport", "audio", "server"}
		if strings.Join(d.RestartRequired, ",") != strings.Join(want, ",") {
			t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
		}
	})

	t.Run("fallbacks", func(t *testing.T) {
		t.Parallel()
		a, b := mustLoad(t, sampleYAML), mustLoad(t, sampleYAML)
		b.Fallbacks = []config.ProviderEntry{{Name: "genai-live", APIKey: "k"}}
		d := config.Diff(a, b)
		if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "transport" {
			t.Errorf("RestartRequired = %v, want [transport]", d.RestartRequired)
		}
	})
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.in.Level(); got != tc.want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", tc.in, got, tc.want)
		}
	}
}
