// Command liveconsult is the console host for live voice consultations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/liveconsult/internal/app"
	"github.com/MrWong99/liveconsult/internal/config"
	"github.com/MrWong99/liveconsult/internal/consult"
	"github.com/MrWong99/liveconsult/internal/health"
	"github.com/MrWong99/liveconsult/internal/observe"
	"github.com/MrWong99/liveconsult/internal/resilience"
	"github.com/MrWong99/liveconsult/pkg/audio/portaudio"
	"github.com/MrWong99/liveconsult/pkg/transport"
	"github.com/MrWong99/liveconsult/pkg/transport/gemini"
	"github.com/MrWong99/liveconsult/pkg/transport/genailive"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config file polling interval for hot reload (0 disables)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "liveconsult: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "liveconsult: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(&level))

	slog.Info("liveconsult starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Observability ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion:   version,
		Transport:        cfg.Transport.Name,
		Model:            cfg.Transport.Model,
		TraceSampleRatio: cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Transport ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinTransports(reg)

	provider, checkers, err := buildTransport(reg, cfg)
	if err != nil {
		slog.Error("failed to build transport", "known", reg.Transports(), "err", err)
		return 1
	}

	// ── Devices ───────────────────────────────────────────────────────────────
	devices := consult.Devices{
		Microphone: portaudio.OpenMicrophone,
		Speaker:    portaudio.SpeakerOpener(cfg.Audio.PlaybackBufferFrames),
	}

	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLogLevel(&level),
		app.WithCheckers(checkers...),
		app.WithMetrics(tel.Metrics),
	}
	if *watch > 0 {
		opts = append(opts, app.WithConfigWatch(*configPath, *watch))
	}
	application, err := app.New(cfg, provider, devices, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("ready; press Enter to open the consultation, Ctrl+C to quit")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Transport wiring ──────────────────────────────────────────────────────────

// registerBuiltinTransports wires the built-in transport factories into reg.
// Both share the same pattern: APIKey plus optional Model and BaseURL.
func registerBuiltinTransports(reg *config.Registry) {
	reg.RegisterTransport("gemini-live", func(entry config.ProviderEntry) (transport.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if s := optString(entry.Options, "keepalive"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("options.keepalive: %w", err)
			}
			opts = append(opts, gemini.WithKeepalive(d))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTransport("genai-live", func(entry config.ProviderEntry) (transport.Provider, error) {
		var opts []genailive.Option
		if entry.Model != "" {
			opts = append(opts, genailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		return genailive.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Transports() {
		slog.Debug("registered transport", "name", name)
	}
}

// buildTransport creates the configured transport. With fallbacks configured
// it returns a failover group and a readiness check reporting when every
// member's breaker is open.
func buildTransport(reg *config.Registry, cfg *config.Config) (transport.Provider, []health.Checker, error) {
	primary, err := reg.CreateTransport(cfg.Transport)
	if err != nil {
		return nil, nil, fmt.Errorf("transport %q: %w", cfg.Transport.Name, err)
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil, nil
	}

	fo := resilience.NewFailover(cfg.Transport.Name, primary, resilience.FailoverConfig{
		Breaker: resilience.BreakerConfig{
			MaxFailures:  cfg.Breaker.MaxFailures,
			ResetTimeout: cfg.Breaker.ResetTimeout,
		},
	})
	for i, entry := range cfg.Fallbacks {
		p, err := reg.CreateTransport(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("fallbacks[%d] %q: %w", i, entry.Name, err)
		}
		fo.Add(entry.Name, p)
	}
	return fo, []health.Checker{health.StateChecker("transport", fo.Ready)}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      liveconsult: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", cfg.Transport.Name)
	for _, f := range cfg.Fallbacks {
		printRow("Fallback", f.Name)
	}
	printRow("Model", cfg.Transport.Model)
	printRow("Voice", cfg.Session.Voice)
	printRow("Capture", fmt.Sprintf("%d Hz / %d", cfg.Audio.CaptureSampleRate, cfg.Audio.CaptureFrameSize))
	printRow("Playback", fmt.Sprintf("%d Hz", cfg.Audio.PlaybackSampleRate))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	} else {
		printRow("Listen addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
