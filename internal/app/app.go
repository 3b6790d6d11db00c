// Package app wires the liveconsult subsystems into a running console host.
//
// The App struct owns the full lifecycle: New builds the session manager, the
// operational HTTP server and the config watcher, Run reads panel commands
// until the user quits or ctx is cancelled, and Shutdown tears everything
// down in order.
//
// For testing, inject the transport provider and audio devices directly and
// redirect the console with [WithInput] and [WithOutput].
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/liveconsult/internal/config"
	"github.com/MrWong99/liveconsult/internal/consult"
	"github.com/MrWong99/liveconsult/internal/health"
	"github.com/MrWong99/liveconsult/internal/observe"
	"github.com/MrWong99/liveconsult/pkg/transport"
)

const helpText = `Comandos:
  <Enter>    abrir o cerrar la consulta
  open       abrir la consulta
  close      cerrar la consulta
  interrupt  interrumpir la respuesta en curso
  status     mostrar el estado
  quit       salir
`

// App owns all subsystem lifetimes of the console host.
type App struct {
	cfgMu sync.Mutex
	cfg   *config.Config

	sessions *SessionManager
	metrics  *observe.Metrics

	// Console.
	in    io.Reader
	out   io.Writer
	outMu sync.Mutex

	// Operational HTTP endpoint, nil when no listen address is configured.
	server         *http.Server
	listener       net.Listener
	metricsHandler http.Handler

	// Hot reload.
	configPath    string
	watchInterval time.Duration
	watcher       *config.Watcher
	level         *slog.LevelVar

	// checkers are extra readiness probes served on /readyz.
	checkers []health.Checker

	// opens tracks consultations being opened in the background.
	opens sync.WaitGroup
	done  chan struct{}

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithInput sets the command source. The default is os.Stdin.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.in = r }
}

// WithOutput sets where status lines are printed. The default is os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithMetrics overrides the metrics instance. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler overrides the /metrics handler. The default serves the
// global Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithConfigWatch polls path for changes every interval and applies them.
// A zero interval uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// WithLogLevel registers the level variable that hot reload adjusts.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithCheckers adds readiness probes to /readyz next to the session check.
func WithCheckers(checkers ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, checkers...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. The provider and devices come from main.go
// (built via the config registry and the platform audio backend).
//
// New binds the HTTP listener synchronously so address conflicts surface
// before Run.
func New(cfg *config.Config, provider transport.Provider, devices consult.Devices, opts ...Option) (*App, error) {
	a := &App{
		cfg:  cfg,
		in:   os.Stdin,
		out:  os.Stdout,
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:   cfg,
		Provider: provider,
		Devices:  devices,
		Metrics:  a.metrics,
		OnUpdate: a.printUpdate,
	})

	// ── 2. HTTP server ───────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	// ── 3. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		a.closeListener()
		return nil, fmt.Errorf("app: init config watcher: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initServer binds the operational endpoint: /healthz, /readyz and /metrics.
func (a *App) initServer() error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	checkers := append([]health.Checker{health.StateChecker("session", a.sessions.Ready)}, a.checkers...)
	health.New(
		checkers,
		health.WithInfo(a.sessionInfo),
	).Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %q: %w", addr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// initWatcher starts polling the config file when one was given.
func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	var opts []config.WatcherOption
	if a.watchInterval > 0 {
		opts = append(opts, config.WithInterval(a.watchInterval))
	}
	w, err := config.NewWatcher(a.configPath, a.reload, opts...)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

func (a *App) closeListener() {
	if a.listener != nil {
		_ = a.listener.Close()
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP endpoint and processes panel commands until the user
// quits, the input ends, or ctx is cancelled. In the latter case Run returns
// ctx.Err(). The active consultation keeps running until Shutdown.
func (a *App) Run(ctx context.Context) error {
	if a.server != nil {
		go a.serve()
		slog.Info("operational endpoint listening", "addr", a.listener.Addr().String())
	}

	lines := make(chan string)
	go a.readCommands(lines)

	a.print(helpText)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				slog.Info("console input closed")
				return nil
			}
			if a.handle(ctx, line) {
				return nil
			}
		}
	}
}

func (a *App) serve() {
	var err error
	if tls := a.Config().Server.TLS; tls != nil {
		err = a.server.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
	} else {
		err = a.server.Serve(a.listener)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("operational endpoint failed", "err", err)
	}
}

// readCommands forwards input lines until EOF or Shutdown.
func (a *App) readCommands(lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(a.in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-a.done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("console read error", "err", err)
	}
}

// handle executes one command line and reports whether the user asked to
// quit.
func (a *App) handle(ctx context.Context, line string) bool {
	switch cmd := strings.ToLower(strings.TrimSpace(line)); cmd {
	case "", "toggle", "t":
		if a.sessions.IsActive() {
			a.closeSession()
		} else {
			a.openSession(ctx)
		}
	case "open", "o":
		a.openSession(ctx)
	case "close", "c":
		a.closeSession()
	case "interrupt", "i":
		n, err := a.sessions.Interrupt()
		if err != nil {
			a.print("No hay ninguna respuesta que interrumpir.\n")
			slog.Debug("interrupt rejected", "err", err)
			return false
		}
		a.printf("Respuesta interrumpida (%d fragmentos descartados).\n", n)
	case "status", "s":
		a.printUpdate(a.sessions.Info(), a.sessions.Snapshot())
	case "help", "h", "?":
		a.print(helpText)
	case "quit", "q", "exit":
		return true
	default:
		a.printf("Comando desconocido %q.\n", cmd)
		a.print(helpText)
	}
	return false
}

// openSession opens a consultation in the background so a close command can
// still abort a slow handshake. Failures are reported through the status
// line.
func (a *App) openSession(ctx context.Context) {
	a.opens.Add(1)
	go func() {
		defer a.opens.Done()
		err := a.sessions.Open(ctx)
		switch {
		case errors.Is(err, ErrSessionActive):
			a.print("La consulta ya está abierta.\n")
		case err != nil:
			slog.Debug("open consultation", "err", err)
		}
	}()
}

func (a *App) closeSession() {
	if err := a.sessions.Close(); err != nil {
		if errors.Is(err, ErrNoSession) {
			a.print("No hay ninguna consulta abierta.\n")
			return
		}
		slog.Warn("close consultation", "err", err)
	}
}

// ─── Output ──────────────────────────────────────────────────────────────────

func (a *App) printUpdate(info SessionInfo, u consult.Update) {
	line := u.Status
	if line == "" {
		line = u.State.String()
	}
	if u.Speaking {
		line += " (respondiendo)"
	}
	if info.SessionID != "" {
		a.printf("[%s] %s\n", info.SessionID, line)
		return
	}
	a.printf("%s\n", line)
}

func (a *App) print(s string) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	_, _ = io.WriteString(a.out, s)
}

func (a *App) printf(format string, args ...any) {
	a.print(fmt.Sprintf(format, args...))
}

// sessionInfo feeds the health endpoint.
func (a *App) sessionInfo() map[string]string {
	info, u := a.sessions.Info(), a.sessions.Snapshot()
	m := map[string]string{
		"state":    u.State.String(),
		"status":   u.Status,
		"speaking": fmt.Sprint(u.Speaking),
	}
	if info.SessionID != "" {
		m["session_id"] = info.SessionID
		m["started_at"] = info.StartedAt.Format(time.RFC3339)
	}
	if u.Err != nil {
		m["error_kind"] = string(consult.Classify(u.Err))
	}
	return m
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// reload applies a changed config file. The log level changes immediately,
// session settings apply to the next consultation.
func (a *App) reload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.sessions.SetConfig(new)
		slog.Info("session settings updated; they apply to the next consultation",
			"status_changed", d.StatusChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}

	a.cfgMu.Lock()
	a.cfg = new
	a.cfgMu.Unlock()
}

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Addr returns the bound address of the operational endpoint, or "" when it
// is disabled.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the active consultation, stops the HTTP server and runs the
// remaining closers. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		close(a.done)

		// Close the consultation first so the devices are released promptly.
		if err := a.sessions.Shutdown(ctx); err != nil {
			slog.Warn("consultation close error", "err", err)
		}
		a.opens.Wait()

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
			// Serve may never have been called.
			a.closeListener()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
