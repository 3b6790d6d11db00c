package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/liveconsult/pkg/transport"
)

// ErrAllFailed is returned by [Failover.Connect] when every transport failed
// or had an open breaker. It is always joined with
// [transport.ErrConnectionFailure].
var ErrAllFailed = errors.New("resilience: all transports failed")

// FailoverConfig configures the breaker created for each transport in a
// [Failover]. Name and IsFailure are set per entry.
type FailoverConfig struct {
	Breaker BreakerConfig
}

type failoverEntry struct {
	name     string
	provider transport.Provider
	breaker  *Breaker
}

// Failover implements [transport.Provider] by dialling a primary transport
// and, when it cannot connect or its breaker is open, each fallback in
// registration order. Only the handshake is covered: once a stream is
// established its failures belong to the session.
type Failover struct {
	cfg     FailoverConfig
	entries []failoverEntry
}

var _ transport.Provider = (*Failover)(nil)

// NewFailover creates a [Failover] with primary as the preferred transport.
func NewFailover(primaryName string, primary transport.Provider, cfg FailoverConfig) *Failover {
	f := &Failover{cfg: cfg}
	f.Add(primaryName, primary)
	return f
}

// Add registers a fallback transport. It is not safe to call concurrently
// with Connect.
func (f *Failover) Add(name string, p transport.Provider) {
	bc := f.cfg.Breaker
	bc.Name = "transport/" + name
	bc.IsFailure = countsAgainstTransport
	f.entries = append(f.entries, failoverEntry{name: name, provider: p, breaker: NewBreaker(bc)})
}

// countsAgainstTransport ignores dials the caller abandoned.
func countsAgainstTransport(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Connect dials each healthy transport in order until one completes the
// handshake. A cancelled ctx stops the search.
func (f *Failover) Connect(ctx context.Context, cfg transport.Config) (transport.Stream, error) {
	var errs []error
	for i := range f.entries {
		e := &f.entries[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var stream transport.Stream
		err := e.breaker.Do(func() error {
			s, err := e.provider.Connect(ctx, cfg)
			stream = s
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Info("connected via fallback transport", "transport", e.name)
			}
			return stream, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping transport (circuit open)", "transport", e.name)
			continue
		}
		if i < len(f.entries)-1 {
			slog.Warn("transport failed to connect, trying next", "transport", e.name, "err", err)
		}
	}
	return nil, fmt.Errorf("%w: %w: %w", transport.ErrConnectionFailure, ErrAllFailed, errors.Join(errs...))
}

// Ready fails when every transport's breaker is open.
func (f *Failover) Ready() error {
	open := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		if e.breaker.State() != StateOpen {
			return nil
		}
		open = append(open, e.name)
	}
	return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
}

// States reports each transport's breaker state, keyed by transport name.
func (f *Failover) States() map[string]State {
	m := make(map[string]State, len(f.entries))
	for _, e := range f.entries {
		m[e.name] = e.breaker.State()
	}
	return m
}
