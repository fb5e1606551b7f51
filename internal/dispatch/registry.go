package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrNoProviderAvailable is returned when every registered provider's
// circuit is open or the registry is empty.
var ErrNoProviderAvailable = errors.New("no agent provider available")

// entry pairs a provider with its availability circuit.
type entry struct {
	name     string
	provider Provider
	breaker  *gobreaker.CircuitBreaker
}

// Registry holds the priority-ordered provider list. Selection is
// static: the task's preferred tool first when its circuit is closed,
// then the configured order. There is no content-based routing.
type Registry struct {
	entries []entry
	logger  *zap.Logger
}

// breakerSettings trips a provider after 3 consecutive failures and
// probes it again after a minute.
func breakerSettings(name string, logger *zap.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
}

// NewRegistry builds a registry in the given priority order.
func NewRegistry(providers []Provider, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger}
	for _, p := range providers {
		r.entries = append(r.entries, entry{
			name:     p.Name(),
			provider: p,
			breaker:  gobreaker.NewCircuitBreaker(breakerSettings(p.Name(), logger)),
		})
	}
	return r
}

// Names returns the priority order, for status output.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.name)
	}
	return names
}

// Available reports whether the named provider's circuit currently
// admits requests.
func (r *Registry) Available(name string) bool {
	for _, e := range r.entries {
		if e.name == name {
			return e.breaker.State() != gobreaker.StateOpen
		}
	}
	return false
}

// Lookup returns the named provider regardless of circuit state.
func (r *Registry) Lookup(name string) (Provider, bool) {
	for _, e := range r.entries {
		if e.name == name {
			return e.provider, true
		}
	}
	return nil, false
}

// selectEntry picks the provider for a task: the preferred tool when
// present and available, otherwise the first available in priority order.
func (r *Registry) selectEntry(preferred string) (*entry, error) {
	if preferred != "" {
		for i := range r.entries {
			e := &r.entries[i]
			if e.name == preferred && e.breaker.State() != gobreaker.StateOpen {
				return e, nil
			}
		}
	}
	for i := range r.entries {
		e := &r.entries[i]
		if e.breaker.State() != gobreaker.StateOpen {
			return e, nil
		}
	}
	return nil, ErrNoProviderAvailable
}

// Dispatch invokes the selected provider through its circuit. The
// returned provider name tells callers which tool actually ran.
func (r *Registry) Dispatch(ctx context.Context, preferred string, req Request) (*Result, string, error) {
	e, err := r.selectEntry(preferred)
	if err != nil {
		return nil, "", err
	}

	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.provider.Invoke(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, e.name, fmt.Errorf("provider %s: %w", e.name, ErrNoProviderAvailable)
		}
		return nil, e.name, err
	}
	result, ok := out.(*Result)
	if !ok {
		return nil, e.name, fmt.Errorf("provider %s returned unexpected result type", e.name)
	}
	return result, e.name, nil
}

// DiscoverSessions proxies to the provider's optional discovery
// capability. Providers without it return no sessions.
func (r *Registry) DiscoverSessions(ctx context.Context, providerName, workingDir string) ([]SessionDescriptor, error) {
	p, ok := r.Lookup(providerName)
	if !ok {
		return nil, nil
	}
	lister, ok := p.(SessionLister)
	if !ok {
		return nil, nil
	}
	return lister.ListSessions(ctx, workingDir)
}
