package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/aisbus/internal/app/settings"
	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
	aislog "github.com/coachpo/aisbus/internal/log"
)

// Manager runs provider instances and tracks their lifecycle.
type Manager struct {
	log zerolog.Logger

	mu     sync.RWMutex
	states map[string]*providerState
	wg     conc.WaitGroup
}

type providerState struct {
	spec     Spec
	provider Provider
	cancel   context.CancelFunc
	done     chan struct{}
	started  time.Time
	packets  atomic.Uint64

	mu     sync.Mutex
	status Status
	err    error
}

// NewManager creates a provider manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		log:    logger,
		states: make(map[string]*providerState),
	}
}

// HasProvider reports whether a provider with the given name is managed.
func (m *Manager) HasProvider(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.states[strings.TrimSpace(name)]
	return ok
}

// Start runs p in its own goroutine, feeding out. The run is bound to ctx.
func (m *Manager) Start(ctx context.Context, spec Spec, p Provider, out Output) error {
	if p == nil || out == nil {
		return errs.New("provider", errs.CodeInvalid, errs.WithMessage("provider and output required"))
	}
	name := strings.TrimSpace(p.Name())
	m.mu.Lock()
	if _, exists := m.states[name]; exists {
		m.mu.Unlock()
		return errs.New("provider", errs.CodeAlreadyRegistered, errs.WithField("name", name))
	}
	runCtx, cancel := context.WithCancel(ctx)
	state := &providerState{
		spec:     spec,
		provider: p,
		cancel:   cancel,
		done:     make(chan struct{}),
		started:  time.Now(),
		status:   StatusRunning,
	}
	m.states[name] = state
	m.mu.Unlock()

	logger := m.log.With().Str(aislog.FieldProvider, name).Str("type", spec.Type).Logger()
	logger.Info().Interface("settings", settings.Sanitize(spec.Config)).Msg("provider started")

	m.wg.Go(func() {
		defer close(state.done)
		err := p.Run(runCtx, counter{out: out, n: &state.packets})
		state.finish(runCtx, err)
		event := logger.Info()
		if state.Status() == StatusFailed {
			event = logger.Error().Err(err)
		}
		event.Str("status", string(state.Status())).Uint64("packets", state.packets.Load()).Msg("provider finished")
	})
	return nil
}

func (s *providerState) finish(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil && ctx.Err() == nil:
		s.status = StatusCompleted
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, errs.ErrBusClosed):
		s.status = StatusStopped
	default:
		s.status = StatusFailed
		s.err = err
	}
}

// Status returns the current status.
func (s *providerState) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StopProvider cancels a single provider and waits for it within ctx.
func (m *Manager) StopProvider(ctx context.Context, name string) error {
	m.mu.RLock()
	state, ok := m.states[strings.TrimSpace(name)]
	m.mu.RUnlock()
	if !ok {
		return errs.New("provider", errs.CodeNotFound, errs.WithField("name", name))
	}
	state.cancel()
	select {
	case <-state.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop provider %s: %w", name, ctx.Err())
	}
}

// Wait blocks until every managed provider has returned from Run or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.RLock()
	done := make([]chan struct{}, 0, len(m.states))
	for _, state := range m.states {
		done = append(done, state.done)
	}
	m.mu.RUnlock()
	for _, ch := range done {
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("wait for providers: %w", ctx.Err())
		}
	}
	return nil
}

// Stop cancels every provider and waits for them within ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.RLock()
	for _, state := range m.states {
		state.cancel()
	}
	m.mu.RUnlock()
	if err := m.Wait(ctx); err != nil {
		return err
	}
	if r := m.wg.WaitAndRecover(); r != nil {
		return fmt.Errorf("provider panicked: %s", r.String())
	}
	return nil
}

// Snapshot returns runtime metadata for every managed provider.
func (m *Manager) Snapshot() []RuntimeMetadata {
	m.mu.RLock()
	out := make([]RuntimeMetadata, 0, len(m.states))
	for name, state := range m.states {
		state.mu.Lock()
		meta := RuntimeMetadata{
			Name:      name,
			Type:      state.spec.Type,
			Status:    state.status,
			Packets:   state.packets.Load(),
			StartedAt: state.started,
			Settings:  settings.Sanitize(state.spec.Config),
		}
		if state.err != nil {
			meta.Error = state.err.Error()
		}
		state.mu.Unlock()
		out = append(out, meta)
	}
	m.mu.RUnlock()
	SortRuntimeMetadata(out)
	return out
}

type counter struct {
	out Output
	n   *atomic.Uint64
}

func (c counter) Add(ctx context.Context, p *packet.Packet) error {
	if err := c.out.Add(ctx, p); err != nil {
		return err
	}
	c.n.Add(1)
	return nil
}
