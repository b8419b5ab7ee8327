package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/aisbus/internal/app/consumer"
	"github.com/coachpo/aisbus/internal/app/provider"
	"github.com/coachpo/aisbus/internal/app/stream"
	"github.com/coachpo/aisbus/internal/infra/bus/packetbus"
	aislog "github.com/coachpo/aisbus/internal/log"
)

// BuildOption customises Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	log   zerolog.Logger
	meter metric.Meter
}

// WithLogger sets the logger used by the bus and the provider manager.
func WithLogger(l zerolog.Logger) BuildOption {
	return func(o *buildOptions) { o.log = l }
}

// WithMeter sets the meter used by the bus.
func WithMeter(m metric.Meter) BuildOption {
	return func(o *buildOptions) { o.meter = m }
}

type providerEntry struct {
	spec     provider.Spec
	instance provider.Provider
	root     *stream.Stream
	view     *stream.Stream
}

type consumerEntry struct {
	instance consumer.Consumer
	root     *stream.Stream
	sub      *stream.Subscription
}

// Runtime is a built bus together with its adapters.
type Runtime struct {
	Bus       *packetbus.Bus
	Providers *provider.Manager

	doc       Document
	log       zerolog.Logger
	sources   []providerEntry
	consumers []consumerEntry
}

// Build assembles a bus from a validated document. The bus is initialised,
// consumers are created, initialised, registered and attached, then providers
// are created, initialised and registered. On any failure everything created
// so far is torn down and no runtime is returned.
func Build(ctx context.Context, doc Document, providers *provider.Registry, consumers *consumer.Registry, opts ...BuildOption) (*Runtime, error) {
	options := buildOptions{log: aislog.WithComponent("runtime")}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	doc.normalise()
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	busOpts := []packetbus.Option{packetbus.WithLogger(options.log.With().Str(aislog.FieldComponent, "packetbus").Logger())}
	if options.meter != nil {
		busOpts = append(busOpts, packetbus.WithMeter(options.meter))
	}
	rt := &Runtime{
		Bus:       packetbus.New(doc.Bus.Tunables(), busOpts...),
		Providers: provider.NewManager(options.log.With().Str(aislog.FieldComponent, "providers").Logger()),
		doc:       doc,
		log:       options.log,
	}
	if err := rt.Bus.Init(); err != nil {
		return nil, err
	}

	for _, spec := range doc.Consumers {
		if err := rt.addConsumer(ctx, consumers, spec); err != nil {
			rt.teardown(ctx)
			return nil, fmt.Errorf("consumer %s: %w", spec.Name, err)
		}
	}
	for _, spec := range doc.Providers {
		if err := rt.addProvider(ctx, providers, spec); err != nil {
			rt.teardown(ctx)
			return nil, fmt.Errorf("provider %s: %w", spec.Name, err)
		}
	}
	return rt, nil
}

func (r *Runtime) addConsumer(ctx context.Context, reg *consumer.Registry, spec AdapterSpec) error {
	instance, err := reg.Create(consumer.Spec{Name: spec.Name, Type: spec.Type, Config: spec.Config})
	if err != nil {
		return err
	}
	if err := instance.Init(ctx); err != nil {
		_ = instance.Close(ctx)
		return fmt.Errorf("init: %w", err)
	}
	entry := consumerEntry{instance: instance, root: stream.New(spec.Name, stream.RoleConsumer)}
	r.consumers = append(r.consumers, entry)
	if err := r.Bus.RegisterConsumer(entry.root); err != nil {
		return err
	}
	view, err := spec.Filter.Apply(entry.root)
	if err != nil {
		return err
	}
	sub, err := instance.Attach(view)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	r.consumers[len(r.consumers)-1].sub = sub
	return nil
}

func (r *Runtime) addProvider(ctx context.Context, reg *provider.Registry, spec AdapterSpec) error {
	pspec := provider.Spec{Name: spec.Name, Type: spec.Type, Config: spec.Config}
	instance, err := reg.Create(pspec)
	if err != nil {
		return err
	}
	if err := instance.Init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	root := stream.New(spec.Name, stream.RoleProvider)
	view, err := spec.Filter.Apply(root)
	if err != nil {
		return err
	}
	if err := r.Bus.RegisterProvider(root); err != nil {
		return err
	}
	r.sources = append(r.sources, providerEntry{spec: pspec, instance: instance, root: root, view: view})
	return nil
}

// Start runs the distribution loop and launches every provider.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Bus.Start(); err != nil {
		return err
	}
	for _, src := range r.sources {
		if err := r.Providers.Start(ctx, src.spec, src.instance, src.view); err != nil {
			return err
		}
	}
	r.log.Info().Int("providers", len(r.sources)).Int("consumers", len(r.consumers)).Msg("runtime started")
	return nil
}

// Wait blocks until every provider has finished or ctx is done.
func (r *Runtime) Wait(ctx context.Context) error {
	return r.Providers.Wait(ctx)
}

// Subscriptions returns the subscription of every attached consumer by name.
func (r *Runtime) Subscriptions() map[string]*stream.Subscription {
	out := make(map[string]*stream.Subscription, len(r.consumers))
	for _, c := range r.consumers {
		if c.sub != nil {
			out[c.instance.Name()] = c.sub
		}
	}
	return out
}

// Document returns the document the runtime was built from.
func (r *Runtime) Document() Document {
	return r.doc
}

// Shutdown stops providers, then the bus, then closes consumers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errList []error
	if err := r.Providers.Stop(ctx); err != nil {
		errList = append(errList, fmt.Errorf("stop providers: %w", err))
	}
	if err := r.Bus.Stop(ctx); err != nil {
		errList = append(errList, fmt.Errorf("stop bus: %w", err))
	}
	for _, c := range r.consumers {
		if err := c.instance.Close(ctx); err != nil {
			errList = append(errList, fmt.Errorf("close consumer %s: %w", c.instance.Name(), err))
		}
	}
	return errors.Join(errList...)
}

func (r *Runtime) teardown(ctx context.Context) {
	if err := r.Bus.Stop(ctx); err != nil {
		r.log.Warn().Err(err).Msg("bus stop during teardown")
	}
	for _, c := range r.consumers {
		if err := c.instance.Close(ctx); err != nil {
			r.log.Warn().Err(err).Str(aislog.FieldConsumer, c.instance.Name()).Msg("consumer close during teardown")
		}
	}
}
