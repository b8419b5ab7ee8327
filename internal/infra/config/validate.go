package config

import (
	"fmt"

	"github.com/coachpo/aisbus/internal/app/predicate"
	"github.com/coachpo/aisbus/internal/domain/errs"
)

// Validate rejects documents that cannot produce a bus: bad tunables, unnamed
// or untyped adapters, duplicate names and uncompilable filters.
func (d Document) Validate() error {
	if err := d.Bus.Tunables().Validate(); err != nil {
		return err
	}
	if d.Telemetry.MetricInterval < 0 {
		return configErr(fmt.Errorf("telemetry metricInterval must be >=0"))
	}
	if d.Control.ReadHeaderTimeout < 0 {
		return configErr(fmt.Errorf("control readHeaderTimeout must be >=0"))
	}
	seen := make(map[string]string, len(d.Providers)+len(d.Consumers))
	check := func(kind string, specs []AdapterSpec) error {
		for i, spec := range specs {
			if err := spec.validate(kind, i, seen); err != nil {
				return &ParseError{Line: spec.Line, Err: err}
			}
		}
		return nil
	}
	if err := check("provider", d.Providers); err != nil {
		return err
	}
	return check("consumer", d.Consumers)
}

func (s AdapterSpec) validate(kind string, index int, seen map[string]string) error {
	if s.Name == "" {
		return configErr(fmt.Errorf("%s #%d: name required", kind, index+1))
	}
	if s.Type == "" {
		return configErr(fmt.Errorf("%s %q: type required", kind, s.Name))
	}
	if prev, dup := seen[s.Name]; dup {
		return configErr(fmt.Errorf("%s %q: name already used by a %s", kind, s.Name, prev))
	}
	seen[s.Name] = kind
	for _, typ := range s.Filter.MessageTypes {
		if typ <= 0 {
			return configErr(fmt.Errorf("%s %q: message type %d must be >0", kind, s.Name, typ))
		}
	}
	if s.Filter.Expression != "" {
		if _, err := predicate.Compile(s.Filter.Expression); err != nil {
			return errs.New("config", errs.CodeFilterSyntax,
				errs.WithField(kind, s.Name),
				errs.WithCause(err))
		}
	}
	return nil
}
