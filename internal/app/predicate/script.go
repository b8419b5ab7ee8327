package predicate

import (
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
)

// CompileScript compiles a JavaScript boolean expression evaluated per packet.
// The script sees the globals type, source and fields. Exceptions and
// non-boolean results evaluate false.
func CompileScript(source string) (Predicate, error) {
	src := strings.TrimSpace(source)
	if src == "" {
		return nil, errs.New("predicate", errs.CodeFilterSyntax,
			errs.WithMessage("empty script"))
	}
	program, err := goja.Compile("filter", src, true)
	if err != nil {
		return nil, errs.New("predicate", errs.CodeFilterSyntax,
			errs.WithMessage("malformed filter script"),
			errs.WithField("expression", source),
			errs.WithCause(err))
	}
	s := &script{program: program}
	s.pool.New = func() any { return goja.New() }
	return s.eval, nil
}

// script keeps one goja runtime per concurrent evaluation; runtimes are not
// safe for concurrent use.
type script struct {
	program *goja.Program
	pool    sync.Pool
}

func (s *script) eval(p *packet.Packet) (ok bool) {
	if p == nil {
		return false
	}
	rt, _ := s.pool.Get().(*goja.Runtime)
	if rt == nil {
		rt = goja.New()
	}
	defer func() {
		if rec := recover(); rec != nil {
			// A panicking runtime is discarded rather than returned to the pool.
			ok = false
			return
		}
		s.pool.Put(rt)
	}()

	// Fields is a deep copy; script writes stay local to this evaluation.
	fields := p.Fields()
	if fields == nil {
		fields = map[string]any{}
	}
	if err := rt.Set("type", p.MessageType()); err != nil {
		return false
	}
	if err := rt.Set("source", p.Source()); err != nil {
		return false
	}
	if err := rt.Set("fields", fields); err != nil {
		return false
	}
	value, err := rt.RunProgram(s.program)
	if err != nil {
		return false
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return false
	}
	exported, isBool := value.Export().(bool)
	return isBool && exported
}
