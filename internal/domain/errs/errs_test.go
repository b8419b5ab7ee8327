package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIncludesFields(t *testing.T) {
	err := New("packetbus", CodeBusClosed,
		WithMessage(" bus stopped "),
		WithField("stream", "ais-in"),
		WithCause(errors.New("boom")))

	msg := err.Error()
	for _, want := range []string{
		"component=packetbus",
		"code=bus_closed",
		`message="bus stopped"`,
		`stream="ais-in"`,
		`cause="boom"`,
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("add: %w", New("packetbus", CodeBusClosed))
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected errors.Is to match ErrBusClosed")
	}
	if errors.Is(err, ErrIllegalState) {
		t.Fatalf("unexpected match against ErrIllegalState")
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", New("predicate", CodeFilterSyntax))
	if got := CodeOf(wrapped); got != CodeFilterSyntax {
		t.Fatalf("expected %s, got %s", CodeFilterSyntax, got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code, got %s", got)
	}
}

func TestNilEnvelope(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("unexpected nil rendering %q", e.Error())
	}
}
