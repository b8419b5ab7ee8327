package predicate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
)

func pkt(typ int, fields map[string]any) *packet.Packet {
	return packet.New([]byte("!AIVDM"), packet.WithMessageType(typ), packet.WithSource("src1"), packet.WithFields(fields))
}

func TestMessageTypeSetAcceptsMembers(t *testing.T) {
	pred := MessageTypeSet(1, 2, 3)
	var accepted []int
	for _, typ := range []int{1, 2, 3, 4} {
		if pred(pkt(typ, nil)) {
			accepted = append(accepted, typ)
		}
	}
	require.Equal(t, []int{1, 2, 3}, accepted)
}

func TestMessageTypeSetEmptyRejects(t *testing.T) {
	pred := MessageTypeSet()
	for typ := 0; typ < 30; typ++ {
		require.False(t, pred(pkt(typ, nil)))
	}
	require.False(t, MessageTypeSet(1)(nil))
}

func TestAndShortCircuits(t *testing.T) {
	calls := 0
	counting := func(*packet.Packet) bool {
		calls++
		return true
	}
	pred := And(False, counting)
	require.False(t, pred(pkt(1, nil)))
	require.Zero(t, calls)

	require.True(t, And()(pkt(1, nil)))
	require.False(t, Or()(pkt(1, nil)))
}

func TestCompileExpressions(t *testing.T) {
	fields := map[string]any{
		"mmsi":   219000001,
		"sog":    12.7,
		"name":   "HAVBRIS",
		"pos":    map[string]any{"lat": 55.7},
		"status": "moored",
	}
	p := pkt(5, fields)

	cases := []struct {
		expr string
		want bool
	}{
		{"type = 5", true},
		{"type == 5", true},
		{"type != 5", false},
		{"msgid IN (1, 2, 3)", false},
		{"type in (1..5)", true},
		{"type NOT IN (1..4, 6)", true},
		{"sog > 10 AND sog <= 12.7", true},
		{"sog > 12.7", false},
		{"sog >= 12.70", true},
		{"name = 'HAVBRIS'", true},
		{`name = "havbris"`, false},
		{"status = moored", true},
		{"status IN (underway, moored)", true},
		{"pos.lat > 55 && pos.lat < 56", true},
		{"NOT type = 1", true},
		{"!(type = 5 || type = 1)", false},
		{"type = 1 OR (mmsi = 219000001 AND source = src1)", true},
		{"mmsi in (219000000..219999999)", true},
		{"name > 'A' and name < 'Z'", true},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			pred, err := Compile(tc.expr)
			require.NoError(t, err)
			require.Equal(t, tc.want, pred(p))
		})
	}
}

func TestCompileMissingFieldsEvaluateFalse(t *testing.T) {
	p := pkt(1, map[string]any{"name": "X"})
	for _, expr := range []string{
		"draught > 3",
		"draught != 3",
		"draught in (1, 2)",
		"name > 3",
		"pos.lat = 1",
	} {
		pred, err := Compile(expr)
		require.NoError(t, err, expr)
		require.False(t, pred(p), expr)
	}

	for _, expr := range []string{
		"NOT draught > 3",
		"draught NOT IN (1, 2)",
		"NOT (draught > 3 OR name = X)",
		"NOT NOT draught > 3",
	} {
		pred, err := Compile(expr)
		require.NoError(t, err, expr)
		require.False(t, pred(p), expr)
	}
}

func TestCompileNegationOverPresentFields(t *testing.T) {
	p := pkt(1, map[string]any{"name": "X", "draught": 2})
	for expr, want := range map[string]bool{
		"NOT draught > 3":               true,
		"NOT draught < 3":               false,
		"draught NOT IN (1, 3)":         true,
		"draught NOT IN (1..3)":         false,
		"NOT (draught > 3 OR name = Y)": true,
		"NOT NOT draught < 3":           true,
	} {
		pred, err := Compile(expr)
		require.NoError(t, err, expr)
		require.Equal(t, want, pred(p), expr)
	}
}

func TestCompileSyntaxErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"type =",
		"type 5",
		"(type = 1",
		"type = 1)",
		"type IN 1, 2",
		"type IN ()",
		"type IN (3..1)",
		"type IN (a..b)",
		"type = 'open",
		"type = 1 AND",
		"type = 1 & type = 2",
		"= 5",
		"type NOT 5",
		"type # 1",
	} {
		_, err := Compile(expr)
		require.Error(t, err, expr)
		require.True(t, errors.Is(err, errs.ErrFilterSyntax), "expr %q: %v", expr, err)
	}
}

func TestCompileScript(t *testing.T) {
	p := pkt(18, map[string]any{"sog": 3.5, "name": "ALFA"})

	pred, err := Compile("js: type === 18 && fields.sog > 3")
	require.NoError(t, err)
	require.True(t, pred(p))

	pred, err = Compile("js: fields.missing.deep === 1")
	require.NoError(t, err)
	require.False(t, pred(p))

	pred, err = Compile("js: 'not a bool'")
	require.NoError(t, err)
	require.False(t, pred(p))

	_, err = Compile("js: type ===")
	require.True(t, errors.Is(err, errs.ErrFilterSyntax))
}

func TestCompileScriptCannotModifyPacket(t *testing.T) {
	p := pkt(1, map[string]any{"pos": map[string]any{"lat": 55.0}})

	pred, err := Compile("js: (fields.pos.lat = 0, fields.added = true, true)")
	require.NoError(t, err)
	require.True(t, pred(p))
	require.True(t, pred(p))

	v, ok := p.Field("pos.lat")
	require.True(t, ok)
	require.Equal(t, 55.0, v)
	_, ok = p.Field("added")
	require.False(t, ok)
}

func TestMustCompilePanicsOnError(t *testing.T) {
	require.Panics(t, func() { MustCompile("type =") })
	require.NotPanics(t, func() { MustCompile("type = 1") })
}
