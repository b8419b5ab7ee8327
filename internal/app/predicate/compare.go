package predicate

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

type literal struct {
	text    string
	num     decimal.Decimal
	numeric bool
}

// compareValue orders a field value against a literal. ok is false when the
// two cannot be compared, which callers treat as a failed comparison.
func compareValue(v any, lit literal) (int, bool) {
	if lit.numeric {
		d, ok := toDecimal(v)
		if !ok {
			return 0, false
		}
		return d.Cmp(lit.num), true
	}
	s, ok := toText(v)
	if !ok {
		return 0, false
	}
	return strings.Compare(s, lit.text), true
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int8:
		return decimal.NewFromInt(int64(n)), true
	case int16:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.RequireFromString(strconv.FormatUint(uint64(n), 10)), true
	case uint8:
		return decimal.NewFromInt(int64(n)), true
	case uint16:
		return decimal.NewFromInt(int64(n)), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		return decimal.RequireFromString(strconv.FormatUint(n, 10)), true
	case float32:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat32(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	case decimal.Decimal:
		return n, true
	case json.Number:
		d, err := decimal.NewFromString(string(n))
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func toText(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	case fmt.Stringer:
		return s.String(), true
	case bool:
		if s {
			return "true", true
		}
		return "false", true
	case nil:
		return "", false
	default:
		if d, ok := toDecimal(v); ok {
			return d.String(), true
		}
		return "", false
	}
}
