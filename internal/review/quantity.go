package review

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	fractionRe = regexp.MustCompile(`^(\d+)\s*/\s*(\d+)$`)
	mixedRe    = regexp.MustCompile(`^(\d+)\s+(\d+)\s*/\s*(\d+)$`)
	decimalRe  = regexp.MustCompile(`^[+-]?(\d+([.,]\d*)?|[.,]\d+)$`)
)

// ParseQuantity converts a free-form quantity into a finite number. It
// accepts numbers, numeric strings, simple fractions ("1/2") and mixed
// fractions ("1 1/2"). Anything else, including a zero denominator, yields
// nil. ParseQuantity never panics and ParseQuantity(ParseQuantity(v)) equals
// ParseQuantity(v).
func ParseQuantity(v any) *float64 {
	switch q := v.(type) {
	case nil:
		return nil
	case *float64:
		if q == nil {
			return nil
		}
		return finite(*q)
	case float64:
		return finite(q)
	case float32:
		return finite(float64(q))
	case int:
		return finite(float64(q))
	case int64:
		return finite(float64(q))
	case int32:
		return finite(float64(q))
	case json.Number:
		return parseQuantityString(q.String())
	case string:
		return parseQuantityString(q)
	default:
		return nil
	}
}

func parseQuantityString(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if m := fractionRe.FindStringSubmatch(s); m != nil {
		return divide(0, m[1], m[2])
	}
	if m := mixedRe.FindStringSubmatch(s); m != nil {
		whole, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil
		}
		return divide(whole, m[2], m[3])
	}
	if !decimalRe.MatchString(s) {
		return nil
	}
	f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil {
		return nil
	}
	return finite(f)
}

func divide(whole float64, num, den string) *float64 {
	a, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return nil
	}
	b, err := strconv.ParseFloat(den, 64)
	if err != nil || b == 0 {
		return nil
	}
	return finite(whole + a/b)
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
