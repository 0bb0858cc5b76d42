package toolkit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// arg is one keyword argument of a rendered call. Order is preserved so the
// scripts read like the hand-written ones.
type arg struct {
	name  string
	value any
}

// pyLiteral renders v as a Python literal.
func pyLiteral(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "None", nil
	case string:
		return pyString(x)
	case bool:
		if x {
			return "True", nil
		}
		return "False", nil
	case int:
		return strconv.Itoa(x), nil
	case float64:
		return pyFloat(x)
	case []string:
		return pyList(len(x), func(i int) (string, error) { return pyString(x[i]) })
	case []int:
		return pyList(len(x), func(i int) (string, error) { return strconv.Itoa(x[i]), nil })
	case []float64:
		return pyList(len(x), func(i int) (string, error) { return pyFloat(x[i]) })
	default:
		return "", fmt.Errorf("toolkit: no python literal for %T", v)
	}
}

// pyString quotes s for Python 2 and 3 alike. Only valid printable UTF-8 is
// accepted: for that strconv.Quote escapes nothing but \" and \\, while the
// \x and \u escapes it uses otherwise decode differently in a Python 2 str.
func pyString(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("toolkit: %q is not valid UTF-8", s)
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return "", fmt.Errorf("toolkit: unsupported character %U in %q", r, s)
		}
	}
	return strconv.Quote(s), nil
}

// pyFloat always yields a float literal: -2 renders as -2.0.
func pyFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("toolkit: non-finite float %v", f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s, nil
}

func pyList(n int, item func(int) (string, error)) (string, error) {
	parts := make([]string, n)
	for i := range parts {
		s, err := item(i)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "[" + strings.Join(parts, ", ") + "]", nil
}

// pyCall renders fn(k=v, ...) with one keyword per line.
func pyCall(fn string, args []arg) (string, error) {
	var b strings.Builder
	b.WriteString(fn)
	b.WriteString("(\n")
	for _, a := range args {
		lit, err := pyLiteral(a.value)
		if err != nil {
			return "", fmt.Errorf("%s(%s=...): %w", fn, a.name, err)
		}
		fmt.Fprintf(&b, "    %s=%s,\n", a.name, lit)
	}
	b.WriteString(")\n")
	return b.String(), nil
}
