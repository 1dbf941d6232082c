package coltypes

import (
	"fmt"
	"strings"
	"time"
)

type (
	// Default is a parsed column default expression. Only literals and the
	// now()/today() functions are supported.
	Default struct {
		Expr  string
		typ   Type
		value any
		fn    string
	}
)

var nowFunc = time.Now

// ParseDefault parses expr as the default of a column of type t. An empty expression
// yields the type's zero value.
func ParseDefault(t Type, expr string) (Default, error) {
	d := Default{Expr: strings.TrimSpace(expr), typ: t}
	e := d.Expr
	switch {
	case e == "":
		d.value = t.Zero()
		return d, nil
	case strings.EqualFold(e, "now()"):
		if t != DateTime {
			return d, fmt.Errorf("%w: now() is only valid for DateTime, not %s", ErrBadValue, t)
		}
		d.fn = "now"
		return d, nil
	case strings.EqualFold(e, "today()"):
		if t != Date {
			return d, fmt.Errorf("%w: today() is only valid for Date, not %s", ErrBadValue, t)
		}
		d.fn = "today"
		return d, nil
	}

	if len(e) >= 2 && e[0] == '\'' && e[len(e)-1] == '\'' {
		lit := strings.ReplaceAll(e[1:len(e)-1], `\'`, `'`)
		v, err := Normalize(t, lit)
		if err != nil {
			return d, fmt.Errorf("error in Normalize for default %s: %w", e, err)
		}
		d.value = v
		return d, nil
	}
	if t == String {
		return d, fmt.Errorf("%w: String default must be quoted, got %s", ErrBadValue, e)
	}
	v, err := parseLiteral(t, e)
	if err != nil {
		return d, fmt.Errorf("error in parseLiteral for default %s: %w", e, err)
	}
	d.value = v
	return d, nil
}

// Value evaluates the default once. Callers synthesizing a whole column evaluate it
// once per part so every row of that part sees the same value.
func (d Default) Value() any {
	switch d.fn {
	case "now":
		return uint64(nowFunc().Unix())
	case "today":
		return uint64(nowFunc().Unix() / 86400)
	}
	if d.value == nil {
		return d.typ.Zero()
	}
	return d.value
}

// Fill returns n copies of the default value.
func (d Default) Fill(n int) []any {
	v := d.Value()
	out := make([]any, n)
	for i := range out {
		out[i] = v
	}
	return out
}
