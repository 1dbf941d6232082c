package partitioner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danthegoodman1/icepart/part"
	"github.com/spaolacci/murmur3"
)

type (
	// PartitionPlan is one element of a partition key: a function applied to columns.
	PartitionPlan struct {
		Func string
		Args []string
	}

	PartitionFunc func(row map[string]any, args []string) (string, error)
)

var (
	Functions = make(map[string]PartitionFunc)

	ErrFuncNotFound = errors.New("partition function not found")
	ErrBadKey       = errors.New("bad partition key")

	ErrMissingArgs       = errors.New("missing args")
	ErrMissingColumns    = errors.New("missing one or more columns specified in args")
	ErrInvalidColumnType = errors.New("invalid column type")
)

// IdentityFunc is the function of a bare column in a partition key.
const IdentityFunc = "identity"

var timeLayouts = []string{"2006-01-02 15:04:05", "2006-01-02", "2006-01-02T15:04:05.000Z", time.RFC3339Nano}

func init() {
	RegisterFunctions()
}

func timeFunc(format func(t time.Time) string) PartitionFunc {
	return func(row map[string]any, args []string) (string, error) {
		t, err := parseTimeFunc(row, args)
		if err != nil {
			return "", fmt.Errorf("error in parseTimeFunc: %w", err)
		}
		return format(t), nil
	}
}

func RegisterFunctions() {
	Functions[IdentityFunc] = identity
	Functions["toYYYYMM"] = timeFunc(func(t time.Time) string {
		return fmt.Sprintf("%04d%02d", t.Year(), int(t.Month()))
	})
	Functions["toYYYYMMDD"] = timeFunc(func(t time.Time) string {
		return fmt.Sprintf("%04d%02d%02d", t.Year(), int(t.Month()), t.Day())
	})
	Functions["toMonday"] = timeFunc(func(t time.Time) string {
		offset := (int(t.Weekday()) + 6) % 7
		m := t.AddDate(0, 0, -offset)
		return fmt.Sprintf("%04d%02d%02d", m.Year(), int(m.Month()), m.Day())
	})
	Functions["toDay"] = timeFunc(func(t time.Time) string {
		return fmt.Sprint(t.Day())
	})
	Functions["toMonth"] = timeFunc(func(t time.Time) string {
		return fmt.Sprint(int(t.Month()))
	})
	Functions["toYear"] = timeFunc(func(t time.Time) string {
		return fmt.Sprint(t.Year())
	})
	Functions["toYearDay"] = timeFunc(func(t time.Time) string {
		return fmt.Sprint(t.YearDay())
	})
	Functions["toYearWeek"] = timeFunc(func(t time.Time) string {
		y, w := t.ISOWeek()
		return fmt.Sprintf("%04d%02d", y, w)
	})
	Functions["toWeekDay"] = timeFunc(func(t time.Time) string {
		return fmt.Sprint(int(t.Weekday()))
	})
}

// ParseKey parses a partition_by expression: empty or tuple() for a single
// partition, a column, a function of a column, or a tuple of those.
func ParseKey(expr string) ([]PartitionPlan, error) {
	expr = strings.TrimSpace(expr)
	if inner, ok := strings.CutPrefix(expr, "tuple("); ok {
		if !strings.HasSuffix(inner, ")") {
			return nil, fmt.Errorf("%w: %q", ErrBadKey, expr)
		}
		expr = strings.TrimSpace(strings.TrimSuffix(inner, ")"))
	}
	if expr == "" {
		return nil, nil
	}

	var plans []PartitionPlan
	for _, elem := range splitTopLevel(expr) {
		elem = strings.TrimSpace(elem)
		open := strings.IndexByte(elem, '(')
		if open < 0 {
			if !isIdent(elem) {
				return nil, fmt.Errorf("%w: %q", ErrBadKey, elem)
			}
			plans = append(plans, PartitionPlan{Func: IdentityFunc, Args: []string{elem}})
			continue
		}
		if !strings.HasSuffix(elem, ")") {
			return nil, fmt.Errorf("%w: %q", ErrBadKey, elem)
		}
		name := elem[:open]
		if _, ok := Functions[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrFuncNotFound, name)
		}
		var args []string
		for _, a := range strings.Split(elem[open+1:len(elem)-1], ",") {
			if a = strings.TrimSpace(a); a != "" {
				args = append(args, a)
			}
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingArgs, name)
		}
		plans = append(plans, PartitionPlan{Func: name, Args: args})
	}
	return plans, nil
}

// Columns lists the columns a partition key reads.
func Columns(plans []PartitionPlan) []string {
	var cols []string
	for _, p := range plans {
		for _, a := range p.Args {
			if a != "now()" {
				cols = append(cols, a)
			}
		}
	}
	return cols
}

// GetRowPartition computes the partition id of a row. Elements of a composite key
// are joined with '-'.
func GetRowPartition(row map[string]any, partitioners []PartitionPlan) (string, error) {
	if len(partitioners) == 0 {
		return part.AllPartition, nil
	}
	var finalParts []string
	for _, partFunc := range partitioners {
		f, ok := Functions[partFunc.Func]
		if !ok {
			return "", ErrFuncNotFound
		}

		s, err := f(row, partFunc.Args)
		if err != nil {
			return "", fmt.Errorf("error processing partition function %s: %w", partFunc.Func, err)
		}
		finalParts = append(finalParts, s)
	}
	id := strings.Join(finalParts, "-")
	if !part.ValidPartitionID(id) {
		return "", fmt.Errorf("%w: partition id %q", ErrBadKey, id)
	}
	return id, nil
}

func identity(row map[string]any, args []string) (string, error) {
	if len(args) != 1 {
		return "", ErrMissingArgs
	}
	value, exists := row[args[0]]
	if !exists {
		return "", ErrMissingColumns
	}
	switch v := value.(type) {
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case string:
		h1, h2 := murmur3.Sum128([]byte(v))
		return fmt.Sprintf("%016x%016x", h1, h2), nil
	default:
		return "", ErrInvalidColumnType
	}
}

func parseTimeFunc(row map[string]any, args []string) (t time.Time, err error) {
	if len(args) == 0 {
		err = ErrMissingArgs
		return
	}

	key := args[0]

	if key == "now()" {
		t = time.Now().UTC()
		return
	}
	value, exists := row[key]
	if !exists {
		err = ErrMissingColumns
		return
	}

	switch v := value.(type) {
	case string:
		for _, layout := range timeLayouts {
			if t, err = time.Parse(layout, v); err == nil {
				return
			}
		}
		err = fmt.Errorf("error in time.Parse for string %q: %w", v, err)
	case float64:
		// JSON numbers are epoch milliseconds
		t = time.UnixMilli(int64(v)).UTC()
	default:
		err = ErrInvalidColumnType
	}
	return
}

func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}
