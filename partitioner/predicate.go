package partitioner

import (
	"fmt"
	"strings"

	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/utils"
)

type Operator string

const (
	All Operator = ""
	EQ  Operator = "EQ"
	IN  Operator = "IN"
	GT  Operator = "GT"
	GTE Operator = "GTE"
	LT  Operator = "LT"
	LTE Operator = "LTE"
)

// Predicate selects partitions by id. The zero value selects every partition.
type Predicate struct {
	Operator Operator `json:"operator,omitempty"`
	Values   []string `json:"values,omitempty"`
}

var symbols = []struct {
	sym string
	op  Operator
}{
	{">=", GTE}, {"<=", LTE}, {">", GT}, {"<", LT}, {"=", EQ},
}

// ParsePredicate accepts ALL, tuple() (the single partition of an unpartitioned
// table), a partition id, IN a,b,c, or a comparison such as >= 202301.
func ParsePredicate(s string) (Predicate, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || strings.EqualFold(s, "ALL"):
		return Predicate{}, nil
	case s == "tuple()":
		return Predicate{Operator: EQ, Values: []string{part.AllPartition}}, nil
	}

	if rest, ok := cutFold(s, "IN "); ok {
		var vals []string
		rest = strings.Trim(strings.TrimSpace(rest), "()")
		for _, v := range strings.Split(rest, ",") {
			if v = unquote(v); v != "" {
				vals = append(vals, v)
			}
		}
		p := Predicate{Operator: IN, Values: vals}
		return p, p.Validate()
	}
	for _, sy := range symbols {
		if rest, ok := strings.CutPrefix(s, sy.sym); ok {
			p := Predicate{Operator: sy.op, Values: []string{unquote(rest)}}
			return p, p.Validate()
		}
	}
	p := Predicate{Operator: EQ, Values: []string{unquote(s)}}
	return p, p.Validate()
}

func (p Predicate) Validate() error {
	switch p.Operator {
	case All:
		return nil
	case IN:
		if len(p.Values) == 0 {
			return fmt.Errorf("IN needs at least one partition id")
		}
	case EQ, GT, GTE, LT, LTE:
		if len(p.Values) != 1 {
			return fmt.Errorf("%s needs exactly one partition id", p.Operator)
		}
	default:
		return fmt.Errorf("unknown partition operator %q", p.Operator)
	}
	for _, v := range p.Values {
		if !part.ValidPartitionID(v) {
			return fmt.Errorf("bad partition id %q", v)
		}
	}
	return nil
}

// Matches compares partition ids as strings, which orders the fixed-width date
// partition ids correctly.
func (p Predicate) Matches(id string) bool {
	switch p.Operator {
	case All:
		return true
	case EQ:
		return id == p.Values[0]
	case IN:
		return utils.ContainsString(p.Values, id)
	case GT:
		return id > p.Values[0]
	case GTE:
		return id >= p.Values[0]
	case LT:
		return id < p.Values[0]
	case LTE:
		return id <= p.Values[0]
	default:
		return false
	}
}

func (p Predicate) String() string {
	switch p.Operator {
	case All:
		return "ALL"
	case IN:
		return "IN " + strings.Join(p.Values, ",")
	default:
		return string(p.Operator) + " " + strings.Join(p.Values, ",")
	}
}

func cutFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `'"`)
}
