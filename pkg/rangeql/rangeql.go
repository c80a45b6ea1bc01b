// Package rangeql is the Go rendering of spec.md §6's `range` tagged
// template DSL. Go has no tagged template literals, so the comparison
// chain the original expresses as `range\`>= ${20} & <= ${30}\`` is built
// here as Build(GTE(20), LTE(30)) — a small fluent bound list instead of
// a string-parsed expression.
package rangeql

import (
	"time"

	"github.com/cuemby/relaydb/pkg/dberrors"
	"github.com/cuemby/relaydb/pkg/kvstore"
	"github.com/cuemby/relaydb/pkg/kvstore/keyenc"
)

type op int

const (
	opGT op = iota
	opGTE
	opLT
	opLTE
	opEQ
)

// Bound is one comparison clause; build one with GT, GTE, LT, LTE, or EQ.
type Bound struct {
	op    op
	value any
}

// GT builds a strict lower bound: key > v.
func GT(v any) Bound { return Bound{op: opGT, value: v} }

// GTE builds an inclusive lower bound: key >= v.
func GTE(v any) Bound { return Bound{op: opGTE, value: v} }

// LT builds a strict upper bound: key < v.
func LT(v any) Bound { return Bound{op: opLT, value: v} }

// LTE builds an inclusive upper bound: key <= v.
func LTE(v any) Bound { return Bound{op: opLTE, value: v} }

// EQ builds an only-key bound: key == v. Must be the sole bound passed
// to Build.
func EQ(v any) Bound { return Bound{op: opEQ, value: v} }

// Build assembles bounds into a kvstore.KeyRange. It rejects an empty
// bound list, more than one lower or upper bound, EQ combined with any
// other bound, and a lower bound that sorts above the upper bound
// (spec.md §8 scenario 7's `>=${69} & <${42}` rejection case).
func Build(bounds ...Bound) (*kvstore.KeyRange, error) {
	if len(bounds) == 0 {
		return nil, dberrors.New(dberrors.SchemaInvalid, "rangeql: at least one bound is required")
	}

	var lower, upper *Bound
	for i := range bounds {
		b := bounds[i]
		switch b.op {
		case opEQ:
			if len(bounds) != 1 {
				return nil, dberrors.New(dberrors.SchemaInvalid, "rangeql: EQ cannot be combined with other bounds")
			}
			key, err := keyenc.Part(b.value)
			if err != nil {
				return nil, dberrors.Wrap(dberrors.SchemaInvalid, err, "rangeql: encode EQ bound")
			}
			r := kvstore.Only(key)
			return &r, nil
		case opGT, opGTE:
			if lower != nil {
				return nil, dberrors.New(dberrors.SchemaInvalid, "rangeql: only one lower bound is allowed")
			}
			lower = &b
		case opLT, opLTE:
			if upper != nil {
				return nil, dberrors.New(dberrors.SchemaInvalid, "rangeql: only one upper bound is allowed")
			}
			upper = &b
		}
	}

	switch {
	case lower != nil && upper != nil:
		cmp, err := compare(lower.value, upper.value)
		if err != nil {
			return nil, err
		}
		if cmp > 0 {
			return nil, dberrors.New(dberrors.SchemaInvalid, "rangeql: lower bound %v is greater than upper bound %v", lower.value, upper.value)
		}
		lowKey, err := keyenc.Part(lower.value)
		if err != nil {
			return nil, dberrors.Wrap(dberrors.SchemaInvalid, err, "rangeql: encode lower bound")
		}
		upKey, err := keyenc.Part(upper.value)
		if err != nil {
			return nil, dberrors.Wrap(dberrors.SchemaInvalid, err, "rangeql: encode upper bound")
		}
		r := kvstore.BoundRange(lowKey, upKey, lower.op == opGT, upper.op == opLT)
		return &r, nil

	case lower != nil:
		key, err := keyenc.Part(lower.value)
		if err != nil {
			return nil, dberrors.Wrap(dberrors.SchemaInvalid, err, "rangeql: encode lower bound")
		}
		r := kvstore.LowerBoundRange(key, lower.op == opGT)
		return &r, nil

	default: // upper != nil
		key, err := keyenc.Part(upper.value)
		if err != nil {
			return nil, dberrors.Wrap(dberrors.SchemaInvalid, err, "rangeql: encode upper bound")
		}
		r := kvstore.UpperBoundRange(key, upper.op == opLT)
		return &r, nil
	}
}

// compare orders two bound values of the same comparable kind, the way
// keyenc.Part's supported types (number, string, bool excluded, time) do
// once encoded. Mismatched types are rejected rather than silently
// compared byte-wise.
func compare(a, b any) (int, error) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, nil
		case as > bs:
			return 1, nil
		default:
			return 0, nil
		}
	}

	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok && bok {
		switch {
		case at.Before(bt):
			return -1, nil
		case at.After(bt):
			return 1, nil
		default:
			return 0, nil
		}
	}

	return 0, dberrors.New(dberrors.SchemaInvalid, "rangeql: bounds %v (%T) and %v (%T) are not comparable", a, a, b, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
