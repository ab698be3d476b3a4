// Package equivalence implements the CES equivalence predicate: whether two
// code entity state records describe the same snapshot of an entity, modulo
// the identity and linkage fields that differ between otherwise-identical
// records by construction.
package equivalence

import (
	"math"
	"reflect"

	"github.com/srknzl/ces-compact/internal/cerrors"
	"github.com/srknzl/ces-compact/internal/models"
)

// Equal reports whether a and b are equivalent: every attribute key present
// on either side, excluding models.ExcludedAttributes, compares equal.
// Missing-on-one-side is treated as inequality, never as a wildcard match.
// An indeterminate comparison counts as not equivalent.
func Equal(a, b models.CES) bool {
	eq, err := Compare(a, b)
	return err == nil && eq
}

// Compare is Equal with the failure mode surfaced: if any attribute carries a
// value the comparator has no rule for, it returns an EquivalenceIndeterminate
// error so the caller can log the commit and keep the record rather than
// risking a wrong deletion.
func Compare(a, b models.CES) (bool, error) {
	return equalAttributes(a.Attributes, b.Attributes)
}

func equalAttributes(a, b map[string]interface{}) (bool, error) {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		if _, excluded := models.ExcludedAttributes[k]; !excluded {
			keys[k] = struct{}{}
		}
	}
	for k := range b {
		if _, excluded := models.ExcludedAttributes[k]; !excluded {
			keys[k] = struct{}{}
		}
	}

	for k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if aok != bok {
			return false, nil
		}
		eq, err := valuesEqual(av, bv)
		if err != nil {
			return false, err
		}
		if !eq {
			return false, nil
		}
	}
	return true, nil
}

// valuesEqual compares a single attribute's value, recursing into nested
// maps by key union and tolerating NaN == NaN for floating-point values.
func valuesEqual(a, b interface{}) (bool, error) {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			if math.IsNaN(af) && math.IsNaN(bf) {
				return true, nil
			}
			return af == bf, nil
		}
		return false, nil
	}

	am, amok := a.(map[string]interface{})
	bm, bmok := b.(map[string]interface{})
	if amok || bmok {
		if !amok || !bmok {
			return false, nil
		}
		return mapsEqual(am, bm)
	}

	as, asok := a.([]interface{})
	bs, bsok := b.([]interface{})
	if asok || bsok {
		if !asok || !bsok || len(as) != len(bs) {
			return false, nil
		}
		for i := range as {
			eq, err := valuesEqual(as[i], bs[i])
			if err != nil || !eq {
				return eq, err
			}
		}
		return true, nil
	}

	if !canCompare(a) || !canCompare(b) {
		return false, cerrors.EquivalenceIndeterminate(
			"attribute value has no comparison rule").
			WithContext("type_a", reflect.TypeOf(a)).
			WithContext("type_b", reflect.TypeOf(b))
	}
	return reflect.DeepEqual(a, b), nil
}

// mapsEqual compares two nested attribute maps by full key union, with no
// exclusion set applied (exclusions only apply at the top level).
func mapsEqual(a, b map[string]interface{}) (bool, error) {
	if len(a) != len(b) {
		return false, nil
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false, nil
		}
		eq, err := valuesEqual(av, bv)
		if err != nil || !eq {
			return eq, err
		}
	}
	return true, nil
}

// canCompare rejects value kinds DeepEqual would compare by reference
// identity rather than content; such values cannot come out of the store's
// property maps, so hitting one means the record is malformed.
func canCompare(v interface{}) bool {
	if v == nil {
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return false
	default:
		return true
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
