package storage

import (
	"fmt"
	"reflect"
	"strconv"
)

// Op is a filter comparison.
type Op int

const (
	OpEq Op = iota
	OpIn
	OpIsNull
)

// Predicate is one condition of a Filter.
type Predicate struct {
	Field  string
	Values []any
	Op     Op
}

// Filter is a conjunction of predicates. The zero Filter matches everything.
type Filter []Predicate

// Where builds a Filter from predicates.
func Where(ps ...Predicate) Filter { return Filter(ps) }

// Eq matches rows whose field equals v.
func Eq(field string, v any) Predicate {
	return Predicate{Field: field, Op: OpEq, Values: []any{v}}
}

// In matches rows whose field equals any of vs. An empty list matches nothing.
func In[T any](field string, vs ...T) Predicate {
	values := make([]any, len(vs))
	for i, v := range vs {
		values[i] = v
	}
	return Predicate{Field: field, Op: OpIn, Values: values}
}

// IsNull matches rows whose field is unset.
func IsNull(field string) Predicate {
	return Predicate{Field: field, Op: OpIsNull}
}

var orderFields = map[string]bool{
	"id": true, "tag": true, "contract_symbol": true, "position_id": true,
	"state": true, "quantity": true, "type": true, "side": true, "broker_id": true,
}

var positionFields = map[string]bool{
	"id": true, "contract_symbol": true, "state": true, "quantity": true, "broker_id": true,
}

func (f Filter) validate(allowed map[string]bool) error {
	for _, p := range f {
		if !allowed[p.Field] {
			return fmt.Errorf("%w: %q", ErrUnknownField, p.Field)
		}
		if p.Op == OpEq && len(p.Values) != 1 {
			return fmt.Errorf("filter %q: equality needs exactly one value", p.Field)
		}
	}
	return nil
}

// normalize converts typed strings and integers to their base kinds so
// models.OrderState("open") and "open" compare and bind the same way.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	}
	return rv.Interface()
}

// key renders a normalized value for in-memory comparison.
func key(v any) string {
	switch n := normalize(v).(type) {
	case nil:
		return "\x00null"
	case string:
		return n
	case int64:
		return strconv.FormatInt(n, 10)
	default:
		return fmt.Sprint(n)
	}
}

// matches evaluates the filter against a row accessor returning (value, isNull).
func (f Filter) matches(get func(field string) (any, bool)) bool {
	for _, p := range f {
		v, null := get(p.Field)
		switch p.Op {
		case OpIsNull:
			if !null {
				return false
			}
		case OpEq:
			if null || key(v) != key(p.Values[0]) {
				return false
			}
		case OpIn:
			if null {
				return false
			}
			k := key(v)
			found := false
			for _, want := range p.Values {
				if key(want) == k {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}
