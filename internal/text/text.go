// Package text renders structs as indented human readable key value lines.
package text

import (
	"fmt"
	"reflect"
	"strings"
)

// Marshal renders exported fields with a text tag. Nested structs are
// indented below their label and slices are joined with commas.
func Marshal(v any) (string, error) {
	var b strings.Builder
	err := marshal(&b, reflect.ValueOf(v), 0)
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

func marshal(b *strings.Builder, rv reflect.Value, level int) error {
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("only structs are supported, got %s", rv.Kind())
	}

	rt := rv.Type()
	indent := strings.Repeat("  ", level)
	for i := range rt.NumField() {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("text")
		if tag == "-" {
			continue
		}
		if tag == "" {
			return fmt.Errorf("field %s missing required text tag", field.Name)
		}
		fv := rv.Field(i)
		if isStruct(fv) {
			fmt.Fprintf(b, "%s%s:\n", indent, tag)
			err := marshal(b, fv, level+1)
			if err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(b, "%s%s: %s\n", indent, tag, format(fv))
	}
	return nil
}

func isStruct(v reflect.Value) bool {
	if _, ok := v.Interface().(fmt.Stringer); ok {
		return false
	}
	if v.Kind() == reflect.Pointer {
		return v.Type().Elem().Kind() == reflect.Struct
	}
	return v.Kind() == reflect.Struct
}

func format(v reflect.Value) string {
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		if _, ok := v.Interface().(fmt.Stringer); !ok {
			items := make([]string, 0, v.Len())
			for i := range v.Len() {
				items = append(items, fmt.Sprint(v.Index(i).Interface()))
			}
			return strings.Join(items, ", ")
		}
	}
	return fmt.Sprint(v.Interface())
}
