package engine

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/mark3labs/oas2mcp/internal/spec"
)

// checkArgs rejects unknown names, missing required slots and values whose
// kind does not match the declared schema type. Nothing is coerced.
func checkArgs(cs *CombinedSchema, args Args) error {
	unknown := make([]string, 0)
	for name := range args {
		if _, ok := cs.Lookup(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &ValidationError{Field: unknown[0], Message: "unknown argument"}
	}
	for _, s := range cs.Slots {
		v, ok := args[s.ExposedName]
		if !ok || v.IsNull() {
			if s.Required {
				return &ValidationError{Field: s.ExposedName, Message: "required argument is missing"}
			}
			continue
		}
		if err := checkType(s.ExposedName, s.Schema, v); err != nil {
			return err
		}
	}
	return nil
}

// checkType is a shallow structural check. Null is accepted anywhere below
// the top level since the serializers omit it.
func checkType(path string, s *spec.Schema, v Value) error {
	if s == nil || v.IsNull() {
		return nil
	}
	mismatch := func() error {
		return &ValidationError{
			Field:   path,
			Message: fmt.Sprintf("expected %s, got %s", s.Type, v.Kind()),
		}
	}
	switch s.Type {
	case "string":
		if v.Kind() != KindString {
			return mismatch()
		}
	case "integer":
		if !v.IsInteger() {
			return mismatch()
		}
	case "number":
		if v.Kind() != KindNumber {
			return mismatch()
		}
	case "boolean":
		if v.Kind() != KindBool {
			return mismatch()
		}
	case "array":
		if v.Kind() != KindArray {
			return mismatch()
		}
		for i, it := range v.Items() {
			if err := checkType(path+"["+strconv.Itoa(i)+"]", s.Items, it); err != nil {
				return err
			}
		}
	case "object":
		if v.Kind() != KindObject {
			return mismatch()
		}
		for _, f := range v.Fields() {
			if err := checkType(path+"."+f.Name, s.Property(f.Name), f.Value); err != nil {
				return err
			}
		}
	}
	return nil
}
