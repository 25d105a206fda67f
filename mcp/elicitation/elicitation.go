// Package elicitation validates elicitation/create exchanges on the client
// side: the restricted object schema a server sends, and the content a user
// supplies in response to it. The schema builders are convenient for fake
// servers in tests and for callers composing schemas by hand.
package elicitation

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/ggoodman/mcp-client-go/mcp"
)

// ObjectPart applies a transformation to an ElicitationSchema under construction.
type ObjectPart interface{ apply(*mcp.ElicitationSchema) }

type partFn func(*mcp.ElicitationSchema)

func (f partFn) apply(s *mcp.ElicitationSchema) { f(s) }

// ObjectSchema builds an object-shaped ElicitationSchema from parts.
func ObjectSchema(parts ...ObjectPart) mcp.ElicitationSchema {
	s := mcp.ElicitationSchema{
		Type:       "object",
		Properties: make(map[string]mcp.PrimitiveSchemaDefinition),
	}
	for _, p := range parts {
		p.apply(&s)
	}
	return s
}

// PropString adds a string property.
func PropString(name, description string) ObjectPart {
	ps := mcp.PrimitiveSchemaDefinition{Type: "string", Description: description}
	return partFn(func(s *mcp.ElicitationSchema) { s.Properties[name] = ps })
}

// PropNumber adds a number property with optional inclusive bounds.
func PropNumber(name, description string, minimum, maximum *float64) ObjectPart {
	ps := mcp.PrimitiveSchemaDefinition{Type: "number", Description: description, Minimum: minimum, Maximum: maximum}
	return partFn(func(s *mcp.ElicitationSchema) { s.Properties[name] = ps })
}

// PropBool adds a boolean property.
func PropBool(name, description string) ObjectPart {
	ps := mcp.PrimitiveSchemaDefinition{Type: "boolean", Description: description}
	return partFn(func(s *mcp.ElicitationSchema) { s.Properties[name] = ps })
}

// PropEnum adds a string enum property.
func PropEnum(name, description string, values ...string) ObjectPart {
	ps := mcp.PrimitiveSchemaDefinition{Type: "string", Description: description}
	ps.Enum = make([]any, len(values))
	for i, v := range values {
		ps.Enum[i] = v
	}
	return partFn(func(s *mcp.ElicitationSchema) { s.Properties[name] = ps })
}

// Required marks properties required.
func Required(names ...string) ObjectPart {
	return partFn(func(s *mcp.ElicitationSchema) { s.Required = append(s.Required, names...) })
}

// ValidateSchema checks that a server supplied schema uses the restricted
// object shape: primitive properties only, required names that exist, sane
// bounds and unique enum values.
func ValidateSchema(s *mcp.ElicitationSchema) error {
	if s == nil {
		return errors.New("nil schema")
	}
	if s.Type != "object" {
		return errors.New("schema type must be object")
	}
	if len(s.Properties) == 0 {
		return errors.New("object schema requires at least one property")
	}
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return errors.New("required property missing: " + name)
		}
	}
	for name, prop := range s.Properties {
		switch prop.Type {
		case "string", "number", "integer", "boolean":
		case "":
			return errors.New("property " + name + " missing type")
		default:
			return fmt.Errorf("property %s has unsupported type %q", name, prop.Type)
		}
		if prop.Minimum != nil && prop.Maximum != nil && *prop.Minimum > *prop.Maximum {
			return errors.New("property " + name + " minimum greater than maximum")
		}
		if prop.MinLength != nil && prop.MaxLength != nil && *prop.MinLength > *prop.MaxLength {
			return errors.New("property " + name + " minLength greater than maxLength")
		}
		if len(prop.Enum) > 1 {
			uniq := map[any]struct{}{}
			for _, v := range prop.Enum {
				uniq[v] = struct{}{}
			}
			if len(uniq) != len(prop.Enum) {
				return errors.New("duplicate enum values for property " + name)
			}
		}
	}
	return nil
}

// ValidateContent checks user supplied content against the schema before it
// is returned to the server with an accept action. Unknown keys are rejected.
func ValidateContent(s *mcp.ElicitationSchema, content map[string]any) error {
	if err := ValidateSchema(s); err != nil {
		return err
	}
	for _, name := range s.Required {
		if _, ok := content[name]; !ok {
			return fmt.Errorf("missing required value %q", name)
		}
	}
	for name, v := range content {
		prop, ok := s.Properties[name]
		if !ok {
			return fmt.Errorf("unexpected value %q", name)
		}
		if err := validateValue(prop, v); err != nil {
			return fmt.Errorf("value %q: %w", name, err)
		}
	}
	return nil
}

func validateValue(prop mcp.PrimitiveSchemaDefinition, v any) error {
	switch prop.Type {
	case "string":
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if len(prop.Enum) > 0 && !slices.Contains(prop.Enum, any(str)) {
			return fmt.Errorf("%q is not one of the allowed values", str)
		}
		n := len([]rune(str))
		if prop.MinLength != nil && n < *prop.MinLength {
			return fmt.Errorf("shorter than %d characters", *prop.MinLength)
		}
		if prop.MaxLength != nil && n > *prop.MaxLength {
			return fmt.Errorf("longer than %d characters", *prop.MaxLength)
		}
	case "number", "integer":
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
		if prop.Type == "integer" && f != math.Trunc(f) {
			return errors.New("expected integer")
		}
		if prop.Minimum != nil && f < *prop.Minimum {
			return fmt.Errorf("below minimum %v", *prop.Minimum)
		}
		if prop.Maximum != nil && f > *prop.Maximum {
			return fmt.Errorf("above maximum %v", *prop.Maximum)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
