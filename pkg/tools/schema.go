package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Schema describes the top-level object properties a tool accepts.
type Schema map[string]SchemaField

// SchemaField is one property of a Schema.
type SchemaField struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"-"`
	Items       string   `json:"-"` // element type for arrays
	MinLength   int      `json:"minLength,omitempty"`
	MaxLength   int      `json:"maxLength,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// JSONSchema renders the schema as a JSON Schema object with unknown
// properties disallowed.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s))
	required := make([]string, 0)
	for name, f := range s {
		p := map[string]any{"type": f.Type}
		if f.Description != "" {
			p["description"] = f.Description
		}
		if f.Type == "array" && f.Items != "" {
			p["items"] = map[string]any{"type": f.Items}
		}
		if f.MinLength > 0 {
			p["minLength"] = f.MinLength
		}
		if f.MaxLength > 0 {
			p["maxLength"] = f.MaxLength
		}
		if len(f.Enum) > 0 {
			p["enum"] = f.Enum
		}
		if f.Minimum != nil {
			p["minimum"] = *f.Minimum
		}
		if f.Maximum != nil {
			p["maximum"] = *f.Maximum
		}
		props[name] = p
		if f.Required {
			required = append(required, name)
		}
	}
	slices.Sort(required)
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// Validate checks raw JSON arguments against the schema and returns them
// decoded. Empty input is treated as an empty object.
func (s Schema) Validate(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
		}
		if args == nil {
			args = map[string]any{}
		}
	}

	for name := range args {
		if _, ok := s[name]; !ok {
			return nil, fmt.Errorf("unknown field: %s", name)
		}
	}

	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		field := s[name]
		val, exists := args[name]
		if !exists || val == nil {
			if field.Required {
				return nil, fmt.Errorf("missing required field: %s", name)
			}
			continue
		}
		if err := validateField(name, val, field); err != nil {
			return nil, err
		}
	}
	return args, nil
}

func validateField(name string, val any, field SchemaField) error {
	switch field.Type {
	case "string":
		str, ok := val.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string, got %s", name, jsonKind(val))
		}
		if field.Required && strings.TrimSpace(str) == "" {
			return fmt.Errorf("field %s: must not be empty", name)
		}
		if field.MinLength > 0 && len(str) < field.MinLength {
			return fmt.Errorf("field %s: string too short (min %d)", name, field.MinLength)
		}
		if field.MaxLength > 0 && len(str) > field.MaxLength {
			return fmt.Errorf("field %s: string too long (max %d)", name, field.MaxLength)
		}
		if len(field.Enum) > 0 && !slices.Contains(field.Enum, str) {
			return fmt.Errorf("field %s: value %q not in %v", name, str, field.Enum)
		}

	case "number", "integer":
		num, ok := val.(float64)
		if !ok {
			return fmt.Errorf("field %s: expected %s, got %s", name, field.Type, jsonKind(val))
		}
		if field.Type == "integer" && num != math.Trunc(num) {
			return fmt.Errorf("field %s: expected integer, got %v", name, num)
		}
		if field.Minimum != nil && num < *field.Minimum {
			return fmt.Errorf("field %s: value %v below minimum %v", name, num, *field.Minimum)
		}
		if field.Maximum != nil && num > *field.Maximum {
			return fmt.Errorf("field %s: value %v above maximum %v", name, num, *field.Maximum)
		}

	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("field %s: expected boolean, got %s", name, jsonKind(val))
		}

	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Errorf("field %s: expected object, got %s", name, jsonKind(val))
		}

	case "array":
		if _, ok := val.([]any); !ok {
			return fmt.Errorf("field %s: expected array, got %s", name, jsonKind(val))
		}
	}
	return nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// schemaFor reflects a Schema from a struct type's json, jsonschema and
// description tags. jsonschema accepts: required, minLength=, maxLength=,
// minimum=, maximum=, enum=a|b|c, description=.
func schemaFor[T any]() Schema {
	schema := make(Schema)
	typ := reflect.TypeFor[T]()
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return schema
	}

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		name := jsonFieldName(field.Tag.Get("json"), field.Name)
		if name == "-" {
			continue
		}

		sf := SchemaField{
			Type:        jsonType(field.Type),
			Description: field.Tag.Get("description"),
		}
		if sf.Type == "array" {
			sf.Items = jsonType(field.Type.Elem())
		}
		parseSchemaTag(field.Tag.Get("jsonschema"), &sf)
		schema[name] = sf
	}
	return schema
}

func jsonFieldName(tag, fallback string) string {
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return strings.ToLower(fallback)
	}
	return name
}

func jsonType(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}

func parseSchemaTag(tag string, f *SchemaField) {
	if tag == "" {
		return
	}
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		key, value, hasValue := strings.Cut(part, "=")
		if !hasValue {
			if key == "required" {
				f.Required = true
			}
			continue
		}
		switch key {
		case "minLength":
			if n, err := strconv.Atoi(value); err == nil {
				f.MinLength = n
			}
		case "maxLength":
			if n, err := strconv.Atoi(value); err == nil {
				f.MaxLength = n
			}
		case "minimum":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				f.Minimum = &v
			}
		case "maximum":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				f.Maximum = &v
			}
		case "enum":
			f.Enum = strings.Split(value, "|")
		case "description":
			f.Description = value
		}
	}
}
