package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// Schema is the subset of JSON Schema used by tool input schemas
type Schema struct {
	Type                 schemaTypes        `json:"type,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	AdditionalProperties json.RawMessage    `json:"additionalProperties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Enum                 []interface{}      `json:"enum,omitempty"`

	Minimum          *float64 `json:"minimum,omitempty"`
	Maximum          *float64 `json:"maximum,omitempty"`
	ExclusiveMinimum *float64 `json:"exclusiveMinimum,omitempty"`
	ExclusiveMaximum *float64 `json:"exclusiveMaximum,omitempty"`

	MinLength *int   `json:"minLength,omitempty"`
	MaxLength *int   `json:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty"`

	MinItems *int `json:"minItems,omitempty"`
	MaxItems *int `json:"maxItems,omitempty"`

	pattern      *regexp.Regexp
	noAdditional bool
	additional   *Schema
}

// schemaTypes accepts "type" as a single name or a list of names
type schemaTypes []string

func (t *schemaTypes) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*t = schemaTypes{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("type must be a string or an array of strings")
	}
	*t = many
	return nil
}

func (t schemaTypes) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// ParseSchema decodes and prepares an input schema. An empty schema accepts
// any object.
func ParseSchema(raw json.RawMessage) (*Schema, error) {
	s := &Schema{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	if err := s.prepare(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schema) prepare() error {
	if s.Pattern != "" {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", s.Pattern, err)
		}
		s.pattern = re
	}

	switch ap := bytes.TrimSpace(s.AdditionalProperties); {
	case len(ap) == 0, bytes.Equal(ap, []byte("true")):
	case bytes.Equal(ap, []byte("false")):
		s.noAdditional = true
	default:
		sub := &Schema{}
		if err := json.Unmarshal(ap, sub); err != nil {
			return fmt.Errorf("additionalProperties: %w", err)
		}
		s.additional = sub
	}

	for _, sub := range s.Properties {
		if sub == nil {
			continue
		}
		if err := sub.prepare(); err != nil {
			return err
		}
	}
	if s.Items != nil {
		if err := s.Items.prepare(); err != nil {
			return err
		}
	}
	if s.additional != nil {
		return s.additional.prepare()
	}
	return nil
}

// ValidateArguments checks args against the tool's input schema and returns
// every issue found. It never fails; an unreadable schema is itself an issue.
func ValidateArguments(tool protocol.Tool, args map[string]interface{}) []mcperrors.ValidationIssue {
	schema, err := ParseSchema(tool.InputSchema)
	if err != nil {
		return []mcperrors.ValidationIssue{{Message: "tool input schema is invalid: " + err.Error()}}
	}
	return schema.Validate(args)
}

// Validate checks an argument object against s
func (s *Schema) Validate(args map[string]interface{}) []mcperrors.ValidationIssue {
	if args == nil {
		args = map[string]interface{}{}
	}
	var issues []mcperrors.ValidationIssue
	s.validate("", args, &issues)
	return issues
}

func (s *Schema) validate(path string, value interface{}, issues *[]mcperrors.ValidationIssue) {
	add := func(msg, expected, actual string) {
		*issues = append(*issues, mcperrors.ValidationIssue{Path: path, Message: msg, Expected: expected, Actual: actual})
	}

	value = normalize(value)
	actual := jsonType(value)

	if len(s.Type) > 0 && !s.acceptsType(actual, value) {
		add("wrong type", joinTypes(s.Type), actual)
		return
	}

	if len(s.Enum) > 0 && !slices.ContainsFunc(s.Enum, func(e interface{}) bool {
		return reflect.DeepEqual(normalize(e), value)
	}) {
		add("value is not one of the allowed values", fmt.Sprint(s.Enum), fmt.Sprint(value))
	}

	switch v := value.(type) {
	case float64:
		s.validateNumber(v, add)
	case string:
		n := utf8.RuneCountInString(v)
		if s.MinLength != nil && n < *s.MinLength {
			add(fmt.Sprintf("string shorter than %d characters", *s.MinLength), "", strconv.Itoa(n))
		}
		if s.MaxLength != nil && n > *s.MaxLength {
			add(fmt.Sprintf("string longer than %d characters", *s.MaxLength), "", strconv.Itoa(n))
		}
		if s.pattern != nil && !s.pattern.MatchString(v) {
			add("string does not match pattern", s.Pattern, v)
		}
	case []interface{}:
		if s.MinItems != nil && len(v) < *s.MinItems {
			add(fmt.Sprintf("fewer than %d items", *s.MinItems), "", strconv.Itoa(len(v)))
		}
		if s.MaxItems != nil && len(v) > *s.MaxItems {
			add(fmt.Sprintf("more than %d items", *s.MaxItems), "", strconv.Itoa(len(v)))
		}
		if s.Items != nil {
			for i, item := range v {
				s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item, issues)
			}
		}
	case map[string]interface{}:
		s.validateObject(path, v, issues)
	}
}

func (s *Schema) validateNumber(v float64, add func(msg, expected, actual string)) {
	actual := strconv.FormatFloat(v, 'g', -1, 64)
	if s.Minimum != nil && v < *s.Minimum {
		add("number below minimum", ">= "+strconv.FormatFloat(*s.Minimum, 'g', -1, 64), actual)
	}
	if s.Maximum != nil && v > *s.Maximum {
		add("number above maximum", "<= "+strconv.FormatFloat(*s.Maximum, 'g', -1, 64), actual)
	}
	if s.ExclusiveMinimum != nil && v <= *s.ExclusiveMinimum {
		add("number not above exclusive minimum", "> "+strconv.FormatFloat(*s.ExclusiveMinimum, 'g', -1, 64), actual)
	}
	if s.ExclusiveMaximum != nil && v >= *s.ExclusiveMaximum {
		add("number not below exclusive maximum", "< "+strconv.FormatFloat(*s.ExclusiveMaximum, 'g', -1, 64), actual)
	}
}

func (s *Schema) validateObject(path string, obj map[string]interface{}, issues *[]mcperrors.ValidationIssue) {
	for _, name := range s.Required {
		if _, ok := obj[name]; ok {
			continue
		}
		expected := ""
		if prop := s.Properties[name]; prop != nil {
			expected = joinTypes(prop.Type)
		}
		*issues = append(*issues, mcperrors.ValidationIssue{
			Path:     joinPath(path, name),
			Message:  "required property is missing",
			Expected: expected,
		})
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		p := joinPath(path, k)
		if prop, ok := s.Properties[k]; ok {
			if prop != nil {
				prop.validate(p, obj[k], issues)
			}
			continue
		}
		switch {
		case s.noAdditional:
			*issues = append(*issues, mcperrors.ValidationIssue{
				Path:    p,
				Message: "additional property not allowed",
				Actual:  jsonType(normalize(obj[k])),
			})
		case s.additional != nil:
			s.additional.validate(p, obj[k], issues)
		}
	}
}

func (s *Schema) acceptsType(actual string, value interface{}) bool {
	for _, t := range s.Type {
		switch {
		case t == actual:
			return true
		case t == "integer" && actual == "number":
			if f, ok := value.(float64); ok && f == math.Trunc(f) && !math.IsInf(f, 0) {
				return true
			}
		}
	}
	return false
}

// normalize converts Go numeric kinds to float64 so that arguments built in
// code validate like arguments decoded from JSON.
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case nil, bool, string, float64, []interface{}, map[string]interface{}:
		return v
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	}

	// Structs, typed slices and typed maps take their JSON shape
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func joinTypes(types schemaTypes) string {
	switch len(types) {
	case 0:
		return ""
	case 1:
		return types[0]
	}
	out := types[0]
	for _, t := range types[1:] {
		out += "|" + t
	}
	return out
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// InputSchemaFor reflects T into a tool input schema. Properties without
// omitempty are required and unknown properties are rejected.
func InputSchemaFor[T any]() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	s := r.Reflect(new(T))
	s.Version = ""
	s.ID = ""
	if s.Type != "object" {
		return nil, fmt.Errorf("input schema for %T must describe an object, got %q", *new(T), s.Type)
	}
	return json.Marshal(s)
}

// DecodeArguments converts a validated argument map into T using its json tags
func DecodeArguments[T any](args map[string]interface{}) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, mcperrors.InternalError("create argument decoder", err)
	}
	if err := dec.Decode(args); err != nil {
		return out, mcperrors.InvalidParams(protocol.MethodCallTool, err.Error())
	}
	return out, nil
}
