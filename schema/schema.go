// Package schema converts a form's field list to and from the JSON-Schema
// document used by the external forms provider:
//
//	{"type": "object", "properties": {...}, "required": [...]}
//
// Neither direction returns an error. Unreadable documents decode to an empty
// field list and unreadable option lists encode as plain strings.
package schema

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"formflip/models"
	"formflip/normalize"
)

// UIExtension marks a string property that should render as a textarea.
const UIExtension = "x-formflip-ui"

const keyPrefix = "field_"

type Property struct {
	Type        string   `json:"type"`
	Format      string   `json:"format,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	UI          string   `json:"x-formflip-ui,omitempty"`
}

type Entry struct {
	Key      string
	Property Property
}

// Properties keeps schema properties in insertion order, which is also the
// order fields are presented in.
type Properties []Entry

type Document struct {
	Type       string     `json:"type"`
	Properties Properties `json:"properties"`
	Required   []string   `json:"required,omitempty"`
}

func (p Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valueBytes, err := json.Marshal(e.Property)
		if err != nil {
			return nil, err
		}
		buf.Write(valueBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Properties) UnmarshalJSON(data []byte) error {
	raw, err := orderedObject(data)
	if err != nil {
		return err
	}
	out := make(Properties, 0, len(raw))
	for _, kv := range raw {
		var prop Property
		if err := json.Unmarshal(kv.value, &prop); err != nil {
			return fmt.Errorf("property %q: %w", kv.key, err)
		}
		out = append(out, Entry{Key: kv.key, Property: prop})
	}
	*p = out
	return nil
}

// Get returns the property stored under key.
func (p Properties) Get(key string) (Property, bool) {
	for _, e := range p {
		if e.Key == key {
			return e.Property, true
		}
	}
	return Property{}, false
}

type encodeConfig struct {
	stableKeys bool
}

type EncodeOption func(*encodeConfig)

// WithStableKeys derives each property key from the field id instead of its
// position, so reordering fields keeps their keys. Fields without an id fall
// back to their position.
func WithStableKeys() EncodeOption {
	return func(c *encodeConfig) { c.stableKeys = true }
}

// Key returns the stable property key for a field id.
func Key(id uint) string {
	return keyPrefix + strconv.FormatUint(uint64(id), 10)
}

// KeyID extracts the id from a key of the form field_<id>.
func KeyID(key string) (uint, bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// Encode sorts fields by order and builds the schema document. By default the
// key of each property is field_<position> after sorting.
func Encode(fields []models.FormField, opts ...EncodeOption) Document {
	var cfg encodeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	sorted := slices.Clone(fields)
	slices.SortStableFunc(sorted, func(a, b models.FormField) int {
		return cmp.Compare(a.Order, b.Order)
	})

	doc := Document{Type: "object", Properties: make(Properties, 0, len(sorted))}
	for i, f := range sorted {
		key := keyPrefix + strconv.Itoa(i)
		if cfg.stableKeys && f.ID != 0 {
			key = Key(f.ID)
		}

		prop := propertyFor(f.Type, f.Options)
		prop.Title = f.Label
		if f.Placeholder != nil && *f.Placeholder != "" {
			prop.Description = *f.Placeholder
		}

		doc.Properties = append(doc.Properties, Entry{Key: key, Property: prop})
		if f.Required {
			doc.Required = append(doc.Required, key)
		}
	}
	return doc
}

// OptionsFromText is the entry point for option lists still in their stored
// JSON text form.
func OptionsFromText(raw string) models.Options {
	return normalize.ParseOptions(raw)
}

func propertyFor(t models.FieldType, options []string) Property {
	switch t {
	case models.FieldEmail:
		return Property{Type: "string", Format: "email"}
	case models.FieldNumber:
		return Property{Type: "number"}
	case models.FieldCheckbox:
		return Property{Type: "boolean"}
	case models.FieldSelect:
		if len(options) > 0 {
			return Property{Type: "string", Enum: slices.Clone(options)}
		}
		return Property{Type: "string"}
	case models.FieldTextarea:
		return Property{Type: "string", UI: "textarea"}
	default:
		return Property{Type: "string"}
	}
}

// DecodeDocument turns an in-memory document back into fields.
func DecodeDocument(doc Document) []models.FormField {
	fields := []models.FormField{}
	if doc.Type != "object" || doc.Properties == nil {
		return fields
	}
	required := make(map[string]bool, len(doc.Required))
	for _, k := range doc.Required {
		required[k] = true
	}
	for i, e := range doc.Properties {
		p := e.Property
		lp := looseProperty{
			typ:         p.Type,
			format:      p.Format,
			enum:        p.Enum,
			ui:          p.UI,
			title:       p.Title,
			hasTitle:    true,
			description: p.Description,
			hasDesc:     p.Description != "",
		}
		fields = append(fields, lp.field(e.Key, i, required[e.Key]))
	}
	return fields
}

// Decode reads a raw JSON document. Anything that is not an object with
// "type": "object" and a "properties" object decodes to an empty list.
func Decode(raw []byte) []models.FormField {
	fields := []models.FormField{}
	props, required, ok := parseDocument(raw)
	if !ok {
		return fields
	}
	for i, kv := range props {
		lp := parseLoose(kv.value)
		fields = append(fields, lp.field(kv.key, i, required[kv.key]))
	}
	return fields
}

// IsDocument reports whether Decode would read raw as a schema document rather
// than fall back to an empty list.
func IsDocument(raw []byte) bool {
	_, _, ok := parseDocument(raw)
	return ok
}

func parseDocument(raw []byte) ([]rawMember, map[string]bool, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		return nil, nil, false
	}
	var typ string
	if err := json.Unmarshal(top["type"], &typ); err != nil || typ != "object" {
		return nil, nil, false
	}
	propsRaw, ok := top["properties"]
	if !ok {
		return nil, nil, false
	}
	props, err := orderedObject(propsRaw)
	if err != nil {
		return nil, nil, false
	}

	required := map[string]bool{}
	var req []json.RawMessage
	if err := json.Unmarshal(top["required"], &req); err == nil {
		for _, r := range req {
			var k string
			if json.Unmarshal(r, &k) == nil {
				required[k] = true
			}
		}
	}
	return props, required, true
}

// looseProperty is a property read without failing on unexpected member types.
type looseProperty struct {
	typ, format, ui string
	enum            []string
	title           string
	hasTitle        bool
	description     string
	hasDesc         bool
}

func parseLoose(raw json.RawMessage) looseProperty {
	var lp looseProperty
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return lp
	}
	lp.typ, _ = stringMember(m, "type")
	lp.format, _ = stringMember(m, "format")
	lp.ui, _ = stringMember(m, UIExtension)
	lp.title, lp.hasTitle = stringMember(m, "title")
	lp.description, lp.hasDesc = stringMember(m, "description")

	var items []json.RawMessage
	if err := json.Unmarshal(m["enum"], &items); err == nil {
		for _, item := range items {
			var s string
			if json.Unmarshal(item, &s) == nil {
				lp.enum = append(lp.enum, s)
			} else {
				lp.enum = append(lp.enum, string(item))
			}
		}
	}
	return lp
}

func stringMember(m map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := m[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (lp looseProperty) field(key string, index int, required bool) models.FormField {
	var t models.FieldType
	switch {
	case lp.typ == "number":
		t = models.FieldNumber
	case lp.typ == "boolean":
		t = models.FieldCheckbox
	case lp.format == "email":
		t = models.FieldEmail
	case len(lp.enum) > 0:
		t = models.FieldSelect
	case lp.ui == "textarea":
		t = models.FieldTextarea
	default:
		t = models.FieldText
	}

	f := models.FormField{
		Key:      key,
		Type:     t,
		Required: required,
		Order:    index,
		Label:    fmt.Sprintf("Field %d", index+1),
	}
	if lp.hasTitle {
		f.Label = lp.title
	}
	if lp.hasDesc {
		desc := lp.description
		f.Placeholder = &desc
	}
	if t == models.FieldSelect {
		f.Options = slices.Clone(lp.enum)
	}
	return f
}

type rawMember struct {
	key   string
	value json.RawMessage
}

// orderedObject splits a JSON object into its members, keeping document order.
func orderedObject(data []byte) ([]rawMember, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var members []rawMember
	seen := map[string]int{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		// a repeated key overwrites the earlier value but keeps its position
		if idx, dup := seen[key]; dup {
			members[idx].value = value
			continue
		}
		seen[key] = len(members)
		members = append(members, rawMember{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return members, nil
}
