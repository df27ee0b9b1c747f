// Package template handles proposal templates: the vendor-extended
// JSON-Schema-like objects describing what fields a proposal must carry in a
// given process instance. Stored templates exist in three historical
// generations; parsing and resolution must stay tolerant of all of them.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Reserved system field keys. Dynamic template properties must not reuse
// them; when one does, the system interpretation wins.
const (
	KeyTitle    = "title"
	KeyCategory = "category"
	KeyBudget   = "budget"
)

// Field formats carried in the x-format vendor extension.
const (
	FormatShortText = "short-text"
	FormatLongText  = "long-text"
	FormatMoney     = "money"
	FormatDropdown  = "dropdown"
	FormatCategory  = "category"
)

// Template is a parsed proposal template.
type Template struct {
	Type       string                 `json:"type"`
	Properties map[string]FieldSchema `json:"properties"`
	Required   []string               `json:"required,omitempty"`
	FieldOrder []string               `json:"x-field-order,omitempty"`

	// propertyOrder preserves the declaration order of Properties, which a
	// Go map cannot. Populated by Parse.
	propertyOrder []string
}

// FieldSchema is one property of a template. Enum and OneOf are the two
// generations of choice declarations; Properties carries sub-schemas for
// object fields such as money's amount/currency.
type FieldSchema struct {
	Type       string                 `json:"type,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Format     string                 `json:"x-format,omitempty"`
	MinLength  *int                   `json:"minLength,omitempty"`
	MaxLength  *int                   `json:"maxLength,omitempty"`
	Minimum    *float64               `json:"minimum,omitempty"`
	Maximum    *float64               `json:"maximum,omitempty"`
	Enum       []any                  `json:"enum,omitempty"`
	OneOf      []ConstOption          `json:"oneOf,omitempty"`
	Properties map[string]FieldSchema `json:"properties,omitempty"`
}

// ConstOption is the new-format choice declaration: a const value with a
// display title.
type ConstOption struct {
	Const any    `json:"const"`
	Title string `json:"title,omitempty"`
}

// Parse decodes a raw template blob. It fails on malformed JSON or a blob
// that is not structurally a template (type must be "object" with a
// properties map); callers treating legacy data use IsTemplate first.
func Parse(raw []byte) (*Template, error) {
	var t Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	if t.Type != "object" || t.Properties == nil {
		return nil, fmt.Errorf("not a proposal template (type=%q)", t.Type)
	}
	order, err := propertyOrder(raw)
	if err != nil {
		return nil, err
	}
	t.propertyOrder = order
	return &t, nil
}

// IsTemplate is the safe-parse discriminant for a template blob: a JSON
// object with type "object" and a properties object. It never panics on
// malformed input.
func IsTemplate(raw []byte) bool {
	if len(bytes.TrimSpace(raw)) == 0 {
		return false
	}
	var probe struct {
		Type       string          `json:"type"`
		Properties json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Type == "object" && len(bytes.TrimSpace(probe.Properties)) > 0 && bytes.TrimSpace(probe.Properties)[0] == '{'
}

// IsRequired reports whether key appears in the template's required list.
func (t *Template) IsRequired(key string) bool {
	for _, k := range t.Required {
		if k == key {
			return true
		}
	}
	return false
}

// Label returns the human-readable name for a property: its schema title
// when present, else the raw key. Error messages must never surface opaque
// keys to end users when a title exists.
func (t *Template) Label(key string) string {
	if schema, ok := t.Properties[key]; ok && schema.Title != "" {
		return schema.Title
	}
	return key
}

// propertyOrder walks the raw JSON tokens to recover the declaration order
// of the properties object.
func propertyOrder(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	// Seek to the value of the top-level "properties" key.
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("scan template: not an object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		key, _ := keyTok.(string)
		if key != "properties" {
			// Skip the value wholesale.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("scan template: %w", err)
			}
			continue
		}
		open, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("scan properties: %w", err)
		}
		if delim, ok := open.(json.Delim); !ok || delim != '{' {
			return nil, fmt.Errorf("scan properties: not an object")
		}
		var order []string
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("scan properties: %w", err)
			}
			name, _ := nameTok.(string)
			order = append(order, name)
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("scan properties: %w", err)
			}
		}
		return order, nil
	}
	return nil, nil
}
