package template

import (
	"fmt"
	"log"
)

// FieldDescriptor is the compiled, render-ready representation of one
// template field.
type FieldDescriptor struct {
	Key      string      `json:"key"`
	Title    string      `json:"title,omitempty"`
	IsSystem bool        `json:"isSystem"`
	Format   string      `json:"format,omitempty"`
	Required bool        `json:"required"`
	Options  []Option    `json:"options,omitempty"`
	Schema   FieldSchema `json:"schema"`
}

// Option is a uniform choice entry, normalized from either the new
// oneOf/const declaration or the legacy enum list.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

var knownFormats = map[string]struct{}{
	FormatShortText: {},
	FormatLongText:  {},
	FormatMoney:     {},
	FormatDropdown:  {},
	FormatCategory:  {},
}

// Compile turns a template into an ordered list of field descriptors.
// System fields (title, category, budget) are pinned first in that order;
// dynamic fields follow x-field-order when present, else their declaration
// order. A dynamic field without a usable x-format is skipped with a log
// line rather than failing the whole form. The system keys are reserved: a
// dynamic property reusing one is compiled as the system field.
func Compile(t *Template) []FieldDescriptor {
	if t == nil {
		return nil
	}

	descriptors := make([]FieldDescriptor, 0, len(t.Properties))
	for _, key := range []string{KeyTitle, KeyCategory, KeyBudget} {
		schema, ok := t.Properties[key]
		if !ok {
			continue
		}
		descriptors = append(descriptors, FieldDescriptor{
			Key:      key,
			Title:    schema.Title,
			IsSystem: true,
			Format:   systemFormat(key, schema),
			Required: t.IsRequired(key),
			Options:  NormalizeOptions(schema),
			Schema:   schema,
		})
	}

	for _, key := range dynamicOrder(t) {
		schema := t.Properties[key]
		format := schema.Format
		if _, ok := knownFormats[format]; !ok {
			log.Printf("template: field %q has no usable x-format (%q), not rendering", key, format)
			continue
		}
		descriptors = append(descriptors, FieldDescriptor{
			Key:      key,
			Title:    schema.Title,
			Format:   format,
			Required: t.IsRequired(key),
			Options:  NormalizeOptions(schema),
			Schema:   schema,
		})
	}
	return descriptors
}

func systemFormat(key string, schema FieldSchema) string {
	if _, ok := knownFormats[schema.Format]; ok {
		return schema.Format
	}
	switch key {
	case KeyTitle:
		return FormatShortText
	case KeyCategory:
		return FormatCategory
	case KeyBudget:
		return FormatMoney
	}
	return ""
}

// dynamicOrder yields non-system property keys in display order.
func dynamicOrder(t *Template) []string {
	base := t.FieldOrder
	if len(base) == 0 {
		base = t.propertyOrder
	}
	seen := make(map[string]struct{}, len(base))
	var keys []string
	for _, key := range base {
		if isSystemKey(key) {
			continue
		}
		if _, ok := t.Properties[key]; !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	// Properties missing from x-field-order still render, after the ordered
	// ones, in declaration order.
	for _, key := range t.propertyOrder {
		if isSystemKey(key) {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		if _, ok := t.Properties[key]; !ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

func isSystemKey(key string) bool {
	return key == KeyTitle || key == KeyCategory || key == KeyBudget
}

// NormalizeOptions exposes a field's choices as value/label pairs whether
// they were declared as oneOf const/title entries or a legacy enum list. A
// null enum entry is the "no selection" sentinel and is dropped.
func NormalizeOptions(schema FieldSchema) []Option {
	if len(schema.OneOf) > 0 {
		options := make([]Option, 0, len(schema.OneOf))
		for _, entry := range schema.OneOf {
			if entry.Const == nil {
				continue
			}
			value := fmt.Sprintf("%v", entry.Const)
			label := entry.Title
			if label == "" {
				label = value
			}
			options = append(options, Option{Value: value, Label: label})
		}
		return options
	}
	if len(schema.Enum) > 0 {
		options := make([]Option, 0, len(schema.Enum))
		for _, entry := range schema.Enum {
			if entry == nil {
				continue
			}
			value := fmt.Sprintf("%v", entry)
			options = append(options, Option{Value: value, Label: value})
		}
		return options
	}
	return nil
}
