package template

import (
	"encoding/json"
	"testing"
)

func compileRaw(t *testing.T, raw string) []FieldDescriptor {
	t.Helper()
	parsed, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	return Compile(parsed)
}

func keys(fields []FieldDescriptor) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Key
	}
	return out
}

func TestCompileSystemFieldsFirst(t *testing.T) {
	fields := compileRaw(t, `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"location": {"type": "string", "x-format": "short-text"},
			"budget": {"type": "object"},
			"title": {"type": "string", "title": "Title"},
			"category": {"type": "string"}
		}
	}`)

	got := keys(fields)
	want := []string{"title", "category", "budget", "location"}
	if len(got) != len(want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keys = %v, want %v", got, want)
		}
	}

	if !fields[0].IsSystem || !fields[0].Required || fields[0].Format != FormatShortText {
		t.Errorf("title descriptor wrong: %+v", fields[0])
	}
	if fields[1].Format != FormatCategory || fields[2].Format != FormatMoney {
		t.Errorf("system format defaults wrong: category=%q budget=%q", fields[1].Format, fields[2].Format)
	}
	if fields[3].IsSystem {
		t.Error("dynamic field marked as system")
	}
}

func TestCompileHonorsFieldOrder(t *testing.T) {
	fields := compileRaw(t, `{
		"type": "object",
		"x-field-order": ["second", "first"],
		"properties": {
			"first": {"type": "string", "x-format": "short-text"},
			"second": {"type": "string", "x-format": "long-text"},
			"third": {"type": "string", "x-format": "short-text"}
		}
	}`)

	got := keys(fields)
	want := []string{"second", "first", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keys = %v, want %v", got, want)
		}
	}
}

func TestCompileSkipsUnknownFormats(t *testing.T) {
	fields := compileRaw(t, `{
		"type": "object",
		"properties": {
			"good": {"type": "string", "x-format": "short-text"},
			"exotic": {"type": "string", "x-format": "hologram"},
			"missing": {"type": "string"}
		}
	}`)

	if len(fields) != 1 || fields[0].Key != "good" {
		t.Errorf("expected only the renderable field, got %v", keys(fields))
	}
}

func TestCompileNilTemplate(t *testing.T) {
	if fields := Compile(nil); fields != nil {
		t.Errorf("Compile(nil) = %v, want nil", fields)
	}
}

func TestNormalizeOptions(t *testing.T) {
	var schema FieldSchema
	if err := json.Unmarshal([]byte(`{
		"oneOf": [
			{"const": "parks", "title": "Parks & recreation"},
			{"const": "streets"},
			{"const": null, "title": "ignored"}
		]
	}`), &schema); err != nil {
		t.Fatal(err)
	}
	options := NormalizeOptions(schema)
	if len(options) != 2 {
		t.Fatalf("options = %v", options)
	}
	if options[0].Label != "Parks & recreation" || options[0].Value != "parks" {
		t.Errorf("first option = %+v", options[0])
	}
	if options[1].Label != "streets" {
		t.Errorf("const without title should use its value as label, got %+v", options[1])
	}

	var legacy FieldSchema
	if err := json.Unmarshal([]byte(`{"enum": ["a", null, "b"]}`), &legacy); err != nil {
		t.Fatal(err)
	}
	options = NormalizeOptions(legacy)
	if len(options) != 2 || options[0].Value != "a" || options[1].Value != "b" {
		t.Errorf("legacy enum options = %v", options)
	}

	if options := NormalizeOptions(FieldSchema{}); options != nil {
		t.Errorf("no declared choices should yield nil, got %v", options)
	}
}
