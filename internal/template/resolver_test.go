package template

import (
	"encoding/json"
	"testing"
)

const instanceTemplate = `{
	"type": "object",
	"properties": {
		"title": {"type": "string", "title": "Instance title"}
	}
}`

const legacyProcessConfig = `{
	"version": 1,
	"states": [{"id": "collect"}, {"id": "vote"}],
	"proposalTemplate": {
		"type": "object",
		"properties": {
			"title": {"type": "string", "title": "Legacy title"}
		}
	}
}`

func TestResolveInstanceTemplateWins(t *testing.T) {
	resolved := ResolveProposalTemplate(json.RawMessage(instanceTemplate), json.RawMessage(legacyProcessConfig))
	if resolved == nil {
		t.Fatal("expected a template")
	}
	if resolved.Properties["title"].Title != "Instance title" {
		t.Errorf("instance template should shadow the legacy one, got %q", resolved.Properties["title"].Title)
	}
}

func TestResolveFallsBackToLegacyProcess(t *testing.T) {
	resolved := ResolveProposalTemplate(nil, json.RawMessage(legacyProcessConfig))
	if resolved == nil {
		t.Fatal("expected the legacy embedded template")
	}
	if resolved.Properties["title"].Title != "Legacy title" {
		t.Errorf("got %q, want the legacy template", resolved.Properties["title"].Title)
	}
}

func TestResolveMalformedSourcesContinueChain(t *testing.T) {
	cases := []struct {
		name             string
		instanceTemplate string
	}{
		{"malformed json", `{"type": "object", "properties":`},
		{"not a template", `{"some": "blob"}`},
		{"wrong type", `{"type": "array", "properties": {}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resolved := ResolveProposalTemplate(json.RawMessage(tc.instanceTemplate), json.RawMessage(legacyProcessConfig))
			if resolved == nil {
				t.Fatal("a bad instance blob must fall through to the process source")
			}
			if resolved.Properties["title"].Title != "Legacy title" {
				t.Errorf("got %q, want the legacy template", resolved.Properties["title"].Title)
			}
		})
	}
}

func TestResolveSourceReportsWinningBlob(t *testing.T) {
	raw, resolved, source := ResolveProposalTemplateSource(json.RawMessage(instanceTemplate), json.RawMessage(legacyProcessConfig))
	if source != SourceInstance || resolved == nil {
		t.Fatalf("source = %q, template = %+v", source, resolved)
	}
	if string(raw) != instanceTemplate {
		t.Errorf("raw = %s, want the instance blob", raw)
	}

	// The process source must surface the embedded template, not the whole
	// legacy container.
	raw, resolved, source = ResolveProposalTemplateSource(nil, json.RawMessage(legacyProcessConfig))
	if source != SourceProcess || resolved == nil {
		t.Fatalf("source = %q, template = %+v", source, resolved)
	}
	var embedded struct {
		Properties map[string]struct {
			Title string `json:"title"`
		} `json:"properties"`
		States []json.RawMessage `json:"states"`
	}
	if err := json.Unmarshal(raw, &embedded); err != nil {
		t.Fatalf("raw blob is not valid JSON: %v", err)
	}
	if embedded.Properties["title"].Title != "Legacy title" {
		t.Errorf("raw = %s, want the embedded legacy template", raw)
	}
	if len(embedded.States) != 0 {
		t.Errorf("raw blob must not be the legacy container itself: %s", raw)
	}

	raw, resolved, source = ResolveProposalTemplateSource(nil, nil)
	if source != SourceNone || resolved != nil || raw != nil {
		t.Errorf("empty sources = (%s, %+v, %q)", raw, resolved, source)
	}
}

func TestResolveNoSources(t *testing.T) {
	if resolved := ResolveProposalTemplate(nil, nil); resolved != nil {
		t.Errorf("expected nil, got %+v", resolved)
	}
	// A process config that is neither a machine schema nor a template.
	if resolved := ResolveProposalTemplate(nil, json.RawMessage(`{"theme": "green"}`)); resolved != nil {
		t.Errorf("expected nil for a plain config blob, got %+v", resolved)
	}
}

func TestIsTemplate(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{instanceTemplate, true},
		{`{"type": "object", "properties": {}}`, true},
		{`{"type": "object"}`, false},
		{`{"type": "string", "properties": {}}`, false},
		{`{"type": "object", "properties": []}`, false},
		{``, false},
		{`not json`, false},
	}
	for _, tc := range cases {
		if got := IsTemplate([]byte(tc.raw)); got != tc.want {
			t.Errorf("IsTemplate(%s) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}
