package proposal

import (
	"encoding/json"
	"testing"
)

func TestNormalizeBudgetCurrency(t *testing.T) {
	d := Normalize(Data{Budget: &Money{Amount: 1200}})
	if d.Budget.Currency != DefaultCurrency {
		t.Errorf("currency = %q, want %q", d.Budget.Currency, DefaultCurrency)
	}

	d = Normalize(Data{Budget: &Money{Amount: 1200, Currency: "EUR"}})
	if d.Budget.Currency != "EUR" {
		t.Errorf("explicit currency must survive, got %q", d.Budget.Currency)
	}
}

func TestNormalizeLegacyContent(t *testing.T) {
	d := Normalize(Data{Content: "Old rich text"})
	if d.Description != "Old rich text" {
		t.Errorf("description = %q, want legacy content copied forward", d.Description)
	}
	if d.Content != "Old rich text" {
		t.Error("content key must be preserved, not deleted")
	}

	d = Normalize(Data{Description: "Newer", Content: "Older"})
	if d.Description != "Newer" {
		t.Error("an existing description must win over legacy content")
	}
}

func TestNormalizeAttachmentIDs(t *testing.T) {
	d := Normalize(Data{})
	if d.AttachmentIDs == nil || len(d.AttachmentIDs) != 0 {
		t.Errorf("nil attachmentIds must normalize to [], got %#v", d.AttachmentIDs)
	}

	d = Normalize(Data{AttachmentIDs: []string{"att_1"}})
	if len(d.AttachmentIDs) != 1 {
		t.Error("existing attachment ids must survive")
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	first := Normalize(Data{
		Title:   "Repave the court",
		Budget:  &Money{Amount: 500},
		Content: "legacy",
	})
	second := Normalize(first)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("normalize must be idempotent:\nfirst  %s\nsecond %s", a, b)
	}
}

func TestDataPreservesUnknownKeys(t *testing.T) {
	raw := []byte(`{
		"title": "New benches",
		"budget": 750,
		"neighborhood": "Eastside",
		"legacyScore": 4
	}`)

	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	d = Normalize(d)

	if d.Budget == nil || d.Budget.Amount != 750 || d.Budget.Currency != DefaultCurrency {
		t.Errorf("bare-number budget not normalized: %#v", d.Budget)
	}

	encoded, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &out); err != nil {
		t.Fatalf("re-decode failed: %v", err)
	}
	if string(out["neighborhood"]) != `"Eastside"` {
		t.Errorf("unknown key neighborhood lost: %s", out["neighborhood"])
	}
	if string(out["legacyScore"]) != "4" {
		t.Errorf("unknown key legacyScore lost: %s", out["legacyScore"])
	}
}

func TestExtraAccessors(t *testing.T) {
	d := Data{Extra: map[string]json.RawMessage{
		"location": json.RawMessage(`"Main Street"`),
		"headcount": json.RawMessage(`12`),
	}}

	if v, ok := d.ExtraString("location"); !ok || v != "Main Street" {
		t.Errorf("ExtraString(location) = (%q, %v)", v, ok)
	}
	if v, ok := d.ExtraString("headcount"); !ok || v != "12" {
		t.Errorf("ExtraString should format numbers, got (%q, %v)", v, ok)
	}
	if n, ok := d.ExtraNumber("headcount"); !ok || n != 12 {
		t.Errorf("ExtraNumber(headcount) = (%v, %v)", n, ok)
	}
	if _, ok := d.ExtraNumber("location"); ok {
		t.Error("ExtraNumber on a string must report ok=false")
	}
}
