// Package proposal holds the canonical proposal payload, the legacy
// normalizer that rewrites older stored shapes into it, and the validator
// that gates submissions against the instance's effective template.
package proposal

import (
	"encoding/json"
	"fmt"
)

// Proposal statuses and visibility values.
const (
	StatusDraft     = "draft"
	StatusSubmitted = "submitted"
	StatusWithdrawn = "withdrawn"

	VisibilityVisible = "visible"
	VisibilityHidden  = "hidden"
)

// Money is the canonical budget shape. Legacy payloads stored budgets as
// bare numbers; decoding accepts both.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

func (m *Money) UnmarshalJSON(raw []byte) error {
	// Bare number first generation; object is canonical.
	var amount float64
	if err := json.Unmarshal(raw, &amount); err == nil {
		m.Amount = amount
		m.Currency = ""
		return nil
	}
	type canonical Money
	var c canonical
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decode budget: %w", err)
	}
	*m = Money(c)
	return nil
}

// Data is the canonical proposal payload: a small set of typed fields plus
// an explicit extras map for dynamic template fields and anything else the
// engine does not understand. Unknown keys survive every decode/encode
// round trip; normalization must never drop data.
type Data struct {
	Title              string
	Category           string
	Budget             *Money
	Description        string
	Content            string // legacy rich-text key, preserved as-is
	CollaborationDocID string
	AttachmentIDs      []string
	Extra              map[string]json.RawMessage
}

var canonicalKeys = map[string]struct{}{
	"title":              {},
	"category":           {},
	"budget":             {},
	"description":        {},
	"content":            {},
	"collaborationDocId": {},
	"attachmentIds":      {},
}

func (d *Data) UnmarshalJSON(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("decode proposal data: %w", err)
	}
	*d = Data{}
	for key, value := range fields {
		if isNull(value) {
			if key == "attachmentIds" {
				// Recorded explicitly so normalization turns it into [].
				d.AttachmentIDs = nil
			}
			continue
		}
		switch key {
		case "title":
			if err := json.Unmarshal(value, &d.Title); err != nil {
				return fmt.Errorf("decode title: %w", err)
			}
		case "category":
			if err := json.Unmarshal(value, &d.Category); err != nil {
				return fmt.Errorf("decode category: %w", err)
			}
		case "budget":
			var m Money
			if err := json.Unmarshal(value, &m); err != nil {
				return err
			}
			d.Budget = &m
		case "description":
			if err := json.Unmarshal(value, &d.Description); err != nil {
				return fmt.Errorf("decode description: %w", err)
			}
		case "content":
			if err := json.Unmarshal(value, &d.Content); err != nil {
				return fmt.Errorf("decode content: %w", err)
			}
		case "collaborationDocId":
			if err := json.Unmarshal(value, &d.CollaborationDocID); err != nil {
				return fmt.Errorf("decode collaborationDocId: %w", err)
			}
		case "attachmentIds":
			if err := json.Unmarshal(value, &d.AttachmentIDs); err != nil {
				return fmt.Errorf("decode attachmentIds: %w", err)
			}
		default:
			if d.Extra == nil {
				d.Extra = make(map[string]json.RawMessage)
			}
			d.Extra[key] = value
		}
	}
	return nil
}

func (d Data) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(d.Extra)+7)
	for key, value := range d.Extra {
		if _, reserved := canonicalKeys[key]; reserved {
			continue
		}
		fields[key] = value
	}
	put := func(key string, value any) error {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		fields[key] = encoded
		return nil
	}
	if err := put("title", d.Title); err != nil {
		return nil, err
	}
	if d.Category != "" {
		if err := put("category", d.Category); err != nil {
			return nil, err
		}
	}
	if d.Budget != nil {
		if err := put("budget", d.Budget); err != nil {
			return nil, err
		}
	} else {
		fields["budget"] = json.RawMessage("null")
	}
	if d.Description != "" {
		if err := put("description", d.Description); err != nil {
			return nil, err
		}
	}
	if d.Content != "" {
		if err := put("content", d.Content); err != nil {
			return nil, err
		}
	}
	if d.CollaborationDocID != "" {
		if err := put("collaborationDocId", d.CollaborationDocID); err != nil {
			return nil, err
		}
	}
	if d.AttachmentIDs != nil {
		if err := put("attachmentIds", d.AttachmentIDs); err != nil {
			return nil, err
		}
	}
	return json.Marshal(fields)
}

// ExtraString decodes a dynamic field value as a string, tolerating numeric
// values (formatted) for loosely-typed legacy payloads.
func (d Data) ExtraString(key string) (string, bool) {
	raw, ok := d.Extra[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return fmt.Sprintf("%v", n), true
	}
	return "", false
}

// ExtraNumber decodes a dynamic field value as a number.
func (d Data) ExtraNumber(key string) (float64, bool) {
	raw, ok := d.Extra[key]
	if !ok {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	return 0, false
}

func isNull(raw json.RawMessage) bool {
	trimmed := string(raw)
	return trimmed == "null"
}
