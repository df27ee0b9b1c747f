package proposal

import (
	"context"
	"fmt"
	"log"
	"strings"

	"agora/api/internal/docstore"
	"agora/api/internal/template"
)

// ValidationError carries field-level, user-correctable failures. Messages
// name fields by their schema title, never by an opaque property key.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "invalid proposal"
	}
	parts := make([]string, 0, len(e.Fields))
	for key, message := range e.Fields {
		parts = append(parts, key+": "+message)
	}
	return "invalid proposal: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(key, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[key] = message
}

// Constraints are per-instance overrides applied on top of the template.
type Constraints struct {
	// MaxBudgetAmount caps budget.amount regardless of the template's own
	// maximum, e.g. from instance phase settings.
	MaxBudgetAmount *float64
}

// DocumentSource fetches hosted collaborative documents. docstore.Client
// implements it; tests supply fakes.
type DocumentSource interface {
	GetDocument(ctx context.Context, docID string) (*docstore.Document, error)
}

// Validator gates proposal submissions against the effective template. It
// has no side effects; callers separately check that the current phase
// permits submission before persisting a status change.
type Validator struct {
	Docs DocumentSource
}

// Validate checks a proposal payload against a compiled template. A nil
// template short-circuits to "valid if title is non-empty". When the
// payload points at a hosted collaborative document, the document's named
// fragments are authoritative for content fields; any fetch failure falls
// back to the locally stored copies.
func (v *Validator) Validate(ctx context.Context, data Data, t *template.Template, constraints Constraints) error {
	data = Normalize(data)
	effective := v.effectivePayload(ctx, data)

	if t == nil {
		if strings.TrimSpace(effective.title) == "" {
			return &ValidationError{Fields: map[string]string{template.KeyTitle: "Title is required"}}
		}
		return nil
	}

	verr := &ValidationError{}
	for key, schema := range t.Properties {
		switch key {
		case template.KeyTitle:
			validateText(verr, t, key, effective.title, schema)
		case template.KeyCategory:
			validateChoice(verr, t, key, data.Category, schema)
		case "description":
			validateText(verr, t, key, effective.description, schema)
		case template.KeyBudget:
			v.validateBudget(verr, t, key, data.Budget, schema, constraints)
		default:
			validateDynamic(verr, t, key, effective, data, schema)
		}
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// effectivePayload resolves the content fields the validator should read:
// hosted fragments when a collaboration document exists, local fields
// otherwise. Legacy proposals never had a hosted document, so a miss is
// routine, not an error.
type effectiveFields struct {
	title       string
	description string
	doc         *docstore.Document
}

func (v *Validator) effectivePayload(ctx context.Context, data Data) effectiveFields {
	effective := effectiveFields{title: data.Title, description: data.Description}
	if data.CollaborationDocID == "" || v.Docs == nil {
		return effective
	}
	doc, err := v.Docs.GetDocument(ctx, data.CollaborationDocID)
	if err != nil {
		log.Printf("proposal: hosted document %s unavailable, using local fields: %v", data.CollaborationDocID, err)
		return effective
	}
	effective.doc = doc
	if text, ok := doc.FragmentText("title"); ok {
		effective.title = strings.TrimSpace(text)
	}
	if text, ok := doc.FragmentText("description"); ok {
		effective.description = text
	}
	return effective
}

func validateText(verr *ValidationError, t *template.Template, key, value string, schema template.FieldSchema) {
	label := t.Label(key)
	if strings.TrimSpace(value) == "" {
		if t.IsRequired(key) {
			verr.add(key, fmt.Sprintf("%s is required", label))
		}
		return
	}
	if schema.MinLength != nil && len([]rune(value)) < *schema.MinLength {
		verr.add(key, fmt.Sprintf("%s must be at least %d characters", label, *schema.MinLength))
	}
	if schema.MaxLength != nil && len([]rune(value)) > *schema.MaxLength {
		verr.add(key, fmt.Sprintf("%s must be at most %d characters", label, *schema.MaxLength))
	}
}

func validateChoice(verr *ValidationError, t *template.Template, key, value string, schema template.FieldSchema) {
	label := t.Label(key)
	if value == "" {
		if t.IsRequired(key) {
			verr.add(key, fmt.Sprintf("%s is required", label))
		}
		return
	}
	options := template.NormalizeOptions(schema)
	if len(options) == 0 {
		return
	}
	for _, option := range options {
		if option.Value == value {
			return
		}
	}
	verr.add(key, fmt.Sprintf("%s must be one of the offered choices", label))
}

func (v *Validator) validateBudget(verr *ValidationError, t *template.Template, key string, budget *Money, schema template.FieldSchema, constraints Constraints) {
	label := t.Label(key)
	if budget == nil {
		if t.IsRequired(key) {
			verr.add(key, fmt.Sprintf("%s is required", label))
		}
		return
	}
	// Only the amount sub-value is compared against the maximum; an
	// over-budget proposal is rejected, never silently clamped.
	maximum := schema.Maximum
	if amountSchema, ok := schema.Properties["amount"]; ok && amountSchema.Maximum != nil {
		maximum = amountSchema.Maximum
	}
	if constraints.MaxBudgetAmount != nil && (maximum == nil || *constraints.MaxBudgetAmount < *maximum) {
		maximum = constraints.MaxBudgetAmount
	}
	if maximum != nil && budget.Amount > *maximum {
		verr.add(key, fmt.Sprintf("%s must not exceed %v", label, *maximum))
	}
	minimum := schema.Minimum
	if amountSchema, ok := schema.Properties["amount"]; ok && amountSchema.Minimum != nil {
		minimum = amountSchema.Minimum
	}
	if minimum != nil && budget.Amount < *minimum {
		verr.add(key, fmt.Sprintf("%s must be at least %v", label, *minimum))
	}
}

func validateDynamic(verr *ValidationError, t *template.Template, key string, effective effectiveFields, data Data, schema template.FieldSchema) {
	label := t.Label(key)

	value, present := "", false
	if effective.doc != nil {
		if text, ok := effective.doc.FragmentText(key); ok {
			value, present = text, true
		}
	}
	if !present {
		value, present = data.ExtraString(key)
	}

	switch schema.Format {
	case template.FormatMoney:
		number, ok := data.ExtraNumber(key)
		if !ok {
			if t.IsRequired(key) {
				verr.add(key, fmt.Sprintf("%s is required", label))
			}
			return
		}
		if schema.Maximum != nil && number > *schema.Maximum {
			verr.add(key, fmt.Sprintf("%s must not exceed %v", label, *schema.Maximum))
		}
	case template.FormatDropdown, template.FormatCategory:
		validateChoice(verr, t, key, value, schema)
	default:
		if schema.Type == "number" || schema.Type == "integer" {
			number, ok := data.ExtraNumber(key)
			if !ok {
				if t.IsRequired(key) {
					verr.add(key, fmt.Sprintf("%s is required", label))
				}
				return
			}
			if schema.Minimum != nil && number < *schema.Minimum {
				verr.add(key, fmt.Sprintf("%s must be at least %v", label, *schema.Minimum))
			}
			if schema.Maximum != nil && number > *schema.Maximum {
				verr.add(key, fmt.Sprintf("%s must not exceed %v", label, *schema.Maximum))
			}
			return
		}
		if !present || strings.TrimSpace(value) == "" {
			if t.IsRequired(key) {
				verr.add(key, fmt.Sprintf("%s is required", label))
			}
			return
		}
		if schema.MinLength != nil && len([]rune(value)) < *schema.MinLength {
			verr.add(key, fmt.Sprintf("%s must be at least %d characters", label, *schema.MinLength))
		}
		if schema.MaxLength != nil && len([]rune(value)) > *schema.MaxLength {
			verr.add(key, fmt.Sprintf("%s must be at most %d characters", label, *schema.MaxLength))
		}
	}
}
