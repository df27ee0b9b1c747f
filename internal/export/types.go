// Package export renders submitted proposals into downloadable PDF and
// DOCX documents.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request contains parameters for an export operation
type Request struct {
	ProposalID string
	Format     Format
}

// FieldValue is one compiled template field rendered in the export.
type FieldValue struct {
	Label string
	Value string
}

// ProposalInfo holds everything the renderer needs about a proposal.
// Content carries the hosted document body as ProseMirror JSON when the
// description lives in the document store; Description is the local
// fallback text.
type ProposalInfo struct {
	ID           string
	Title        string
	Category     string
	BudgetLabel  string
	Author       string
	InstanceName string
	Status       string
	SubmittedAt  *time.Time
	Description  string
	Content      map[string]any
	Fields       []FieldValue
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrContentUnavailable indicates proposal content could not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
