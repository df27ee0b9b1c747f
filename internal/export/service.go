package export

import (
	"context"
	"fmt"
	"html"
	"html/template"
	"strings"

	"agora/api/internal/docstore"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetProposalExport(ctx context.Context, proposalID string) (ProposalInfo, error)
}

// Service provides proposal export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	info, err := s.store.GetProposalExport(ctx, req.ProposalID)
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}

	data := TemplateData{
		Title:        info.Title,
		Category:     info.Category,
		BudgetLabel:  info.BudgetLabel,
		Author:       info.Author,
		InstanceName: info.InstanceName,
		Status:       info.Status,
		SubmittedAt:  info.SubmittedAt,
		ContentHTML:  contentHTML(info),
		Fields:       info.Fields,
	}

	html, err := RenderProposalHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, info.Title)
	case FormatDOCX:
		return exportDOCX(html, info.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

// contentHTML prefers the hosted document body and falls back to the
// locally stored description text.
func contentHTML(info ProposalInfo) template.HTML {
	if info.Content != nil {
		return template.HTML(docstore.NodeHTML(info.Content))
	}
	var b strings.Builder
	for _, para := range strings.Split(info.Description, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(para))
		b.WriteString("</p>")
	}
	return template.HTML(b.String())
}
