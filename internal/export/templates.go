package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

// SafeHTML is a template function that marks a string as safe HTML
func SafeHTML(s interface{}) template.HTML {
	switch v := s.(type) {
	case string:
		return template.HTML(v)
	case template.HTML:
		return v
	default:
		return template.HTML("")
	}
}

//go:embed templates/*.html
var templateFS embed.FS

var proposalTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"safeHTML": SafeHTML,
	}

	templateContent, err := templateFS.ReadFile("templates/proposal.html")
	if err != nil {
		// Fallback to built-in template if file not found
		proposalTemplate = template.Must(template.New("proposal").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	proposalTemplate = template.Must(template.New("proposal").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for proposal template rendering
type TemplateData struct {
	Title        string
	Category     string
	BudgetLabel  string
	Author       string
	InstanceName string
	Status       string
	SubmittedAt  *time.Time
	ContentHTML  template.HTML
	Fields       []FieldValue
}

// RenderProposalHTML renders the proposal template with provided data
func RenderProposalHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := proposalTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .field { margin: 0.5rem 0; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.InstanceName}} | {{.Author}}{{if .SubmittedAt}} | {{.SubmittedAt.Format "Jan 2, 2006"}}{{end}}</div>
  {{if .Category}}<div class="field"><strong>Category:</strong> {{.Category}}</div>{{end}}
  {{if .BudgetLabel}}<div class="field"><strong>Requested budget:</strong> {{.BudgetLabel}}</div>{{end}}
  {{range .Fields}}<div class="field"><strong>{{.Label}}:</strong> {{.Value}}</div>{{end}}
  <div>{{.ContentHTML | safeHTML}}</div>
</body>
</html>`
