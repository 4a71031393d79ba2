package telegram

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/pkg/logger"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var requiredTemplates = []string{
	"log_alert.tmpl",
}

// TemplateManager manages Telegram message templates
type TemplateManager struct {
	templates *template.Template
}

// NewTemplateManager parses the embedded templates
func NewTemplateManager() (*TemplateManager, error) {
	templates, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	for _, name := range requiredTemplates {
		if templates.Lookup(name) == nil {
			return nil, fmt.Errorf("required template not found: %s", name)
		}
	}

	logger.Debug("telegram templates loaded",
		zap.Int("count", len(templates.Templates())),
	)

	return &TemplateManager{templates: templates}, nil
}

// ExecuteTemplate renders template with data
func (tm *TemplateManager) ExecuteTemplate(name string, data interface{}) (string, error) {
	tmpl := tm.templates.Lookup(name)
	if tmpl == nil {
		return "", fmt.Errorf("template %s not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}

	return buf.String(), nil
}
