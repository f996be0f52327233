package core

import (
	"bytes"
	"fmt"
	htmltmpl "html/template"
	"io/fs"
	"net/mail"
	"path/filepath"
	"strings"
	"sync"
	texttmpl "text/template"

	"github.com/pkg/errors"
)

var (
	textTemplates map[string]*texttmpl.Template
	htmlTemplates map[string]*htmltmpl.Template
	tmplInit      sync.Once
)

type (
	EmailMessage struct {
		To      []mail.Address
		Subject string
		BodyStr string // simple text/plain, non-templated content

		// templated contents
		TemplateName string // without ext
		TemplateData interface{}
		TextContent  string
		HTMLContent  string
	}

	// ContextData wraps TemplateData with app-wide context for templates.
	ContextData struct {
		FrontendBaseURL string
		Data            interface{}
	}

	// EmailService is any service that can send emails
	EmailService interface {
		// SendMessages sends messages concurrently
		SendMessages(messages ...*EmailMessage)
	}
)

// ParseEmailTemplates parses all templates under assets/templates in the
// provided filesystem. Templates come in <name>.txt / <name>.html pairs.
func ParseEmailTemplates(fsys fs.FS, logger Logger) {
	tmplInit.Do(func() {
		textTemplates = make(map[string]*texttmpl.Template)
		htmlTemplates = make(map[string]*htmltmpl.Template)

		err := fs.WalkDir(fsys, "assets/templates", func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			switch filepath.Ext(path) {
			case ".txt":
				tmpl, err := texttmpl.ParseFS(fsys, path)
				if err != nil {
					return errors.Wrapf(err, "parsing %s", path)
				}
				textTemplates[name] = tmpl
			case ".html":
				tmpl, err := htmltmpl.ParseFS(fsys, path)
				if err != nil {
					return errors.Wrapf(err, "parsing %s", path)
				}
				htmlTemplates[name] = tmpl
			}
			return nil
		})
		if err != nil {
			logger.Error(fmt.Sprintf("parsing email templates: %v", err), err)
		}
	})
}

func (m *EmailMessage) contextData(conf *Config) ContextData {
	return ContextData{
		FrontendBaseURL: conf.FrontendBaseURL,
		Data:            m.TemplateData,
	}
}

// Render fills TextContent and HTMLContent from the message's template.
// Non-templated messages are left as-is.
func (m *EmailMessage) Render(conf *Config) error {
	if m.TemplateName == "" {
		m.TextContent = m.BodyStr
		return nil
	}
	data := m.contextData(conf)

	if tmpl, ok := textTemplates[m.TemplateName]; ok {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return errors.Wrapf(err, "executing %s.txt", m.TemplateName)
		}
		m.TextContent = buf.String()
	}
	if tmpl, ok := htmlTemplates[m.TemplateName]; ok {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return errors.Wrapf(err, "executing %s.html", m.TemplateName)
		}
		m.HTMLContent = buf.String()
	}
	if m.TextContent == "" && m.HTMLContent == "" {
		return errors.Errorf("no template found: %s", m.TemplateName)
	}
	return nil
}

func (m *EmailMessage) HasRecipients() bool {
	return len(m.To) > 0
}

func (m *EmailMessage) HasContent() bool {
	return m.TextContent != "" || m.HTMLContent != "" || m.BodyStr != ""
}
