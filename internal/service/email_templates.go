package service

import (
	"embed"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/templui/authmail/internal/markdown"
	"github.com/templui/authmail/internal/model"
	"github.com/templui/authmail/internal/service/delivery"
)

//go:embed emails/*.md
var emailTemplatesFS embed.FS

var emailTemplateFiles = map[model.CodeType]string{
	model.CodeTypeEmailConfirmation: "emails/confirm_email.md",
	model.CodeTypePasswordReset:     "emails/reset_password.md",
}

type emailTemplate struct {
	subject string
	body    string
}

// TemplateRenderer builds code emails from the embedded Markdown templates.
// Templates use {{app_name}}, {{action_url}} and {{expiry_minutes}}.
type TemplateRenderer struct {
	parser    *markdown.Parser
	appName   string
	appURL    string
	paths     map[model.CodeType]string
	expiry    time.Duration
	templates map[model.CodeType]emailTemplate
}

func NewTemplateRenderer(appName, appURL, confirmPath, resetPath string, expiry time.Duration) (*TemplateRenderer, error) {
	r := &TemplateRenderer{
		parser:  markdown.NewParser(),
		appName: appName,
		appURL:  strings.TrimRight(appURL, "/"),
		paths: map[model.CodeType]string{
			model.CodeTypeEmailConfirmation: confirmPath,
			model.CodeTypePasswordReset:     resetPath,
		},
		expiry:    expiry,
		templates: make(map[model.CodeType]emailTemplate, len(emailTemplateFiles)),
	}

	for codeType, file := range emailTemplateFiles {
		source, err := emailTemplatesFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read email template %s: %w", file, err)
		}

		_, meta, err := r.parser.ParseWithFrontmatter(source)
		if err != nil {
			return nil, fmt.Errorf("failed to parse email template %s: %w", file, err)
		}
		subject, _ := meta["subject"].(string)
		if subject == "" {
			return nil, fmt.Errorf("email template %s has no subject", file)
		}

		r.templates[codeType] = emailTemplate{
			subject: subject,
			body:    string(markdown.StripFrontmatter(source)),
		}
	}

	return r, nil
}

// ActionURL is the link the recipient follows to use the code.
func (r *TemplateRenderer) ActionURL(codeType model.CodeType, code string) string {
	return r.appURL + r.paths[codeType] + "?code=" + url.QueryEscape(code)
}

func (r *TemplateRenderer) Render(codeType model.CodeType, code string) (delivery.Message, error) {
	tpl, ok := r.templates[codeType]
	if !ok {
		return delivery.Message{}, delivery.NewError(delivery.KindTemplate, fmt.Sprintf("no email template for %q", codeType), nil)
	}

	replacer := strings.NewReplacer(
		"{{app_name}}", r.appName,
		"{{action_url}}", r.ActionURL(codeType, code),
		"{{expiry_minutes}}", strconv.Itoa(int(math.Ceil(r.expiry.Minutes()))),
	)

	text := replacer.Replace(tpl.body)
	html, _, err := r.parser.ParseWithFrontmatter([]byte(text))
	if err != nil {
		return delivery.Message{}, delivery.NewError(delivery.KindTemplate, "failed to render email body", err)
	}

	return delivery.Message{
		Subject: replacer.Replace(tpl.subject),
		HTML:    string(html),
		Text:    text,
	}, nil
}
