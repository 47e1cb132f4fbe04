package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"

	"github.com/plantastic/plantd/internal/analysis"
	"github.com/plantastic/plantd/internal/config"
)

// SMTPMailer delivers health alerts over SMTP. Each send opens and
// closes its own connection.
type SMTPMailer struct {
	cfg    config.SMTPConfig
	logger *slog.Logger
}

// NewSMTPMailer creates a mailer from configuration.
func NewSMTPMailer(cfg config.SMTPConfig, logger *slog.Logger) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, logger: logger}
}

// Send composes and delivers one health alert email.
func (m *SMTPMailer) Send(ctx context.Context, to, plantName string, result *analysis.Result, language string) error {
	msg, err := ComposeAlert(m.cfg.From, to, plantName, result)
	if err != nil {
		return fmt.Errorf("compose alert for %s: %w", plantName, err)
	}

	if err := sendMail(ctx, m.cfg, to, msg); err != nil {
		return fmt.Errorf("send alert for %s: %w", plantName, err)
	}

	m.logger.Debug("alert email delivered", "plant", plantName, "to", to)
	return nil
}

// ComposeAlert builds the complete RFC 5322 MIME message for a health
// alert. The markdown body is converted to both text/plain and
// text/html parts in a multipart/alternative structure.
func ComposeAlert(from, to, plantName string, result *analysis.Result) ([]byte, error) {
	body := AlertBody(plantName, result)

	var buf bytes.Buffer
	var h mail.Header

	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject("Plant Health Alert: " + plantName)

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", from, err)
	}
	h.SetAddressList("From", []*mail.Address{fromAddr})

	toAddr, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("parse to address %q: %w", to, err)
	}
	h.SetAddressList("To", []*mail.Address{toAddr})

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	var ph mail.InlineHeader
	ph.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("create plain text part: %w", err)
	}
	if _, err := io.WriteString(pw, markdownToPlain(body)); err != nil {
		return nil, fmt.Errorf("write plain text: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("close plain text part: %w", err)
	}

	htmlContent, err := markdownToHTML(body)
	if err != nil {
		return nil, fmt.Errorf("render markdown to HTML: %w", err)
	}

	var hh mail.InlineHeader
	hh.Set("Content-Type", "text/html; charset=utf-8")
	hw, err := tw.CreatePart(hh)
	if err != nil {
		return nil, fmt.Errorf("create html part: %w", err)
	}
	if _, err := io.WriteString(hw, htmlContent); err != nil {
		return nil, fmt.Errorf("write html: %w", err)
	}
	if err := hw.Close(); err != nil {
		return nil, fmt.Errorf("close html part: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}

	return buf.Bytes(), nil
}

// AlertBody renders the alert as markdown. The analysis text arrives
// already localized from the provider; the frame stays terse enough to
// read in any inbox.
func AlertBody(plantName string, result *analysis.Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Plant Health Alert for %s\n\n", plantName)
	fmt.Fprintf(&b, "Current Status: **%s**\n\n", result.HealthStatus)

	if len(result.Issues) > 0 {
		b.WriteString("### Issues Detected\n\n")
		for _, issue := range result.Issues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
		b.WriteString("\n")
	}

	if len(result.Recommendations) > 0 {
		b.WriteString("### Recommendations\n\n")
		for _, rec := range result.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
		b.WriteString("\n")
	}

	b.WriteString("This is an automated message from your Plantastic system.\n")
	return b.String()
}

// markdownToHTML renders markdown to an HTML document suitable for
// email. The output carries no external resources.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}

	html := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String())

	return html, nil
}

// Patterns for stripping markdown formatting.
var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

// markdownToPlain converts markdown to plain text by stripping
// formatting characters while preserving structure. List markers stay
// as-is since "- item" reads fine as plain text.
func markdownToPlain(md string) string {
	s := md
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
