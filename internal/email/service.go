// Package email delivers collaboration notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

const (
	KindMention           = "mention"
	KindReply             = "reply"
	KindStepAssigned      = "step-assigned"
	KindWorkflowCompleted = "workflow-completed"
	KindWorkflowCancelled = "workflow-cancelled"
)

// Notification addresses users by id; the service maps ids onto mailboxes.
type Notification struct {
	Kind       string
	Recipients []string
	ActorID    string
	DocumentID string
	Subject    string
	Summary    string
}

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// Domain is appended to user ids that are not already addresses.
	Domain string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service sends notifications by email. When SMTP is not configured the
// notification is only logged.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
	logger zerolog.Logger
}

func NewService(config Config, logger zerolog.Logger) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	if config.Domain == "" {
		config.Domain = "docflow.local"
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
		logger: logger.With().Str("component", "email").Logger(),
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) Notify(ctx context.Context, n Notification) error {
	recipients := s.addresses(n.Recipients, n.ActorID)
	if len(recipients) == 0 {
		return nil
	}
	if !s.IsConfigured() {
		s.logger.Info().
			Str("kind", n.Kind).
			Str("documentId", n.DocumentID).
			Strs("recipients", recipients).
			Str("subject", n.Subject).
			Msg("notification (smtp not configured)")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := renderTemplate(notificationTemplate, n)
	if err != nil {
		return fmt.Errorf("render notification: %w", err)
	}
	if err := s.SendHTMLEmail(recipients, n.Subject, body); err != nil {
		return fmt.Errorf("send %s notification: %w", n.Kind, err)
	}
	return nil
}

// addresses dedupes recipients and drops the actor, who does not need to hear
// about their own change.
func (s *Service) addresses(userIDs []string, actorID string) []string {
	seen := make(map[string]bool, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" || id == actorID || seen[id] {
			continue
		}
		seen[id] = true
		if strings.Contains(id, "@") {
			out = append(out, id)
			continue
		}
		out = append(out, id+"@"+s.config.Domain)
	}
	return out
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-docflow"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", subject)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const notificationTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .summary { background: #f5f7fa; padding: 12px; border-radius: 4px; margin: 20px 0; white-space: pre-wrap; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Docflow</h1>
    </div>

    <h2>{{.Subject}}</h2>
    {{if .Summary}}<div class="summary">{{.Summary}}</div>{{end}}
    <p>Document: {{.DocumentID}}{{if .ActorID}} &middot; by {{.ActorID}}{{end}}</p>

    <div class="footer">
        <p>You are receiving this because you were mentioned or assigned in Docflow.</p>
    </div>
</body>
</html>`
