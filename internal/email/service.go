// Package email sends the platform's transactional mail over SMTP: address
// verification on sign-up and password resets. Digests and phase
// notifications do not belong here.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config is the SMTP endpoint plus the sender identity.
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	EnableTLS bool
}

type Service struct {
	cfg  Config
	addr string
	auth smtp.Auth
}

func NewService(cfg Config) *Service {
	return &Service{
		cfg:  cfg,
		addr: cfg.Host + ":" + cfg.Port,
		auth: smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host),
	}
}

// IsConfigured reports whether outgoing mail can be sent at all. When it is
// false the API hands verification and reset tokens back in responses for
// local setups instead.
func (s *Service) IsConfigured() bool {
	return s.cfg.Host != "" && s.cfg.Port != "" && s.cfg.From != ""
}

// SendHTMLEmail sends a multipart message with a plain-text fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	const boundary = "agora-mail-boundary"
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.sender())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n", boundary)
	fmt.Fprintf(&msg, "Please view this message in an HTML-capable mail client.\r\n\r\n")
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n\r\n", boundary, htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.addr, s.auth, s.cfg.From, to, msg.Bytes())
}

func (s *Service) sender() string {
	if s.cfg.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.From)
	}
	return s.cfg.From
}

type VerificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

type PasswordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

// SendVerificationEmail asks a new member to confirm their address.
func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	html, err := renderTemplate(verificationEmailTemplate, VerificationData{
		AppName:         "Agora",
		UserName:        userName,
		VerificationURL: verificationURL,
	})
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, "Confirm your Agora email address", html)
}

// SendPasswordResetEmail delivers a reset link.
func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	html, err := renderTemplate(passwordResetEmailTemplate, PasswordResetData{
		AppName:  "Agora",
		UserName: userName,
		ResetURL: resetURL,
	})
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, "Reset your Agora password", html)
}

func renderTemplate(tmpl string, data any) (string, error) {
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

const verificationEmailTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; line-height: 1.5; color: #1f2328; max-width: 560px; margin: 0 auto; padding: 24px;">
    <h1 style="font-size: 20px; border-bottom: 2px solid #2b6e4f; padding-bottom: 8px;">{{.AppName}}</h1>
    <p>Hi {{.UserName}},</p>
    <p>Confirm your email address to start submitting and following proposals
    in your community's decision rounds.</p>
    <p>
        <a href="{{.VerificationURL}}" style="display: inline-block; padding: 10px 20px; background: #2b6e4f; color: #ffffff; text-decoration: none; border-radius: 4px;">Confirm email</a>
    </p>
    <p>If the button does not work, open this link:</p>
    <p style="word-break: break-all;"><a href="{{.VerificationURL}}">{{.VerificationURL}}</a></p>
    <p>The link expires in 24 hours.</p>
    <p style="margin-top: 28px; padding-top: 12px; border-top: 1px solid #d8dee4; font-size: 12px; color: #57606a;">
        You received this because someone signed up for {{.AppName}} with this
        address. If that was not you, ignore this message.
    </p>
</body>
</html>`

const passwordResetEmailTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; line-height: 1.5; color: #1f2328; max-width: 560px; margin: 0 auto; padding: 24px;">
    <h1 style="font-size: 20px; border-bottom: 2px solid #2b6e4f; padding-bottom: 8px;">{{.AppName}}</h1>
    <p>Hi{{if .UserName}} {{.UserName}}{{end}},</p>
    <p>Someone asked to reset the password for this account. Use the button
    below to choose a new one.</p>
    <p>
        <a href="{{.ResetURL}}" style="display: inline-block; padding: 10px 20px; background: #2b6e4f; color: #ffffff; text-decoration: none; border-radius: 4px;">Reset password</a>
    </p>
    <p>If the button does not work, open this link:</p>
    <p style="word-break: break-all;"><a href="{{.ResetURL}}">{{.ResetURL}}</a></p>
    <p>The link expires in 1 hour.</p>
    <p style="margin-top: 28px; padding-top: 12px; border-top: 1px solid #d8dee4; font-size: 12px; color: #57606a;">
        If you did not ask for a reset, ignore this message. Your password
        stays unchanged.
    </p>
</body>
</html>`
