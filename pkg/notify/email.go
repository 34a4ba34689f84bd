// Package notify delivers subscription transition messages by email.
package notify

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

//go:embed templates/*.html
var templateFS embed.FS

// ErrNoRecipient is returned when the user has no email address.
var ErrNoRecipient = errors.New("recipient has no email address")

// Sender delivers one rendered HTML message.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Config configures the email notifier
type Config struct {
	// Sender delivers the messages (required)
	Sender Sender

	// AppURL is the base URL used for billing links, without a trailing slash
	AppURL string

	// CompanyName signs every message
	CompanyName string
}

type message struct {
	template string
	subject  string
}

var (
	trialEnding           = message{template: "trial_ending.html", subject: "Your trial ends tomorrow"}
	cancellationScheduled = message{template: "cancellation_scheduled.html", subject: "Your subscription will end soon"}
	cancellationConfirmed = message{template: "cancellation_confirmed.html", subject: "Your subscription has ended"}
)

type templateData struct {
	FirstName   string
	At          string
	AppURL      string
	CompanyName string
}

// EmailNotifier implements subsync.Notifier with HTML email.
type EmailNotifier struct {
	sender      Sender
	appURL      string
	companyName string
	templates   *template.Template
}

var _ subsync.Notifier = (*EmailNotifier)(nil)

// NewEmailNotifier parses the embedded templates and returns a notifier.
func NewEmailNotifier(config Config) (*EmailNotifier, error) {
	if config.Sender == nil {
		return nil, errors.New("notify: sender is required")
	}
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("notify: parse templates: %w", err)
	}
	return &EmailNotifier{
		sender:      config.Sender,
		appURL:      strings.TrimRight(config.AppURL, "/"),
		companyName: config.CompanyName,
		templates:   tmpl,
	}, nil
}

// TrialEnding implements subsync.Notifier
func (n *EmailNotifier) TrialEnding(ctx context.Context, r subsync.Recipient) error {
	return n.send(ctx, trialEnding, r)
}

// CancellationScheduled implements subsync.Notifier
func (n *EmailNotifier) CancellationScheduled(ctx context.Context, r subsync.Recipient) error {
	return n.send(ctx, cancellationScheduled, r)
}

// CancellationConfirmed implements subsync.Notifier
func (n *EmailNotifier) CancellationConfirmed(ctx context.Context, r subsync.Recipient) error {
	return n.send(ctx, cancellationConfirmed, r)
}

func (n *EmailNotifier) send(ctx context.Context, m message, r subsync.Recipient) error {
	if strings.TrimSpace(r.Email) == "" {
		return ErrNoRecipient
	}

	var body bytes.Buffer
	err := n.templates.ExecuteTemplate(&body, m.template, templateData{
		FirstName:   r.FirstName,
		At:          r.LocalizedAt,
		AppURL:      n.appURL,
		CompanyName: n.companyName,
	})
	if err != nil {
		return fmt.Errorf("render %s: %w", m.template, err)
	}

	return n.sender.Send(ctx, r.Email, m.subject, body.String())
}
