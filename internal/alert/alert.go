// Package alert emails the operator when unattended syncs fail, and once more when they
// recover.
package alert

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"os"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/openmined/syftmirror/internal/progress"
)

const sendPath = "/v3/mail/send"

var (
	ErrKeyMissing           = errors.New("sendgrid api key is not set")
	ErrInvalidMailSender    = errors.New("invalid mail sender")
	ErrInvalidMailRecipient = errors.New("invalid mail recipient")
)

type Options struct {
	// SendgridAPIKey falls back to $SENDGRID_API_KEY.
	SendgridAPIKey string
	From           string
	To             []string
	// Host overrides https://api.sendgrid.com.
	Host string
	// Source names the mirror in subjects, usually the data dir.
	Source string
}

type Mailer struct {
	opts    Options
	failing bool
}

func New(opts Options) (*Mailer, error) {
	if opts.SendgridAPIKey == "" {
		opts.SendgridAPIKey = os.Getenv("SENDGRID_API_KEY")
	}
	if opts.SendgridAPIKey == "" {
		return nil, ErrKeyMissing
	}
	if opts.From == "" {
		return nil, ErrInvalidMailSender
	}
	if len(opts.To) == 0 {
		return nil, ErrInvalidMailRecipient
	}
	return &Mailer{opts: opts}, nil
}

// Watch mails on the first failure of a streak and on the success that ends it. Cancelled
// runs are neither. It returns when ctx is done or events is closed.
func (m *Mailer) Watch(ctx context.Context, events <-chan progress.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := m.Observe(ctx, ev); err != nil {
				slog.Error("alert send", "error", err)
			}
		}
	}
}

// Observe mails if ev starts or ends a failure streak.
func (m *Mailer) Observe(ctx context.Context, ev progress.Event) error {
	switch {
	case ev.Type == progress.EventFailed && !ev.Cancelled:
		if m.failing {
			return nil
		}
		m.failing = true
		return m.send(ctx, "sync failed", fmt.Sprintf("<p>The sync of <b>%s</b> failed.</p><p>%s: %s</p>",
			html.EscapeString(m.opts.Source), html.EscapeString(string(ev.Kind)), html.EscapeString(ev.Reason)))

	case ev.Type == progress.EventSucceeded && m.failing:
		m.failing = false
		return m.send(ctx, "sync recovered", fmt.Sprintf("<p>The sync of <b>%s</b> succeeded again.</p>",
			html.EscapeString(m.opts.Source)))
	}
	return nil
}

func (m *Mailer) send(ctx context.Context, subject, body string) error {
	if m.opts.Source != "" {
		subject = fmt.Sprintf("[syftmirror] %s: %s", m.opts.Source, subject)
	} else {
		subject = "[syftmirror] " + subject
	}

	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(m.opts.From, m.opts.From))
	message.Subject = subject

	p := mail.NewPersonalization()
	for _, to := range m.opts.To {
		p.AddTos(mail.NewEmail(to, to))
	}
	message.AddPersonalizations(p)
	message.AddContent(mail.NewContent("text/html", body))

	client := sendgrid.NewSendClient(m.opts.SendgridAPIKey)
	if m.opts.Host != "" {
		client.BaseURL = strings.TrimSuffix(m.opts.Host, "/") + sendPath
	}

	resp, err := client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("failed to send email: status %d: %s", resp.StatusCode, resp.Body)
	}

	slog.Debug("alert sent", "subject", subject, "to", m.opts.To, "status", resp.StatusCode, "messageId", resp.Headers["X-Message-Id"])
	return nil
}
