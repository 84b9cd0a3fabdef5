package handlers

import (
	"context"
	"fmt"
	"net/smtp"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
)

// EmailConfig holds SMTP connection details.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// EmailArgs are the kwargs of the email.send function.
type EmailArgs struct {
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject" validate:"required"`
	Body    string `json:"body"`
}

// NewEmailHandler returns the email.send function, which delivers a plain
// text message over SMTP.
func NewEmailHandler(cfg EmailConfig) *Typed[EmailArgs] {
	return NewTyped("email.send", func(ctx context.Context, _ *Invocation, p EmailArgs) (any, error) {
		ctx, span := telemetry.Tracer().Start(ctx, "handler.email")
		defer span.End()
		span.SetAttributes(attribute.String("email.to", p.To))

		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		msg := buildMIME(cfg.From, p.To, p.Subject, p.Body)

		var auth smtp.Auth
		if cfg.Username != "" {
			auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		}

		// smtp.SendMail ignores ctx, so race it against cancellation.
		done := make(chan error, 1)
		go func() {
			done <- smtp.SendMail(addr, auth, cfg.From, []string{p.To}, msg)
		}()

		select {
		case err := <-done:
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "smtp send failed")
				return nil, fmt.Errorf("smtp send to %s: %w", p.To, err)
			}
			return map[string]string{"to": p.To}, nil
		case <-ctx.Done():
			err := fmt.Errorf("email send interrupted: %w", ctx.Err())
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			return nil, err
		}
	})
}

func buildMIME(from, to, subject, body string) []byte {
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body,
	))
}
