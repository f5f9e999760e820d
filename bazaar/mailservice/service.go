// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package mailservice sends account emails rendered from templates.
package mailservice

import (
	"bytes"
	"context"
	"html/template"
	"path/filepath"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"bazaar.io/bazaar/internal/post"
)

var mon = monkit.Package()

// Error is the default mailservice errs class.
var Error = errs.Class("mailservice")

// Config holds mail delivery configuration.
type Config struct {
	SMTPServerAddress string `help:"smtp server address in host:port form" default:""`
	From              string `help:"sender email address" default:""`
	TemplatePath      string `help:"path to email templates" default:"$CONFDIR/emails"`
}

// Sender sends out rendered messages.
type Sender interface {
	FromAddress() post.Address
	SendEmail(msg *post.Message) error
}

// Message defines a renderable email: its template base name and
// subject line. Template data comes from the concrete type.
type Message interface {
	Template() string
	Subject() string
}

// AccountActivationEmail carries data for the activation template.
type AccountActivationEmail struct {
	Username      string
	ActivationURL string
}

// Template implements Message.
func (*AccountActivationEmail) Template() string { return "Activation" }

// Subject implements Message.
func (*AccountActivationEmail) Subject() string { return "Activate your account" }

// PasswordResetEmail carries data for the reset template.
type PasswordResetEmail struct {
	Username string
	Code     string
}

// Template implements Message.
func (*PasswordResetEmail) Template() string { return "PasswordReset" }

// Subject implements Message.
func (*PasswordResetEmail) Subject() string { return "Password reset code" }

// Service renders and sends emails. Sends run on the caller's goroutine;
// callers that must not block spawn their own.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	sender   Sender
	template *template.Template
}

// New creates a mail service, parsing the html templates under
// templatePath.
func New(log *zap.Logger, sender Sender, templatePath string) (*Service, error) {
	parsed, err := template.ParseGlob(filepath.Join(templatePath, "*.html"))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Service{log: log, sender: sender, template: parsed}, nil
}

// Send renders msg and delivers it to the recipients.
func (service *Service) Send(ctx context.Context, to []post.Address, msg Message) (err error) {
	defer mon.Task()(&ctx)(&err)

	var body bytes.Buffer
	if err := service.template.ExecuteTemplate(&body, msg.Template()+".html", msg); err != nil {
		return Error.Wrap(err)
	}

	err = service.sender.SendEmail(&post.Message{
		From:    service.sender.FromAddress(),
		To:      to,
		Subject: msg.Subject(),
		Body:    body.String(),
	})
	if err != nil {
		service.log.Error("email send failed",
			zap.String("template", msg.Template()), zap.Error(err))
		return Error.Wrap(err)
	}
	return nil
}
