// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package post implements email message types and senders.
package post

import (
	"fmt"
	"net/mail"
	"net/smtp"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the default post errs class.
var Error = errs.Class("post")

// Address is an alias to net/mail.Address.
type Address = mail.Address

// Message defines an email message.
type Message struct {
	From    Address
	To      []Address
	Subject string

	PlainText string
	Body      string
}

// Bytes renders the message into a wire format suitable for SMTP DATA.
func (msg *Message) Bytes() []byte {
	var builder strings.Builder

	tos := make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		tos = append(tos, to.String())
	}

	fmt.Fprintf(&builder, "From: %s\r\n", msg.From.String())
	fmt.Fprintf(&builder, "To: %s\r\n", strings.Join(tos, ", "))
	fmt.Fprintf(&builder, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&builder, "MIME-Version: 1.0\r\n")
	if msg.Body != "" {
		fmt.Fprintf(&builder, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
		builder.WriteString(msg.Body)
	} else {
		fmt.Fprintf(&builder, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		builder.WriteString(msg.PlainText)
	}
	builder.WriteString("\r\n")

	return []byte(builder.String())
}

// SMTPSender sends messages through an SMTP server.
type SMTPSender struct {
	ServerAddress string
	From          Address
	Auth          smtp.Auth
}

// FromAddress implements mailservice.Sender.
func (sender *SMTPSender) FromAddress() Address {
	return sender.From
}

// SendEmail implements mailservice.Sender.
func (sender *SMTPSender) SendEmail(msg *Message) error {
	rcpts := make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		rcpts = append(rcpts, to.Address)
	}

	err := smtp.SendMail(sender.ServerAddress, sender.Auth, sender.From.Address, rcpts, msg.Bytes())
	return Error.Wrap(err)
}
