// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package mailservice

import (
	"sync"

	"go.uber.org/zap"

	"bazaar.io/bazaar/internal/post"
)

// SimulatedSender records messages instead of delivering them. Used in
// development setups without an SMTP server and in tests.
type SimulatedSender struct {
	log *zap.Logger

	mu   sync.Mutex
	sent []post.Message
}

// NewSimulatedSender creates a sender that only logs.
func NewSimulatedSender(log *zap.Logger) *SimulatedSender {
	return &SimulatedSender{log: log}
}

// FromAddress implements Sender.
func (sender *SimulatedSender) FromAddress() post.Address {
	return post.Address{Name: "Bazaar", Address: "noreply@bazaar.local"}
}

// SendEmail implements Sender.
func (sender *SimulatedSender) SendEmail(msg *post.Message) error {
	sender.mu.Lock()
	sender.sent = append(sender.sent, *msg)
	sender.mu.Unlock()

	for _, to := range msg.To {
		sender.log.Info("simulated email",
			zap.String("to", to.Address), zap.String("subject", msg.Subject))
	}
	return nil
}

// Sent returns a copy of all recorded messages.
func (sender *SimulatedSender) Sent() []post.Message {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	return append([]post.Message(nil), sender.sent...)
}
