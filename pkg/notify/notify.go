// Package notify delivers best-effort email notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Message is one email notification.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (m Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("notify: recipient required")
	}
	if strings.ContainsAny(m.To+m.Subject, "\r\n") {
		return errors.New("notify: header fields must not contain line breaks")
	}
	return nil
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Welcome is sent after a user registers.
func Welcome(email string) Message {
	return Message{
		To:      email,
		Subject: "Welcome to the Library",
		Body:    "Thank you for registering!",
	}
}

// BookBorrowed is sent to a reader after a successful borrow.
func BookBorrowed(email, title string) Message {
	return Message{
		To:      email,
		Subject: "Book Borrowed",
		Body:    fmt.Sprintf("You have borrowed the book: %s.", title),
	}
}

// LogSender writes messages to the structured log instead of delivering them.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "to", msg.To, "subject", msg.Subject)
	return nil
}
