// Package notify delivers out-of-band messages to users. The default sender
// only logs; a real SMS gateway plugs in behind the same interface.
package notify

import (
	"context"
	"log"
)

// Sender delivers a short text message to a phone number.
type Sender interface {
	SendSMS(ctx context.Context, phone string, message string) error
}

// LogSender writes messages to the server log instead of sending them.
type LogSender struct{}

func (LogSender) SendSMS(ctx context.Context, phone string, message string) error {
	log.Printf("[notify] SMS to %s: %s", phone, message)
	return nil
}
