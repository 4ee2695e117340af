// Package notifier
package notifier

import "github.com/amirphl/signal-settler/internal/utils"

// Notifier interface for sending operator notifications.
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
}

// NopNotifier drops every message. Used when no channel is configured.
type NopNotifier struct{}

func (NopNotifier) Send(msg string) error {
	utils.GetLogger().Debugf("Notifier | (disabled) %s", msg)
	return nil
}

func (n NopNotifier) SendWithRetry(msg string) error { return n.Send(msg) }
