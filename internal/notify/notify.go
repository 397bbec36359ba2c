// Package notify pushes run lifecycle notifications to Slack.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/spf13/viper"
)

// Event types
const (
	EventStart   = "on_start"
	EventSuccess = "on_success"
	EventFailure = "on_failure"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Notify(ctx context.Context, eventType, message string) error
}

// SlackNotifier posts run events to a Slack channel via the Bot API.
type SlackNotifier struct {
	client    *slack.Client
	channelID string
	enabled   map[string]bool
}

// NewSlackNotifier builds a notifier from the notifications.slack viper
// tree. Returns nil when Slack is disabled or no token is configured.
func NewSlackNotifier(token string) *SlackNotifier {
	if !viper.GetBool("notifications.slack.enabled") || token == "" {
		return nil
	}
	return &SlackNotifier{
		client:    slack.New(token),
		channelID: viper.GetString("notifications.slack.channel"),
		enabled: map[string]bool{
			EventStart:   viper.GetBool("notifications.slack.events.on_start"),
			EventSuccess: viper.GetBool("notifications.slack.events.on_success"),
			EventFailure: viper.GetBool("notifications.slack.events.on_failure"),
		},
	}
}

// Notify posts the message when the event type is enabled.
func (s *SlackNotifier) Notify(ctx context.Context, eventType, message string) error {
	if s == nil || !s.enabled[eventType] {
		return nil
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channelID, slack.MsgOptionText(message, false))
	if err != nil {
		return fmt.Errorf("failed to send slack notification: %w", err)
	}
	return nil
}
