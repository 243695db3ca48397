package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackAdapter posts alerts to one Slack channel with a bot token.
type SlackAdapter struct {
	channel string
	client  *slack.Client
	logger  *zap.Logger
}

// NewSlackAdapter creates a Slack adapter. Extra client options (such as
// slack.OptionAPIURL) are passed through.
func NewSlackAdapter(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackAdapter {
	return &SlackAdapter{
		channel: channel,
		client:  slack.New(botToken, opts...),
		logger:  logger,
	}
}

func (a *SlackAdapter) Platform() string { return "slack" }

// Connect verifies the token.
func (a *SlackAdapter) Connect(ctx context.Context) error {
	resp, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	a.logger.Info("slack notify ready",
		zap.String("team", resp.Team),
		zap.String("channel", a.channel))
	return nil
}

// Notify posts the alert to the configured channel.
func (a *SlackAdapter) Notify(ctx context.Context, al Alert) error {
	_, _, err := a.client.PostMessageContext(ctx, a.channel,
		slack.MsgOptionText(slackText(al), false),
		slack.MsgOptionUsername("fleet"),
	)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

func (a *SlackAdapter) Close() error { return nil }

func slackText(al Alert) string {
	icon := ":information_source:"
	switch al.Level {
	case Warning:
		icon = ":warning:"
	case Critical:
		icon = ":rotating_light:"
	}
	return icon + " " + al.Text()
}
