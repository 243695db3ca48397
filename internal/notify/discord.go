package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordAdapter posts alerts to one Discord channel through the REST API.
// No gateway websocket is opened; alerts are outbound only.
type DiscordAdapter struct {
	token     string
	channelID string
	session   *discordgo.Session
	logger    *zap.Logger
}

// NewDiscordAdapter creates a Discord adapter.
func NewDiscordAdapter(token, channelID string, logger *zap.Logger) *DiscordAdapter {
	return &DiscordAdapter{token: token, channelID: channelID, logger: logger}
}

func (a *DiscordAdapter) Platform() string { return "discord" }

// Connect creates the REST session and checks the channel is visible.
func (a *DiscordAdapter) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	ch, err := session.Channel(a.channelID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord channel %s: %w", a.channelID, err)
	}
	a.session = session
	a.logger.Info("discord notify ready", zap.String("channel", ch.Name))
	return nil
}

// Notify sends the alert to the configured channel.
func (a *DiscordAdapter) Notify(ctx context.Context, al Alert) error {
	if a.session == nil {
		return fmt.Errorf("discord adapter not connected")
	}
	_, err := a.session.ChannelMessageSend(a.channelID, discordText(al), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close releases the session.
func (a *DiscordAdapter) Close() error {
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

func discordText(al Alert) string {
	if al.Level == Critical {
		return "**" + al.Text() + "**"
	}
	return al.Text()
}
