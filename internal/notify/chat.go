package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackSink posts recovery outcomes to one Slack channel. Other event
// kinds are too chatty for a channel and are skipped.
type SlackSink struct {
	client    *slack.Client
	channelID string
	username  string
	logger    *zap.Logger
}

// NewSlackSink creates a sink using a bot token (xoxb-...).
func NewSlackSink(botToken, channelID string, logger *zap.Logger) *SlackSink {
	return &SlackSink{
		client:    slack.New(botToken),
		channelID: channelID,
		username:  "teamwarden",
		logger:    logger,
	}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, ev Event) error {
	if ev.Kind != KindRecovery {
		return nil
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(ev.Text(), false),
		slack.MsgOptionUsername(s.username),
	)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// DiscordSink posts recovery outcomes to one Discord channel over REST.
// No gateway websocket is opened.
type DiscordSink struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordSink creates a sink authenticated with a bot token.
func NewDiscordSink(token, channelID string, logger *zap.Logger) (*DiscordSink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordSink{session: session, channelID: channelID, logger: logger}, nil
}

func (d *DiscordSink) Name() string { return "discord" }

func (d *DiscordSink) Send(ctx context.Context, ev Event) error {
	if ev.Kind != KindRecovery {
		return nil
	}
	if _, err := d.session.ChannelMessageSend(d.channelID, ev.Text(), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
