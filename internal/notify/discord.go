package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

const (
	colorSuccess = 0x36a64f
	colorFailure = 0xdc3545
)

// discordSession abstracts the discordgo.Session methods we use, enabling
// test mocks.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts embed messages to a fixed channel via the Discord REST API.
type Discord struct {
	sess      discordSession
	channelID string
}

// DiscordOpts holds parameters for creating a Discord backend.
type DiscordOpts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of the real Discord API.
	Session discordSession
}

// NewDiscord creates a Discord backend.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	sess := opts.Session
	if sess == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("notify: discord bot token is required")
		}
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("notify: discord session: %w", err)
		}
		sess = s
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: discord channel id is required")
	}
	return &Discord{sess: sess, channelID: opts.ChannelID}, nil
}

func (d *Discord) NotifySuccess(ctx context.Context, ev Event) error {
	embed := &discordgo.MessageEmbed{
		Title:       "✅ QA Tests Passed",
		Description: ev.Detail,
		Color:       colorSuccess,
		Fields:      discordFields(ev, ""),
	}
	if _, err := d.sess.ChannelMessageSendEmbed(d.channelID, embed); err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	return nil
}

func (d *Discord) NotifyFailure(ctx context.Context, ev Event) error {
	embed := &discordgo.MessageEmbed{
		Title: "❌ QA Pipeline Failed",
		Color: colorFailure,
		Fields: discordFields(ev, ev.Stage),
	}
	if ev.Err != "" {
		embed.Description = "```\n" + truncate(ev.Err, maxErrLen) + "\n```"
	}
	if _, err := d.sess.ChannelMessageSendEmbed(d.channelID, embed); err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	return nil
}

func discordFields(ev Event, stage string) []*discordgo.MessageEmbedField {
	ticket := ev.TicketKey
	if ev.TicketURL != "" {
		ticket = fmt.Sprintf("[%s](%s)", ev.TicketKey, ev.TicketURL)
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Ticket", Value: ticket, Inline: true},
	}
	if stage != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Stage", Value: stage, Inline: true})
	}
	if ev.PRUrl != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Pull Request", Value: ev.PRUrl})
	}
	return fields
}
