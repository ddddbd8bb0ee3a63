package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	apperrors "github.com/pentestfunctions/psychoshit/pkg/errors"

	"github.com/pentestfunctions/psychoshit/internal/store"
)

// Channel is one fetchable text channel.
type Channel struct {
	ID   string
	Name string
}

// Fetcher abstracts the remote chat API so the pipeline can be tested
// against fake page sequences. Implementations return errors already mapped
// onto the run-level taxonomy.
type Fetcher interface {
	// GuildChannels lists the guild's readable text channels.
	GuildChannels(ctx context.Context, guildID string) ([]Channel, error)

	// ChannelMessages fetches one page of up to limit messages strictly
	// before beforeID (most recent first). An empty beforeID starts at
	// the channel head.
	ChannelMessages(ctx context.Context, guildID, channelID string, limit int, beforeID string) ([]*store.Message, error)
}

// discordFetcher implements Fetcher over a discordgo session.
type discordFetcher struct {
	session *discordgo.Session
}

// NewDiscordFetcher wraps a discordgo session.
func NewDiscordFetcher(session *discordgo.Session) Fetcher {
	return &discordFetcher{session: session}
}

func (d *discordFetcher) GuildChannels(ctx context.Context, guildID string) ([]Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewContextCancelled("GuildChannels", err)
	}

	channels, err := d.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classifyDiscordErr(fmt.Sprintf("guild %s channels", guildID), err)
	}

	// Standard text and announcement channels hold readable history;
	// voice, forum, and category channels do not.
	var out []Channel
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText || ch.Type == discordgo.ChannelTypeGuildNews {
			out = append(out, Channel{ID: ch.ID, Name: ch.Name})
		}
	}
	return out, nil
}

func (d *discordFetcher) ChannelMessages(ctx context.Context, guildID, channelID string, limit int, beforeID string) ([]*store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewContextCancelled("ChannelMessages", err)
	}

	batch, err := d.session.ChannelMessages(channelID, limit, beforeID, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classifyDiscordErr(fmt.Sprintf("channel %s", channelID), err)
	}

	out := make([]*store.Message, 0, len(batch))
	for _, m := range batch {
		out = append(out, convertMessage(guildID, channelID, m))
	}
	return out, nil
}

func convertMessage(guildID, channelID string, m *discordgo.Message) *store.Message {
	var mentions []string
	for _, u := range m.Mentions {
		if u != nil {
			mentions = append(mentions, u.ID)
		}
	}

	msg := &store.Message{
		ID:            m.ID,
		GuildID:       guildID,
		ChannelID:     channelID,
		Content:       m.Content,
		Timestamp:     m.Timestamp.UTC(),
		Mentions:      store.EncodeMentions(mentions),
		HasAttachment: len(m.Attachments) > 0,
		IsReply:       m.MessageReference != nil,
	}
	if m.Author != nil {
		msg.UserID = m.Author.ID
		msg.Username = m.Author.Username
		if m.Author.Bot {
			msg.UserID = "" // filtered by the pipeline
		}
	}
	return msg
}

// classifyDiscordErr maps discordgo errors onto the taxonomy: explicit rate
// limits carry their retry-after, credential failures are fatal for the
// whole run, per-channel denial is skippable, everything else is transient.
func classifyDiscordErr(resource string, err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return apperrors.NewThrottled(resource, rl.RetryAfter, err)
	}

	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusUnauthorized:
			return apperrors.NewAuth("chat API rejected credentials", err)
		case http.StatusForbidden, http.StatusNotFound:
			return apperrors.NewPermission(resource, err)
		case http.StatusTooManyRequests:
			return apperrors.NewThrottled(resource, 0, err)
		}
		if rest.Response.StatusCode >= 500 {
			return apperrors.NewTransient(resource, 0, err)
		}
		return apperrors.NewFatal(fmt.Sprintf("unexpected chat API response for %s (HTTP %d)", resource, rest.Response.StatusCode), err)
	}

	return apperrors.NewTransient(resource, 0, err)
}
