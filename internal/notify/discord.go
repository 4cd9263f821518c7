package notify

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"
)

// discordSession is the subset of *discordgo.Session the notifier uses.
type discordSession interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts notices to one channel as embeds. Only the REST API is
// used, so no gateway connection is opened.
type Discord struct {
	sess        discordSession
	channelID   string
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewDiscord returns a Discord notifier using a bot token.
func NewDiscord(botToken, channelID string) (*Discord, error) {
	dg, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return newDiscord(dg, channelID), nil
}

func newDiscord(sess discordSession, channelID string) *Discord {
	return &Discord{sess: sess, channelID: channelID, baseBackoff: time.Second, maxBackoff: 30 * time.Second}
}

func (d *Discord) Notify(ctx context.Context, n Notice) error {
	if d.channelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}
	data := &discordgo.MessageSend{
		Content: n.Text(),
		Embeds:  []*discordgo.MessageEmbed{noticeToEmbed(n)},
	}
	err := d.retryOnRateLimit(ctx, func() error {
		_, sendErr := d.sess.ChannelMessageSendComplex(d.channelID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

func noticeToEmbed(n Notice) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Body,
		Color:       parseHexColor(severityColor(n.Severity)),
	}
	if !n.Ts.IsZero() {
		embed.Timestamp = n.Ts.UTC().Format(time.RFC3339)
	}
	for _, f := range n.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: true,
		})
	}
	return embed
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

func (d *Discord) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			return err
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * d.baseBackoff
		if wait > d.maxBackoff {
			wait = d.maxBackoff
		}
		log.WithField("attempt", attempt+1).Warnf("discord: rate limited, retrying in %v", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
