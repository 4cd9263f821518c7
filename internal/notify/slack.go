package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
)

const maxRetries = 3

// slackClient abstracts the Slack Web API for testing.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts notices to one channel as attachments.
type Slack struct {
	client    slackClient
	channelID string
}

// NewSlack returns a Slack notifier using a bot token.
func NewSlack(botToken, channelID string) *Slack {
	return &Slack{client: slackapi.New(botToken), channelID: channelID}
}

func (s *Slack) Notify(ctx context.Context, n Notice) error {
	if s.channelID == "" {
		return fmt.Errorf("slack: no channel specified")
	}
	options := []slackapi.MsgOption{
		slackapi.MsgOptionText(n.Text(), false),
		slackapi.MsgOptionAttachments(noticeToAttachment(n)),
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessage(s.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func noticeToAttachment(n Notice) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    n.Title,
		Text:     n.Body,
		Color:    severityColor(n.Severity),
		Fallback: n.Title,
	}
	for _, f := range n.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: true,
		})
	}
	return att
}

func severityColor(severity string) string {
	if severity == SeverityWarning {
		return "#daa038"
	}
	return "#36a64f"
}

// retryOnRateLimit calls fn and retries on Slack rate limit errors, waiting
// for the RetryAfter Slack reports.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
