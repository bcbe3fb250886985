// Package slackclient adapts the slack-go Web API client to the bot's workspace collaborator.
package slackclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"

	"kudos-bot/internal/model"
)

const (
	usersPageSize    = 200
	channelsPageSize = 200

	// slackbotID is the built-in Slackbot, which the API does not flag as a bot.
	slackbotID = "USLACKBOT"
)

// Client implements service.Workspace on top of the Slack Web API.
type Client struct {
	api *slack.Client
}

// New creates a Client authenticated with a bot token.
func New(token string, options ...slack.Option) *Client {
	return &Client{api: slack.New(token, options...)}
}

// ListUsers pages through users.list and returns every member.
func (c *Client) ListUsers(ctx context.Context) ([]model.Identity, error) {
	var members []model.Identity

	var err error
	p := c.api.GetUsersPaginated(slack.GetUsersOptionLimit(usersPageSize))
	for {
		p, err = p.Next(ctx)
		if err != nil {
			break
		}
		for _, u := range p.Users {
			members = append(members, toIdentity(u))
		}
	}
	if err := p.Failure(err); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	return members, nil
}

// PostMessage posts text to a channel.
func (c *Client) PostMessage(ctx context.Context, channelID, text string) error {
	if _, _, err := c.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}
	return nil
}

// PostEphemeral posts text visible only to userID.
func (c *Client) PostEphemeral(ctx context.Context, channelID, userID, text string) error {
	if _, err := c.api.PostEphemeralContext(ctx, channelID, userID, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("failed to post ephemeral message: %w", err)
	}
	return nil
}

// ResolveChannel finds the public channel called name and returns its ID.
func (c *Client) ResolveChannel(ctx context.Context, name string) (string, error) {
	params := &slack.GetConversationsParameters{
		ExcludeArchived: true,
		Limit:           channelsPageSize,
		Types:           []string{"public_channel"},
	}

	for {
		channels, cursor, err := c.api.GetConversationsContext(ctx, params)
		if err != nil {
			return "", fmt.Errorf("failed to list channels: %w", err)
		}
		for _, ch := range channels {
			if ch.Name == name {
				return ch.ID, nil
			}
		}
		if cursor == "" {
			return "", fmt.Errorf("channel #%s not found", name)
		}
		params.Cursor = cursor
	}
}

// IsRateLimited reports whether err is Slack asking the caller to slow down.
func IsRateLimited(err error) bool {
	var limited *slack.RateLimitedError
	if errors.As(err, &limited) {
		return true
	}
	var status slack.StatusCodeError
	return errors.As(err, &status) && status.Code == http.StatusTooManyRequests
}

func toIdentity(u slack.User) model.Identity {
	display := u.RealName
	if display == "" {
		display = u.Profile.RealName
	}
	return model.Identity{
		ExternalID:  u.ID,
		Handle:      u.Name,
		DisplayName: display,
		IsBot:       u.IsBot || u.ID == slackbotID,
		Deleted:     u.Deleted,
	}
}
