package service

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog/log"

	"kudos-bot/internal/pkg/retry"
)

// channelIDPattern matches Slack conversation IDs (public, private and group).
var channelIDPattern = regexp.MustCompile(`^[CGD][A-Z0-9]{6,}$`)

// Messenger posts bot messages to the workspace.
type Messenger struct {
	workspace Workspace
	policy    *retry.Policy
	channel   string

	mu        sync.Mutex
	channelID string
}

// NewMessenger creates a Messenger that announces donations in channel,
// given by name or by ID.
func NewMessenger(workspace Workspace, policy *retry.Policy, channel string) *Messenger {
	if policy == nil {
		policy = &retry.Policy{MaxAttempts: 1}
	}
	m := &Messenger{workspace: workspace, policy: policy, channel: channel}
	if channelIDPattern.MatchString(channel) {
		m.channelID = channel
	}
	return m
}

// PostPublic posts text visible to everyone in channelID.
func (m *Messenger) PostPublic(ctx context.Context, channelID, text string) error {
	err := retry.Exec(ctx, m.policy, "chat.postMessage", func(ctx context.Context) error {
		return m.workspace.PostMessage(ctx, channelID, text)
	})
	if err != nil {
		return collaboratorErr("post message", err)
	}
	return nil
}

// PostPrivate posts text in channelID visible only to userID.
func (m *Messenger) PostPrivate(ctx context.Context, channelID, userID, text string) error {
	err := retry.Exec(ctx, m.policy, "chat.postEphemeral", func(ctx context.Context) error {
		return m.workspace.PostEphemeral(ctx, channelID, userID, text)
	})
	if err != nil {
		return collaboratorErr("post ephemeral message", err)
	}
	return nil
}

// AnnouncementChannel returns the announcement channel ID, looking it up by name once.
func (m *Messenger) AnnouncementChannel(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channelID != "" {
		return m.channelID, nil
	}

	id, err := retry.Do(ctx, m.policy, "conversations.list", func(ctx context.Context) (string, error) {
		return m.workspace.ResolveChannel(ctx, m.channel)
	})
	if err != nil {
		return "", collaboratorErr(fmt.Sprintf("resolve channel #%s", m.channel), err)
	}

	log.Info().Str("channel", m.channel).Str("channel_id", id).Msg("Resolved announcement channel")
	m.channelID = id
	return id, nil
}

// Announce posts text publicly in the announcement channel.
func (m *Messenger) Announce(ctx context.Context, text string) error {
	channelID, err := m.AnnouncementChannel(ctx)
	if err != nil {
		return err
	}
	return m.PostPublic(ctx, channelID, text)
}
