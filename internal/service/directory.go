package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kudos-bot/internal/model"
	"kudos-bot/internal/pkg/cache"
	"kudos-bot/internal/pkg/retry"
	"kudos-bot/internal/repository"
)

// Workspace is the chat platform the bot lives in.
type Workspace interface {
	// ListUsers returns every member, bots and deleted accounts included.
	ListUsers(ctx context.Context) ([]model.Identity, error)
	PostMessage(ctx context.Context, channelID, text string) error
	PostEphemeral(ctx context.Context, channelID, userID, text string) error
	// ResolveChannel returns the ID of the public channel called name.
	ResolveChannel(ctx context.Context, name string) (string, error)
}

// missReloadAfter is the minimum snapshot age before a lookup miss triggers a reload.
const missReloadAfter = time.Minute

// UserDirectory resolves workspace identities and keeps local user records in sync.
type UserDirectory struct {
	workspace Workspace
	store     repository.Store
	policy    *retry.Policy
	users     *cache.Cache[string, model.Identity]

	reloadMu sync.Mutex
}

// NewUserDirectory creates a UserDirectory whose member snapshot expires after ttl.
func NewUserDirectory(workspace Workspace, store repository.Store, policy *retry.Policy, ttl time.Duration, clock cache.Clock) *UserDirectory {
	if policy == nil {
		policy = &retry.Policy{MaxAttempts: 1}
	}
	return &UserDirectory{
		workspace: workspace,
		store:     store,
		policy:    policy,
		users:     cache.New[string, model.Identity](ttl, clock),
	}
}

// Refresh reloads the member snapshot, dropping bots and deleted accounts.
func (d *UserDirectory) Refresh(ctx context.Context) error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()
	return d.reload(ctx)
}

func (d *UserDirectory) reload(ctx context.Context) error {
	members, err := retry.Do(ctx, d.policy, "users.list", d.workspace.ListUsers)
	if err != nil {
		return collaboratorErr("list workspace users", err)
	}

	keys := make([]string, 0, len(members))
	items := make(map[string]model.Identity, len(members))
	for _, m := range members {
		if m.IsBot || m.Deleted {
			continue
		}
		if _, dup := items[m.ExternalID]; dup {
			continue
		}
		keys = append(keys, m.ExternalID)
		items[m.ExternalID] = m
	}
	d.users.Replace(keys, items)

	log.Debug().Int("members", len(keys)).Msg("Workspace user cache reloaded")
	return nil
}

// ensureFresh reloads when there is no snapshot or it has expired.
func (d *UserDirectory) ensureFresh(ctx context.Context) error {
	if d.users.Fresh() {
		return nil
	}
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()
	if d.users.Fresh() {
		return nil
	}
	return d.reload(ctx)
}

// lookup runs find on a fresh snapshot. On a miss against a snapshot older
// than missReloadAfter it reloads once and tries again.
func (d *UserDirectory) lookup(ctx context.Context, find func() (model.Identity, bool)) (model.Identity, error) {
	if err := d.ensureFresh(ctx); err != nil {
		return model.Identity{}, err
	}
	if id, ok := find(); ok {
		return id, nil
	}

	d.reloadMu.Lock()
	age, _ := d.users.Age()
	var err error
	if age >= missReloadAfter {
		err = d.reload(ctx)
	}
	d.reloadMu.Unlock()
	if err != nil {
		return model.Identity{}, err
	}

	if id, ok := find(); ok {
		return id, nil
	}
	return model.Identity{}, ErrNotFound
}

// ResolveByID finds a member by workspace user ID.
func (d *UserDirectory) ResolveByID(ctx context.Context, externalID string) (model.Identity, error) {
	return d.lookup(ctx, func() (model.Identity, bool) {
		id, _, ok := d.users.Get(externalID)
		return id, ok
	})
}

// ResolveByHandle finds a member by handle. A leading @ is ignored.
func (d *UserDirectory) ResolveByHandle(ctx context.Context, handle string) (model.Identity, error) {
	handle = strings.TrimPrefix(handle, "@")
	return d.lookup(ctx, func() (model.Identity, bool) {
		return d.users.Find(func(id model.Identity) bool { return id.Handle == handle })
	})
}

// ListAll returns every human, non-deleted member.
func (d *UserDirectory) ListAll(ctx context.Context) ([]model.Identity, error) {
	if err := d.ensureFresh(ctx); err != nil {
		return nil, err
	}
	return d.users.Values(), nil
}

// ResolveUser resolves a member by ID and returns the synced local record.
func (d *UserDirectory) ResolveUser(ctx context.Context, externalID string) (*model.User, error) {
	identity, err := d.ResolveByID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return d.Upsert(ctx, identity)
}

// ResolveUserByHandle resolves a member by handle and returns the synced local record.
func (d *UserDirectory) ResolveUserByHandle(ctx context.Context, handle string) (*model.User, error) {
	identity, err := d.ResolveByHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	return d.Upsert(ctx, identity)
}

// Upsert creates the local record for identity or updates its handle and
// display name when either differs. Status is never touched.
func (d *UserDirectory) Upsert(ctx context.Context, identity model.Identity) (*model.User, error) {
	user, created, err := d.store.GetOrCreateUser(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to ensure user: %w", ErrInfrastructure, err)
	}
	if created {
		log.Info().Str("external_id", identity.ExternalID).Str("handle", identity.Handle).Msg("Registered new user")
		return user, nil
	}

	if user.Handle == identity.Handle && user.DisplayName == identity.DisplayName {
		return user, nil
	}

	updated, err := d.store.UpdateUserProfile(ctx, user.ID, identity.Handle, identity.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to update user profile: %w", ErrInfrastructure, err)
	}
	return updated, nil
}

// collaboratorErr classifies a failed workspace call.
func collaboratorErr(action string, err error) error {
	if errors.Is(err, retry.ErrAttemptsExhausted) {
		return fmt.Errorf("%w: failed to %s: %w", ErrRateLimited, action, err)
	}
	return fmt.Errorf("%w: failed to %s: %w", ErrInfrastructure, action, err)
}
