package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kudos-bot/internal/model"
	"kudos-bot/internal/pkg/retry"
)

func TestParseDonation(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    *DonationCommand
		wantErr error
	}{
		{"basic", "@bob 30 great work", &DonationCommand{"bob", 30, "great work"}, nil},
		{"surrounding whitespace", "   @bob.smith-2  5   thanks!  ", &DonationCommand{"bob.smith-2", 5, "thanks!"}, nil},
		{"zero", "@bob 0 nice work", nil, ErrInvalidAmount},
		{"overflow", "@bob 99999999999999999999 wow", nil, ErrInvalidAmount},
		{"wider than 32 bits", "@bob 2147483648 wow", nil, ErrInvalidAmount},
		{"32-bit maximum", "@bob 2147483647 wow", &DonationCommand{"bob", 2147483647, "wow"}, nil},
		{"no at sign", "bob 5 thanks", nil, ErrMalformedCommand},
		{"no message", "@bob 5", nil, ErrMalformedCommand},
		{"negative", "@bob -5 thanks", nil, ErrMalformedCommand},
		{"empty", "", nil, ErrMalformedCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDonation(tt.text)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGive_Success(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	resp := f.donations.Give(ctx, "UALICE", "@bob 30 great work", "C0GENERAL")

	require.True(t, resp.Success, resp.Text)
	assert.Equal(t, "Successfully gave 30 coins to <@UBOB>. You have 70 coins remaining.", resp.Text)
	assert.Equal(t, int64(70), f.remaining("UALICE"))
	assert.Equal(t, int64(30), f.score("UBOB"))
	assert.Equal(t, int64(100), f.remaining("UBOB"), "recipient allowance is untouched")
	assert.Equal(t, int64(0), f.score("UALICE"))

	txs, err := f.txlog.BySender(ctx, f.user("UALICE").ID, Page{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, f.user("UBOB").ID, txs[0].RecipientID)
	assert.Equal(t, int64(30), txs[0].Amount)
	assert.Equal(t, "great work", txs[0].Message)

	posts := f.workspace.announcements()
	require.Len(t, posts, 1)
	assert.Equal(t, "C0DONATE1", posts[0].Channel)
	assert.Equal(t, `@here <@UALICE> gives 30 to <@UBOB>: "great work"`, posts[0].Text)
}

func TestGive_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		text  string
		want  string
	}{
		{
			name: "malformed",
			text: "bob 5",
			want: "Invalid format. Use: `/i-want-to-give @username {score} message`",
		},
		{
			name: "zero amount",
			text: "@bob 0 nice work",
			want: "Error: Coins must be greater than 0.",
		},
		{
			name: "unknown recipient",
			text: "@nobody 5 thanks",
			want: "Error: Recipient user @nobody is not registered in the workspace.",
		},
		{
			name: "self donation",
			text: "@alice 5 me",
			want: "Security violation: Cannot give points to yourself",
		},
		{
			name: "amount wider than 32 bits",
			text: "@bob 99999999999 thanks",
			want: "Error: Invalid coins value. Must be a number.",
		},
		{
			name: "above maximum",
			text: "@bob 101 too much",
			want: "Security violation: Invalid points amount",
		},
		{
			name: "sender deactivated",
			setup: func(f *fixture) {
				u, err := f.directory.ResolveUser(context.Background(), "UALICE")
				require.NoError(t, err)
				require.NoError(t, f.store.SetUserStatus(context.Background(), u.ID, model.UserStatusDeactivated))
			},
			text: "@bob 5 thanks",
			want: "Security violation: Your account is deactivated. Please contact an administrator.",
		},
		{
			name: "recipient deactivated",
			setup: func(f *fixture) {
				u, err := f.directory.ResolveUser(context.Background(), "UBOB")
				require.NoError(t, err)
				require.NoError(t, f.store.SetUserStatus(context.Background(), u.ID, model.UserStatusDeactivated))
			},
			text: "@bob 5 thanks",
			want: "Security violation: Cannot give points to a deactivated user.",
		},
		{
			name: "insufficient allowance",
			setup: func(f *fixture) {
				resp := f.donations.Give(context.Background(), "UALICE", "@carol 95 thanks", "C1")
				require.True(t, resp.Success, resp.Text)
			},
			text: "@bob 10 thanks",
			want: "Security violation: Not enough points to give. You have 5 points remaining.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if tt.setup != nil {
				tt.setup(f)
			}
			before := f.transactionCount()

			resp := f.donations.Give(context.Background(), "UALICE", tt.text, "C1")

			assert.False(t, resp.Success)
			assert.Equal(t, tt.want, resp.Text)
			assert.Equal(t, before, f.transactionCount(), "no transaction recorded")
		})
	}
}

func TestGive_UnknownSender(t *testing.T) {
	f := newFixture(bob)

	resp := f.donations.Give(context.Background(), "UALICE", "@bob 5 thanks", "C1")

	assert.False(t, resp.Success)
	assert.Equal(t, "Error: You are not registered in the workspace. Please contact an administrator.", resp.Text)
}

func TestGive_ZeroAmountMutatesNothing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.directory.ResolveUser(ctx, "UALICE")
	require.NoError(t, err)
	_, err = f.directory.ResolveUser(ctx, "UBOB")
	require.NoError(t, err)

	resp := f.donations.Give(ctx, "UALICE", "@bob 0 nice work", "C1")

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Text, "must be greater than 0")
	assert.Equal(t, int64(100), f.remaining("UALICE"))
	assert.Equal(t, int64(0), f.score("UBOB"))
	assert.Equal(t, 0, f.transactionCount())
}

func TestGive_VelocityLimit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		resp := f.donations.Give(ctx, "UALICE", "@bob 1 thanks", "C1")
		require.True(t, resp.Success, "donation %d: %s", i+1, resp.Text)
		f.clock.Advance(10 * time.Second)
	}

	resp := f.donations.Give(ctx, "UALICE", "@bob 1 thanks", "C1")
	assert.False(t, resp.Success)
	assert.Equal(t, "Security violation: Too many transactions in a short period. Please wait a few minutes.", resp.Text)
	assert.Equal(t, int64(90), f.remaining("UALICE"))
	assert.Equal(t, int64(10), f.score("UBOB"))
	assert.Equal(t, 10, f.transactionCount())

	// The window slides: once the first donations age out, giving works again
	f.clock.Advance(5 * time.Minute)
	resp = f.donations.Give(ctx, "UALICE", "@bob 1 thanks", "C1")
	assert.True(t, resp.Success, resp.Text)
}

func TestGive_AnnouncementFailureKeepsTransfer(t *testing.T) {
	f := newFixture()
	f.workspace.postErr = errors.New("channel_not_found")

	resp := f.donations.Give(context.Background(), "UALICE", "@bob 10 thanks", "C1")

	require.True(t, resp.Success, resp.Text)
	assert.Equal(t, int64(90), f.remaining("UALICE"))
	assert.Equal(t, int64(10), f.score("UBOB"))
	assert.Equal(t, 1, f.transactionCount())
}

func TestGive_WorkspaceRateLimited(t *testing.T) {
	f := newFixture()
	f.workspace.listFailures = 10
	f.workspace.listErr = errTooManyRequests

	resp := f.donations.Give(context.Background(), "UALICE", "@bob 10 thanks", "C1")

	assert.False(t, resp.Success)
	assert.Equal(t, rateLimitedText, resp.Text)
	assert.Equal(t, 3, f.workspace.calls(), "bounded by the retry policy")
	assert.Equal(t, 0, f.transactionCount())
}

func TestGive_WorkspaceRecoversWithinRetries(t *testing.T) {
	f := newFixture()
	f.workspace.listFailures = 2
	f.workspace.listErr = errTooManyRequests

	resp := f.donations.Give(context.Background(), "UALICE", "@bob 10 thanks", "C1")

	assert.True(t, resp.Success, resp.Text)
}

func TestGive_ConcurrentSenderCannotOverspend(t *testing.T) {
	f := newFixture()
	f.donations.rules.VelocityLimit = 1000
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := f.donations.Give(ctx, "UALICE", "@bob 10 thanks", "C1")
			if resp.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, successes)
	assert.Equal(t, int64(0), f.remaining("UALICE"))
	assert.Equal(t, int64(100), f.score("UBOB"))
	assert.Equal(t, 10, f.transactionCount())
}

func TestGive_ConcurrentVelocity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.donations.Give(ctx, "UALICE", "@bob 1 thanks", "C1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, f.transactionCount(), "velocity limit holds under concurrency")
}

func TestBalance(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	resp := f.donations.Give(ctx, "UBOB", "@alice 12 thanks", "C1")
	require.True(t, resp.Success, resp.Text)
	resp = f.donations.Give(ctx, "UALICE", "@carol 40 thanks", "C1")
	require.True(t, resp.Success, resp.Text)

	resp = f.donations.Balance(ctx, "UALICE")
	require.True(t, resp.Success)
	assert.Equal(t, "*Your Detail Coins*\nCurrent Coins: 12 coins\nRemaining Coins to Give: 60/100\n", resp.Text)
}

func TestBalance_NewUser(t *testing.T) {
	f := newFixture()

	resp := f.donations.Balance(context.Background(), "UCAROL")

	require.True(t, resp.Success)
	assert.Equal(t, "*Your Detail Coins*\nCurrent Coins: 0 coins\nRemaining Coins to Give: 100/100\n", resp.Text)
}

func TestBalance_UnknownUser(t *testing.T) {
	f := newFixture()

	resp := f.donations.Balance(context.Background(), "UNOBODY")

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Text, "You are not registered in the workspace")
}

func TestTopTen_FiltersDeactivated(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	cycle := f.calendar.Current()

	active, _, err := f.store.GetOrCreateUser(ctx, alice)
	require.NoError(t, err)
	inactive, _, err := f.store.GetOrCreateUser(ctx, bob)
	require.NoError(t, err)

	_, err = f.store.AddScore(ctx, active.ID, cycle, 50)
	require.NoError(t, err)
	_, err = f.store.AddScore(ctx, inactive.ID, cycle, 9999)
	require.NoError(t, err)
	require.NoError(t, f.store.SetUserStatus(ctx, inactive.ID, model.UserStatusDeactivated))

	resp := f.donations.TopTen(ctx)

	require.True(t, resp.Success)
	assert.Equal(t, "*Top 10 Users for MARCH 2026*\n\n1. *Alice* - 50 coins\n", resp.Text)
}

func TestTopTen_FallsBackToHandle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	resp := f.donations.Give(ctx, "UALICE", "@carol 7 thanks", "C1")
	require.True(t, resp.Success, resp.Text)
	resp = f.donations.Give(ctx, "UALICE", "@bob 9 thanks", "C1")
	require.True(t, resp.Success, resp.Text)

	resp = f.donations.TopTen(ctx)

	require.True(t, resp.Success)
	assert.Equal(t, "*Top 10 Users for MARCH 2026*\n\n1. *Bob* - 9 coins\n2. *carol* - 7 coins\n", resp.Text)
}

func TestTopTen_Empty(t *testing.T) {
	f := newFixture()

	resp := f.donations.TopTen(context.Background())

	assert.True(t, resp.Success)
	assert.Equal(t, "No coins recorded for this month yet.", resp.Text)
}

func TestHelp(t *testing.T) {
	f := newFixture()

	resp := f.donations.Help()

	assert.True(t, resp.Success)
	assert.Contains(t, resp.Text, "/i-want-to-give")
	assert.Contains(t, resp.Text, "/mine")
	assert.Contains(t, resp.Text, "/top-ten")
	assert.Contains(t, resp.Text, "/help")
}

func TestKindLabel(t *testing.T) {
	assert.Equal(t, "ok", KindLabel(nil))
	assert.Equal(t, "self_donation", KindLabel(violation(ErrSelfDonation, "x")))
	assert.Equal(t, "sender_busy", KindLabel(invalid(ErrSenderBusy, "x")))
	assert.Equal(t, "rate_limited", KindLabel(collaboratorErr("list users", retry.ErrAttemptsExhausted)))
	assert.Equal(t, "infrastructure", KindLabel(errors.New("boom")))
}

func TestGive_StoreFailureLeavesNoPartialChange(t *testing.T) {
	for _, step := range []string{"debit", "credit", "record"} {
		t.Run(step, func(t *testing.T) {
			f := newFixture()
			donations := f.donationsOn(&failingStore{Store: f.store, failOn: step}, f.messenger)

			resp := donations.Give(context.Background(), "UALICE", "@bob 30 thanks", "C1")

			assert.False(t, resp.Success)
			assert.Equal(t, infrastructureText, resp.Text)
			assert.Equal(t, int64(100), f.remaining("UALICE"))
			assert.Equal(t, int64(0), f.score("UBOB"))
			assert.Equal(t, 0, f.transactionCount())
			assert.Empty(t, f.workspace.announcements())
		})
	}
}

func TestGive_SenderLockTimeout(t *testing.T) {
	f := newFixture()
	f.donations.rules.LockTimeout = 20 * time.Millisecond
	ctx := context.Background()
	sender, err := f.directory.ResolveUser(ctx, "UALICE")
	require.NoError(t, err)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.donations.senders.WithLockContext(ctx, sender.ID, time.Second, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	resp := f.donations.Give(ctx, "UALICE", "@bob 10 thanks", "C1")

	assert.False(t, resp.Success)
	assert.Equal(t, "Error: Your previous donation is still being processed. Please try again in a moment.", resp.Text)
	assert.Equal(t, int64(100), f.remaining("UALICE"))
	assert.Equal(t, 0, f.transactionCount())

	close(release)
	<-done

	f.donations.rules.LockTimeout = time.Second
	resp = f.donations.Give(ctx, "UALICE", "@bob 10 thanks", "C1")
	assert.True(t, resp.Success, resp.Text)
}

func TestGive_AnnouncementDoesNotHoldSenderLock(t *testing.T) {
	f := newFixture()
	announcer := newGateAnnouncer()
	donations := f.donationsOn(f.store, announcer)
	donations.rules.LockTimeout = time.Second
	ctx := context.Background()

	first := make(chan Response, 1)
	go func() {
		first <- donations.Give(ctx, "UALICE", "@bob 10 thanks", "C1")
	}()
	<-announcer.entered

	// The first donation is committed and stuck announcing
	second := donations.Give(ctx, "UALICE", "@carol 5 thanks", "C1")
	require.True(t, second.Success, second.Text)
	assert.Equal(t, int64(85), f.remaining("UALICE"))

	close(announcer.release)
	resp := <-first
	assert.True(t, resp.Success, resp.Text)
}
