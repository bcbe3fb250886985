package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"kudos-bot/internal/model"
	"kudos-bot/internal/pkg/retry"
	"kudos-bot/internal/repository"
)

var errTooManyRequests = errors.New("slack rate limit exceeded")

// testClock is a settable clock shared by the store, cache and services.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type postedMessage struct {
	Channel string
	User    string
	Text    string
}

// fakeWorkspace is an in-memory Workspace.
type fakeWorkspace struct {
	mu sync.Mutex

	members   []model.Identity
	listCalls int
	// listFailures makes the next n ListUsers calls fail with listErr.
	listFailures int
	listErr      error

	channels     map[string]string
	resolveCalls int

	posts     []postedMessage
	ephemeral []postedMessage
	postErr   error
}

func newFakeWorkspace(members ...model.Identity) *fakeWorkspace {
	return &fakeWorkspace{
		members:  members,
		channels: map[string]string{"donate": "C0DONATE1"},
	}
}

func (w *fakeWorkspace) ListUsers(ctx context.Context) ([]model.Identity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listCalls++
	if w.listFailures > 0 {
		w.listFailures--
		return nil, w.listErr
	}
	return append([]model.Identity(nil), w.members...), nil
}

func (w *fakeWorkspace) PostMessage(ctx context.Context, channelID, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.postErr != nil {
		return w.postErr
	}
	w.posts = append(w.posts, postedMessage{Channel: channelID, Text: text})
	return nil
}

func (w *fakeWorkspace) PostEphemeral(ctx context.Context, channelID, userID, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.postErr != nil {
		return w.postErr
	}
	w.ephemeral = append(w.ephemeral, postedMessage{Channel: channelID, User: userID, Text: text})
	return nil
}

func (w *fakeWorkspace) ResolveChannel(ctx context.Context, name string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resolveCalls++
	id, ok := w.channels[name]
	if !ok {
		return "", errors.New("channel_not_found")
	}
	return id, nil
}

func (w *fakeWorkspace) addMember(m model.Identity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.members = append(w.members, m)
}

func (w *fakeWorkspace) setMembers(members ...model.Identity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.members = members
}

func (w *fakeWorkspace) calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.listCalls
}

func (w *fakeWorkspace) announcements() []postedMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]postedMessage(nil), w.posts...)
}

// testPolicy retries errTooManyRequests without sleeping.
func testPolicy(attempts int) *retry.Policy {
	return &retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		Retryable:   func(err error) bool { return errors.Is(err, errTooManyRequests) },
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	}
}

var (
	alice = model.Identity{ExternalID: "UALICE", Handle: "alice", DisplayName: "Alice"}
	bob   = model.Identity{ExternalID: "UBOB", Handle: "bob", DisplayName: "Bob"}
	carol = model.Identity{ExternalID: "UCAROL", Handle: "carol", DisplayName: ""}
)

// fixture wires every service on a MemoryStore and a fakeWorkspace.
type fixture struct {
	clock     *testClock
	store     *repository.MemoryStore
	workspace *fakeWorkspace
	calendar  Calendar

	ledger    *Ledger
	txlog     *TransactionLog
	directory *UserDirectory
	messenger *Messenger
	donations *DonationService
	cycles    *CycleManager
}

const testMaxPerCycle = int64(100)

func newFixture(members ...model.Identity) *fixture {
	if len(members) == 0 {
		members = []model.Identity{alice, bob, carol}
	}

	clock := newTestClock(time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore(clock.Now)
	workspace := newFakeWorkspace(members...)
	calendar := Calendar{Clock: clock.Now, Location: time.UTC}

	f := &fixture{
		clock:     clock,
		store:     store,
		workspace: workspace,
		calendar:  calendar,
	}
	f.ledger = NewLedger(store, testMaxPerCycle, calendar)
	f.txlog = NewTransactionLog(store, calendar)
	f.directory = NewUserDirectory(workspace, store, testPolicy(3), time.Hour, clock.Now)
	f.messenger = NewMessenger(workspace, testPolicy(3), "donate")
	f.donations = NewDonationService(store, f.ledger, f.txlog, f.directory, f.messenger,
		DonationRules{VelocityWindow: 5 * time.Minute, VelocityLimit: 10}, calendar)
	f.cycles = NewCycleManager(store, testMaxPerCycle, calendar)
	return f
}

func (f *fixture) user(ext string) *model.User {
	u, err := f.store.GetUserByExternalID(context.Background(), ext)
	if err != nil {
		panic(err)
	}
	return u
}

func (f *fixture) remaining(ext string) int64 {
	r, err := f.ledger.GetRemainingAllowance(context.Background(), f.user(ext).ID)
	if err != nil {
		panic(err)
	}
	return r.Remaining
}

func (f *fixture) score(ext string) int64 {
	s, err := f.ledger.GetCurrentScore(context.Background(), f.user(ext).ID)
	if err != nil {
		panic(err)
	}
	return s.Score
}

func (f *fixture) transactionCount() int {
	txs, err := f.store.ListTransactions(context.Background(), model.TransactionFilter{})
	if err != nil {
		panic(err)
	}
	return len(txs)
}

var errDiskFull = errors.New("disk full")

// failingStore fails one write with errDiskFull, inside transactions too.
type failingStore struct {
	repository.Store
	failOn string
}

func (s *failingStore) InTx(ctx context.Context, fn func(tx repository.Store) error) error {
	return s.Store.InTx(ctx, func(tx repository.Store) error {
		return fn(&failingStore{Store: tx, failOn: s.failOn})
	})
}

func (s *failingStore) DeductRemaining(ctx context.Context, userID string, c model.Cycle, points int64) (*model.RemainingAllowance, error) {
	if s.failOn == "debit" {
		return nil, errDiskFull
	}
	return s.Store.DeductRemaining(ctx, userID, c, points)
}

func (s *failingStore) AddScore(ctx context.Context, userID string, c model.Cycle, points int64) (*model.CurrentScore, error) {
	if s.failOn == "credit" {
		return nil, errDiskFull
	}
	return s.Store.AddScore(ctx, userID, c, points)
}

func (s *failingStore) CreateTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, error) {
	if s.failOn == "record" {
		return nil, errDiskFull
	}
	return s.Store.CreateTransaction(ctx, tx)
}

// donationsOn builds a DonationService over store, sharing the fixture's directory and clock.
func (f *fixture) donationsOn(store repository.Store, announcer Announcer) *DonationService {
	ledger := NewLedger(store, testMaxPerCycle, f.calendar)
	txlog := NewTransactionLog(store, f.calendar)
	return NewDonationService(store, ledger, txlog, f.directory, announcer, f.donations.rules, f.calendar)
}

// gateAnnouncer blocks its first announcement until release is closed.
type gateAnnouncer struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func newGateAnnouncer() *gateAnnouncer {
	return &gateAnnouncer{entered: make(chan struct{}), release: make(chan struct{})}
}

func (a *gateAnnouncer) Announce(ctx context.Context, text string) error {
	a.mu.Lock()
	a.calls++
	first := a.calls == 1
	a.mu.Unlock()

	if first {
		close(a.entered)
		<-a.release
	}
	return nil
}
