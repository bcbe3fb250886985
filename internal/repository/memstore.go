package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kudos-bot/internal/model"
)

type cycleKey struct {
	userID string
	month  int
	year   int
}

func keyOf(userID string, c model.Cycle) cycleKey {
	return cycleKey{userID: userID, month: c.Month, year: c.Year}
}

// memState is the full content of a MemoryStore.
type memState struct {
	users      map[string]*model.User
	byExternal map[string]string
	userOrder  []string

	scores    map[cycleKey]*model.CurrentScore
	remaining map[cycleKey]*model.RemainingAllowance
	history   map[cycleKey]*model.HistoryScore

	transactions []*model.Transaction

	nextID int64
}

func newMemState() *memState {
	return &memState{
		users:      make(map[string]*model.User),
		byExternal: make(map[string]string),
		scores:     make(map[cycleKey]*model.CurrentScore),
		remaining:  make(map[cycleKey]*model.RemainingAllowance),
		history:    make(map[cycleKey]*model.HistoryScore),
	}
}

// clone deep copies the state so a transaction can be discarded on rollback.
func (s *memState) clone() *memState {
	c := newMemState()
	for id, u := range s.users {
		cp := *u
		c.users[id] = &cp
	}
	for ext, id := range s.byExternal {
		c.byExternal[ext] = id
	}
	c.userOrder = append([]string(nil), s.userOrder...)
	for k, v := range s.scores {
		cp := *v
		c.scores[k] = &cp
	}
	for k, v := range s.remaining {
		cp := *v
		c.remaining[k] = &cp
	}
	for k, v := range s.history {
		cp := *v
		c.history[k] = &cp
	}
	c.transactions = make([]*model.Transaction, len(s.transactions))
	for i, t := range s.transactions {
		cp := *t
		c.transactions[i] = &cp
	}
	c.nextID = s.nextID
	return c
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// MemoryStore is an in-process Store. It is used by tests and by local runs
// without a database. All access is serialized by one mutex; a transaction
// holds it for its whole duration and works on a copy that replaces the
// shared state on commit.
type MemoryStore struct {
	mu    *sync.Mutex
	state *memState
	inTx  bool
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore. A nil now uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{mu: &sync.Mutex{}, state: newMemState(), now: now}
}

func (m *MemoryStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// InTx runs fn against a private copy of the state and publishes it when fn returns nil.
// fn must only use the Store it is given; using m inside fn deadlocks.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if m.inTx {
		return fn(m)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &MemoryStore{mu: m.mu, state: m.state.clone(), inTx: true, now: m.now}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.state = tx.state
	return nil
}

// --- UserStore ---

func (m *MemoryStore) GetOrCreateUser(ctx context.Context, identity model.Identity) (*model.User, bool, error) {
	defer m.lock()()

	if id, ok := m.state.byExternal[identity.ExternalID]; ok {
		u := *m.state.users[id]
		return &u, false, nil
	}

	now := m.now()
	u := &model.User{
		ID:          uuid.NewString(),
		ExternalID:  identity.ExternalID,
		Handle:      identity.Handle,
		DisplayName: identity.DisplayName,
		Status:      model.UserStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.state.users[u.ID] = u
	m.state.byExternal[u.ExternalID] = u.ID
	m.state.userOrder = append(m.state.userOrder, u.ID)

	cp := *u
	return &cp, true, nil
}

func (m *MemoryStore) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	defer m.lock()()

	u, ok := m.state.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	defer m.lock()()

	id, ok := m.state.byExternal[externalID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *m.state.users[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateUserProfile(ctx context.Context, id, handle, displayName string) (*model.User, error) {
	defer m.lock()()

	u, ok := m.state.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	u.Handle = handle
	u.DisplayName = displayName
	u.UpdatedAt = m.now()

	cp := *u
	return &cp, nil
}

func (m *MemoryStore) SetUserStatus(ctx context.Context, id string, status model.UserStatus) error {
	defer m.lock()()

	u, ok := m.state.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Status = status
	u.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListUsers(ctx context.Context) ([]*model.User, error) {
	defer m.lock()()

	users := make([]*model.User, 0, len(m.state.userOrder))
	for _, id := range m.state.userOrder {
		cp := *m.state.users[id]
		users = append(users, &cp)
	}
	return users, nil
}

// --- ScoreStore ---

func (m *MemoryStore) ensureScore(userID string, c model.Cycle) *model.CurrentScore {
	k := keyOf(userID, c)
	if s, ok := m.state.scores[k]; ok {
		return s
	}
	now := m.now()
	s := &model.CurrentScore{
		ID:        m.state.id(),
		UserID:    userID,
		Month:     c.Month,
		Year:      c.Year,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.state.scores[k] = s
	return s
}

func (m *MemoryStore) EnsureCurrentScore(ctx context.Context, userID string, c model.Cycle) (*model.CurrentScore, error) {
	defer m.lock()()

	if _, ok := m.state.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	cp := *m.ensureScore(userID, c)
	return &cp, nil
}

func (m *MemoryStore) AddScore(ctx context.Context, userID string, c model.Cycle, points int64) (*model.CurrentScore, error) {
	if points <= 0 {
		return nil, ErrInvalidPoints
	}
	defer m.lock()()

	if _, ok := m.state.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	s := m.ensureScore(userID, c)
	s.Score += points
	s.UpdatedAt = m.now()

	cp := *s
	return &cp, nil
}

func (m *MemoryStore) EnsureRemaining(ctx context.Context, userID string, c model.Cycle, initial int64) (*model.RemainingAllowance, error) {
	defer m.lock()()

	if _, ok := m.state.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	k := keyOf(userID, c)
	r, ok := m.state.remaining[k]
	if !ok {
		now := m.now()
		r = &model.RemainingAllowance{
			ID:        m.state.id(),
			UserID:    userID,
			Remaining: initial,
			Month:     c.Month,
			Year:      c.Year,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.state.remaining[k] = r
	}

	cp := *r
	return &cp, nil
}

func (m *MemoryStore) DeductRemaining(ctx context.Context, userID string, c model.Cycle, points int64) (*model.RemainingAllowance, error) {
	if points <= 0 {
		return nil, ErrInvalidPoints
	}
	defer m.lock()()

	r, ok := m.state.remaining[keyOf(userID, c)]
	if !ok {
		return nil, ErrAllowanceNotFound
	}
	if r.Remaining < points {
		return nil, ErrInsufficientBalance
	}
	r.Remaining -= points
	r.UpdatedAt = m.now()

	cp := *r
	return &cp, nil
}

func (m *MemoryStore) rankedByCycle(c model.Cycle) []*model.RankedScore {
	var ranked []*model.RankedScore
	for k, s := range m.state.scores {
		if k.month != c.Month || k.year != c.Year {
			continue
		}
		ranked = append(ranked, &model.RankedScore{CurrentScore: *s, User: *m.state.users[s.UserID]})
	}
	return ranked
}

func (m *MemoryStore) TopScores(ctx context.Context, c model.Cycle, limit int) ([]*model.RankedScore, error) {
	defer m.lock()()

	ranked := m.rankedByCycle(c)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ID < ranked[j].ID
	})
	if limit >= 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func (m *MemoryStore) ScoresByCycle(ctx context.Context, c model.Cycle) ([]*model.RankedScore, error) {
	defer m.lock()()

	ranked := m.rankedByCycle(c)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].ID < ranked[j].ID })
	return ranked, nil
}

func (m *MemoryStore) CreateHistory(ctx context.Context, h *model.HistoryScore) (*model.HistoryScore, bool, error) {
	defer m.lock()()

	if _, ok := m.state.users[h.UserID]; !ok {
		return nil, false, ErrUserNotFound
	}
	k := cycleKey{userID: h.UserID, month: h.Month, year: h.Year}
	if _, ok := m.state.history[k]; ok {
		return nil, false, nil
	}

	created := *h
	created.ID = m.state.id()
	if created.ArchivedAt.IsZero() {
		created.ArchivedAt = m.now()
	}
	m.state.history[k] = &created

	cp := created
	return &cp, true, nil
}

func (m *MemoryStore) HistoryByCycle(ctx context.Context, c model.Cycle) ([]*model.HistoryScore, error) {
	defer m.lock()()

	var out []*model.HistoryScore
	for k, h := range m.state.history {
		if k.month == c.Month && k.year == c.Year {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) HistoryByUser(ctx context.Context, userID string) ([]*model.HistoryScore, error) {
	defer m.lock()()

	var out []*model.HistoryScore
	for k, h := range m.state.history {
		if k.userID == userID {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year > out[j].Year
		}
		return out[i].Month > out[j].Month
	})
	return out, nil
}

// --- TransactionStore ---

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, error) {
	if tx.Amount <= 0 {
		return nil, ErrInvalidPoints
	}
	defer m.lock()()

	if _, ok := m.state.users[tx.SenderID]; !ok {
		return nil, ErrUserNotFound
	}
	if _, ok := m.state.users[tx.RecipientID]; !ok {
		return nil, ErrUserNotFound
	}

	created := *tx
	created.ID = m.state.id()
	if created.CreatedAt.IsZero() {
		created.CreatedAt = m.now()
	}
	m.state.transactions = append(m.state.transactions, &created)

	cp := created
	return &cp, nil
}

func (m *MemoryStore) CountTransactionsBySenderSince(ctx context.Context, senderID string, since time.Time) (int, error) {
	defer m.lock()()

	count := 0
	for _, t := range m.state.transactions {
		if t.SenderID == senderID && !t.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]*model.Transaction, error) {
	defer m.lock()()

	var out []*model.Transaction
	for _, t := range m.state.transactions {
		if filter.SenderID != "" && t.SenderID != filter.SenderID {
			continue
		}
		if filter.RecipientID != "" && t.RecipientID != filter.RecipientID {
			continue
		}
		if !filter.From.IsZero() && t.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !t.CreatedAt.Before(filter.To) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
