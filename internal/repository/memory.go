package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"subscribe-service/internal/model"
	"subscribe-service/pkg/sentinel"
)

type memTxKey struct{}

// MemoryStore implements the subscription, login code and watermark stores in
// process memory. RunInTx serializes transactions and restores a snapshot
// when fn fails.
type MemoryStore struct {
	txMu sync.Mutex

	mu         sync.Mutex
	subs       map[string]model.Subscription
	loginCodes map[string]model.LoginCode
	watermarks map[model.Frequency]time.Time
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:       make(map[string]model.Subscription),
		loginCodes: make(map[string]model.LoginCode),
		watermarks: make(map[model.Frequency]time.Time),
		now:        time.Now,
	}
}

// SetClock replaces the clock used for created/updated timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

type memSnapshot struct {
	subs       map[string]model.Subscription
	loginCodes map[string]model.LoginCode
	watermarks map[model.Frequency]time.Time
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) == m {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, m)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *MemoryStore) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := memSnapshot{
		subs:       make(map[string]model.Subscription, len(m.subs)),
		loginCodes: make(map[string]model.LoginCode, len(m.loginCodes)),
		watermarks: make(map[model.Frequency]time.Time, len(m.watermarks)),
	}
	for k, v := range m.subs {
		snap.subs[k] = v
	}
	for k, v := range m.loginCodes {
		snap.loginCodes[k] = v
	}
	for k, v := range m.watermarks {
		snap.watermarks[k] = v
	}
	return snap
}

func (m *MemoryStore) restore(snap memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = snap.subs
	m.loginCodes = snap.loginCodes
	m.watermarks = snap.watermarks
}

func (m *MemoryStore) Find(_ context.Context, email string, target model.Target) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.findLocked(email, target); ok {
		return &s, nil
	}
	return nil, sentinel.ErrNotFound
}

func (m *MemoryStore) findLocked(email string, target model.Target) (model.Subscription, bool) {
	for _, s := range m.subs {
		if s.Email == email && s.ObjectType == target.Type && s.ObjectID == target.ID {
			return s, true
		}
	}
	return model.Subscription{}, false
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Upsert(_ context.Context, email string, target model.Target, frequency model.Frequency) (*model.Subscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.findLocked(email, target); ok {
		return &s, false, nil
	}

	now := m.now()
	s := model.Subscription{
		ID:         uuid.NewString(),
		Email:      email,
		ObjectType: target.Type,
		ObjectID:   target.ID,
		Frequency:  frequency,
		Created:    now,
		Updated:    now,
	}
	m.subs[s.ID] = s
	return &s, true, nil
}

func (m *MemoryStore) ListForEmail(_ context.Context, email string, verifiedOnly bool) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Subscription
	for _, s := range m.subs {
		if s.Email == email && (s.Verified || !verifiedOnly) {
			out = append(out, s)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[id]; !ok {
		return sentinel.ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) DeleteAllForEmail(_ context.Context, email string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted []model.Subscription
	for id, s := range m.subs {
		if s.Email == email {
			deleted = append(deleted, s)
			delete(m.subs, id)
		}
	}
	sortByCreated(deleted)
	return deleted, nil
}

func (m *MemoryStore) UpdateFrequency(_ context.Context, id string, frequency model.Frequency) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	s.Frequency = frequency
	s.Updated = m.now()
	m.subs[id] = s
	return &s, nil
}

func (m *MemoryStore) SetVerificationCode(_ context.Context, id, code string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok || s.Verified {
		return sentinel.ErrInvalidState
	}
	for otherID, other := range m.subs {
		if otherID != id && other.VerificationCode == code {
			return sentinel.ErrConflict
		}
	}
	s.VerificationCode = code
	s.VerificationCodeExpires = &expires
	s.Updated = m.now()
	m.subs[id] = s
	return nil
}

func (m *MemoryStore) MarkVerified(_ context.Context, id string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	m.verifyLocked(&s)
	return &s, nil
}

func (m *MemoryStore) verifyLocked(s *model.Subscription) {
	s.Verified = true
	s.VerificationCode = ""
	s.VerificationCodeExpires = nil
	s.Updated = m.now()
	m.subs[s.ID] = *s
}

func (m *MemoryStore) ConsumeVerificationCode(_ context.Context, code string, now time.Time) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if code == "" {
		return nil, sentinel.ErrNotFound
	}
	for _, s := range m.subs {
		if s.Verified || s.VerificationCode != code {
			continue
		}
		if s.VerificationCodeExpires == nil || !now.Before(*s.VerificationCodeExpires) {
			return nil, sentinel.ErrExpired
		}
		m.verifyLocked(&s)
		return &s, nil
	}
	return nil, sentinel.ErrNotFound
}

func (m *MemoryStore) DueForNotification(_ context.Context, frequency model.Frequency) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Subscription
	for _, s := range m.subs {
		if s.Verified && s.Frequency == frequency {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Email != out[j].Email {
			return out[i].Email < out[j].Email
		}
		return lessCreated(out[i], out[j])
	})
	return out, nil
}

func (m *MemoryStore) Create(_ context.Context, code *model.LoginCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.loginCodes[code.Code]; ok {
		return sentinel.ErrConflict
	}
	code.Created = m.now()
	m.loginCodes[code.Code] = *code
	return nil
}

func (m *MemoryStore) FindByCode(_ context.Context, code string) (*model.LoginCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lc, ok := m.loginCodes[code]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &lc, nil
}

func (m *MemoryStore) LastSent(_ context.Context, frequency model.Frequency) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.watermarks[frequency]
	return t, ok, nil
}

func (m *MemoryStore) SetLastSent(_ context.Context, frequency model.Frequency, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watermarks[frequency] = t
	return nil
}

func sortByCreated(subs []model.Subscription) {
	sort.Slice(subs, func(i, j int) bool { return lessCreated(subs[i], subs[j]) })
}

func lessCreated(a, b model.Subscription) bool {
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	return a.ID < b.ID
}
