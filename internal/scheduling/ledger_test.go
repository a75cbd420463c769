package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
)

// memStore serializes WithSlotLock per host with a mutex, like the advisory lock.
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[uuid.UUID]*models.Session)}
}

func (m *memStore) WithSlotLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, m)
}

func (m *memStore) Overlapping(_ context.Context, hostID uuid.UUID, w Window, _ *uuid.UUID) ([]models.Session, error) {
	var out []models.Session
	for _, s := range m.sessions {
		if s.HostID == hostID && s.StartsAt.Before(w.End) && w.Start.Before(s.EndsAt) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) InsertSession(_ context.Context, s *models.Session) error {
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) UpdateWindow(_ context.Context, id uuid.UUID, w Window) (*models.Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	s.StartsAt, s.EndsAt = w.Start, w.End
	cp := *s
	return &cp, nil
}

func at(h, m int) time.Time {
	return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC)
}

func insert(host uuid.UUID, w Window) func(ctx context.Context, tx Tx) error {
	return func(ctx context.Context, tx Tx) error {
		return tx.InsertSession(ctx, &models.Session{ID: uuid.New(), HostID: host, StartsAt: w.Start, EndsAt: w.End, Status: models.SessionScheduled})
	}
}

func TestWindowOverlaps(t *testing.T) {
	w := Window{Start: at(10, 0), End: at(11, 0)}
	assert.True(t, w.Overlaps(Window{Start: at(10, 30), End: at(11, 30)}))
	assert.True(t, w.Overlaps(Window{Start: at(9, 0), End: at(12, 0)}))
	assert.True(t, w.Overlaps(w))
	assert.False(t, w.Overlaps(Window{Start: at(11, 0), End: at(12, 0)}), "abutting after")
	assert.False(t, w.Overlaps(Window{Start: at(9, 0), End: at(10, 0)}), "abutting before")
}

func TestWindowValidate(t *testing.T) {
	assert.NoError(t, Window{Start: at(10, 0), End: at(11, 0)}.Validate())
	assert.True(t, apperr.IsValidation(Window{Start: at(11, 0), End: at(10, 0)}.Validate()))
	assert.True(t, apperr.IsValidation(Window{Start: at(10, 0), End: at(10, 0)}.Validate()))
	assert.True(t, apperr.IsValidation(Window{End: at(10, 0)}.Validate()))
}

func TestReserve_AbuttingAcceptedOverlapRejected(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := NewLedger(store)
	host := uuid.New()

	w1 := Window{Start: at(10, 0), End: at(11, 0)}
	require.NoError(t, l.Reserve(ctx, host, w1, nil, insert(host, w1)))

	w2 := Window{Start: at(10, 30), End: at(11, 30)}
	err := l.Reserve(ctx, host, w2, nil, insert(host, w2))
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, w1.Start, conflict.ExistingStart)
	assert.Equal(t, w2.Start, conflict.RequestedStart)
	assert.Contains(t, err.Error(), "2026-03-01T10:30:00Z")

	w3 := Window{Start: at(11, 0), End: at(12, 0)}
	require.NoError(t, l.Reserve(ctx, host, w3, nil, insert(host, w3)))
	assert.Len(t, store.sessions, 2)
}

func TestReserve_ScopeIsPerHost(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(newMemStore())
	w := Window{Start: at(10, 0), End: at(11, 0)}
	a, b := uuid.New(), uuid.New()
	require.NoError(t, l.Reserve(ctx, a, w, nil, insert(a, w)))
	require.NoError(t, l.Reserve(ctx, b, w, nil, insert(b, w)))
}

func TestReserve_CancelledAndSelfAreIgnored(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := NewLedger(store)
	host := uuid.New()
	w := Window{Start: at(10, 0), End: at(11, 0)}

	cancelled := &models.Session{ID: uuid.New(), HostID: host, StartsAt: w.Start, EndsAt: w.End, Status: models.SessionCancelled}
	store.sessions[cancelled.ID] = cancelled
	require.NoError(t, l.Reserve(ctx, host, w, nil, insert(host, w)))

	var self uuid.UUID
	for id, s := range store.sessions {
		if s.Status == models.SessionScheduled {
			self = id
		}
	}
	moved := Window{Start: at(10, 30), End: at(11, 30)}
	err := l.Reserve(ctx, host, moved, &self, func(ctx context.Context, tx Tx) error {
		_, err := tx.UpdateWindow(ctx, self, moved)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, moved.Start, store.sessions[self].StartsAt)
}

func TestReserve_InvalidWindowNeverWrites(t *testing.T) {
	l := NewLedger(newMemStore())
	called := false
	err := l.Reserve(context.Background(), uuid.New(), Window{Start: at(11, 0), End: at(10, 0)}, nil, func(context.Context, Tx) error {
		called = true
		return nil
	})
	assert.True(t, apperr.IsValidation(err))
	assert.False(t, called)
}

func TestReserve_ConcurrentSameWindowAdmitsOne(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := NewLedger(store)
	host := uuid.New()
	w := Window{Start: at(10, 0), End: at(11, 0)}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, conflicts := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Reserve(ctx, host, w, nil, insert(host, w))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
			} else if apperr.IsConflict(err) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
	assert.Equal(t, 15, conflicts)
	assert.Len(t, store.sessions, 1)
}

func TestReserve_ConstraintConflictNamesRequestedWindow(t *testing.T) {
	ledger := NewLedger(newMemStore())
	w := Window{Start: at(14, 0), End: at(15, 0)}

	err := ledger.Reserve(context.Background(), uuid.New(), w, nil, func(context.Context, Tx) error {
		return &apperr.ConflictError{}
	})
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.RequestedStart.Equal(w.Start))
	assert.True(t, conflict.RequestedEnd.Equal(w.End))
	assert.Equal(t, "window [2026-03-01T14:00:00Z, 2026-03-01T15:00:00Z) overlaps an existing session", conflict.Error())
}
